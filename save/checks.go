package save

import (
	"os"
	"path/filepath"

	"github.com/dcshock/brainpipe/pipeline"
)

// Verdict is the outcome of a Check on one metadata entry.
type Verdict int

const (
	// NotApplicable means the entry does not concern the feature checked.
	NotApplicable Verdict = iota
	// Missing means the entry applies but its file is gone (or, for legacy
	// entries, does not match the expected filename).
	Missing
	// Found means the entry applies and its file exists; the path is returned
	// alongside.
	Found
)

// Check judges one metadata entry for one feature ("" for the whole record).
type Check func(s *DefaultSave, e Entry, feature string, rec pipeline.Record) (Verdict, string)

// IsDoneCheck applies to entries of the same feature and passes when the
// file exists under the save root.
func IsDoneCheck(s *DefaultSave, e Entry, feature string, _ pipeline.Record) (Verdict, string) {
	if e.Feature() != feature {
		return NotApplicable, ""
	}
	return exists(filepath.Join(s.Root, e.Filename))
}

// IsReloadableCheck applies to whole-record entries only. Legacy entries
// must name the file the filename function would produce for rec.
func IsReloadableCheck(s *DefaultSave, e Entry, _ string, rec pipeline.Record) (Verdict, string) {
	if e.FeatureName != nil {
		return NotApplicable, ""
	}
	if e.OldFormat {
		expected, err := s.Filename(rec, "", "")
		if err != nil || filepath.Clean(expected) != filepath.Clean(e.Filename) {
			return Missing, ""
		}
	}
	return exists(filepath.Join(s.Root, e.Filename))
}

func exists(path string) (Verdict, string) {
	if _, err := os.Stat(path); err != nil {
		return Missing, ""
	}
	return Found, path
}
