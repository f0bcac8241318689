package loader

import (
	"fmt"
	"path/filepath"
)

// BIDSPaths selects recordings in a BIDS dataset. Empty selections match
// everything. Recordings without a session directory are found as well when
// Sessions is empty.
type BIDSPaths struct {
	Root       string
	Subjects   []string
	Sessions   []string
	Tasks      []string
	Runs       []string
	Extensions []string
	Suffixes   []string
}

// NewBIDSPaths selects all EEG recordings stored as .bdf under root.
func NewBIDSPaths(root string) BIDSPaths {
	return BIDSPaths{Root: root, Extensions: []string{"eeg"}, Suffixes: []string{"bdf"}}
}

func orAll(xs []string) []string {
	if len(xs) == 0 {
		return []string{"*"}
	}
	return xs
}

// Patterns returns one glob pattern per combination of selected values.
func (b BIDSPaths) Patterns() []string {
	var out []string
	for _, sub := range orAll(b.Subjects) {
		for _, ses := range orAll(b.Sessions) {
			for _, task := range orAll(b.Tasks) {
				for _, run := range orAll(b.Runs) {
					for _, ext := range orAll(b.Extensions) {
						for _, suffix := range orAll(b.Suffixes) {
							out = append(out, filepath.Join(b.Root,
								"sub-"+sub, "ses-"+ses, ext,
								fmt.Sprintf("sub-%s_ses-%s_task-%s_run-%s_%s.%s", sub, ses, task, run, ext, suffix)))
							if ses == "*" {
								out = append(out, filepath.Join(b.Root,
									"sub-"+sub, ext,
									fmt.Sprintf("sub-%s_task-%s_run-%s_%s.%s", sub, task, run, ext, suffix)))
							}
						}
					}
				}
			}
		}
	}
	return out
}

// Paths returns the matching recordings.
func (b BIDSPaths) Paths() ([]string, error) {
	return Glob{Patterns: b.Patterns()}.Paths()
}

// Source yields one record per recording with the path under key.
func (b BIDSPaths) Source(key string) Glob {
	return Glob{Patterns: b.Patterns(), Key: key}
}
