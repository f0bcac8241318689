package save

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dcshock/brainpipe/pipeline"
)

// FilenameFunc derives the path, relative to the save root, under which a
// record (feature == "") or one feature of it is stored. set is the set name
// (e.g. "train") or "".
type FilenameFunc func(rec pipeline.Record, feature, set string) (string, error)

// DefaultSeparator joins the parts of derived filenames.
const DefaultSeparator = "_-_"

// DefaultFilename builds filenames from identifying record fields.
type DefaultFilename struct {
	// PathKeys name path-valued fields; each contributes its base name up to
	// the first dot.
	PathKeys []string
	// OtherKeys name further fields for feature files. A key may address a
	// nested map with "/" (e.g. "event_info/snr"); missing keys are skipped.
	OtherKeys []string
	Separator string
	// RecordExt is appended to whole-record filenames, FeatureExt to
	// feature filenames.
	RecordExt  string
	FeatureExt string
}

// NewDefaultFilename returns the default naming scheme: data_path and
// stimulus_path as path keys, event_info/snr as other key, "_-_" separator,
// ".data_dict" for records and ".npy" for features.
func NewDefaultFilename() *DefaultFilename {
	return &DefaultFilename{
		PathKeys:   []string{"data_path", "stimulus_path"},
		OtherKeys:  []string{"event_info/snr"},
		Separator:  DefaultSeparator,
		RecordExt:  ".data_dict",
		FeatureExt: ".npy",
	}
}

// Filename implements FilenameFunc. A record without any of the path keys
// is a configuration error.
func (f *DefaultFilename) Filename(rec pipeline.Record, feature, set string) (string, error) {
	var parts []string
	for _, key := range f.PathKeys {
		v, ok := rec[key]
		if !ok || v == nil {
			continue
		}
		parts = append(parts, Stem(fmt.Sprint(v)))
	}
	if len(parts) == 0 {
		return "", pipeline.ConfigErrorf("cannot derive a filename: record has none of the keys %s", strings.Join(f.PathKeys, ", "))
	}
	if feature == "" && set == "" {
		return strings.Join(parts, f.Separator) + f.RecordExt, nil
	}
	for _, key := range f.OtherKeys {
		if v, ok := Lookup(rec, key); ok {
			parts = append(parts, fmt.Sprint(v))
		}
	}
	if feature != "" {
		parts = append(parts, feature)
	}
	if set != "" {
		parts = append([]string{set}, parts...)
	}
	return strings.Join(parts, f.Separator) + f.FeatureExt, nil
}

// Stem returns the base name of path up to its first dot.
func Stem(path string) string {
	base := filepath.Base(path)
	if i := strings.Index(base, "."); i >= 0 {
		return base[:i]
	}
	return base
}

// Lookup resolves a "/"-separated key through nested maps.
func Lookup(rec pipeline.Record, key string) (any, bool) {
	var cur any = map[string]any(rec)
	for _, part := range strings.Split(key, "/") {
		var m map[string]any
		switch x := cur.(type) {
		case map[string]any:
			m = x
		case pipeline.Record:
			m = x
		default:
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}
