package cache

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dcshock/brainpipe/pipeline"
)

// Cache decides how cached step outputs are named. Predictions return groups
// of filenames ordered most specific first; all files of a group are written
// together by one step invocation (fan-out), so a group only counts when
// every file in it exists.
type Cache interface {
	// PredictFilenamesFromRecord guesses the filenames a step would write for
	// rec, from rec's identifying fields.
	PredictFilenamesFromRecord(rec pipeline.Record) ([][]string, error)
	// PredictFilenamesFromPreviousFilename guesses the filenames a step would
	// write for the output of an earlier cached step named prev.
	PredictFilenamesFromPreviousFilename(prev string) [][]string
	// Filename names the cache file of rec.
	Filename(rec pipeline.Record) (string, error)
	// Folder names the cache folder of step. index is -1 for a step that is
	// not part of a pipeline.
	Folder(step pipeline.Step, index int) string
}

// Folderer is implemented by steps that choose their own cache folder.
type Folderer interface {
	CacheFolder() string
}

// Key identifies a record field used in cache filenames. With Sub set, Name
// holds a list of records and Sub the field read from each of them.
type Key struct {
	Name string
	Sub  string
}

// ParseKey parses "name" or "list/sub".
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		return Key{Name: parts[0]}, nil
	case len(parts) == 2 && parts[0] != "" && parts[1] != "":
		return Key{Name: parts[0], Sub: parts[1]}, nil
	}
	return Key{}, pipeline.ConfigErrorf("cache key %q: want \"name\" or \"list/sub\"", s)
}

func (k Key) String() string {
	if k.Sub == "" {
		return k.Name
	}
	return k.Name + "/" + k.Sub
}

// DefaultFilenameKeys are the identifying fields of brain/stimulus records.
var DefaultFilenameKeys = []Key{
	{Name: "eeg_path"},
	{Name: "stimulus_path"},
	{Name: "stimuli", Sub: "stimulus_path"},
	{Name: "trigger_path"},
}

// DefaultCache builds filenames by joining the stems (base name up to the
// first dot) of identifying fields with Separator.
type DefaultCache struct {
	FilenameKeys []Key
	Separator    string
	// CacheKey is the pointer field; a record carrying it is named after the
	// file it points to.
	CacheKey string
	// FolderOverrides maps a default folder name ("3_Resample") or a step name
	// to a custom folder.
	FolderOverrides map[string]string
}

// NewDefaultCache returns a DefaultCache with DefaultFilenameKeys, the "_-_"
// separator and the "cache" pointer key.
func NewDefaultCache() *DefaultCache {
	return &DefaultCache{
		FilenameKeys: DefaultFilenameKeys,
		Separator:    "_-_",
		CacheKey:     DefaultCacheKey,
	}
}

func (c *DefaultCache) add(filename, part string) string {
	base := filepath.Base(part)
	if i := strings.Index(base, "."); i >= 0 {
		base = base[:i]
	}
	if filename == "" {
		return base
	}
	return filename + c.Separator + base
}

// build walks keys in order. It returns the full filename and the prediction
// groups in the order they were found (least specific first).
func (c *DefaultCache) build(rec pipeline.Record, keys []Key) (string, [][]string, error) {
	var (
		filename string
		groups   [][]string
	)
	for _, key := range keys {
		if key.Sub == "" {
			v, ok := rec[key.Name]
			if !ok || v == nil {
				continue
			}
			filename = c.add(filename, fmt.Sprint(v))
			groups = append(groups, []string{filename})
			continue
		}
		subs, ok := records(rec[key.Name])
		if !ok {
			continue
		}
		prefix := filename
		var group []string
		for _, sub := range subs {
			v, ok := sub[key.Sub]
			if !ok || v == nil {
				continue
			}
			filename = c.add(filename, fmt.Sprint(v))
			group = append(group, c.add(prefix, fmt.Sprint(v)))
		}
		if len(group) > 0 {
			groups = append(groups, group)
		}
	}
	if filename == "" {
		names := make([]string, len(keys))
		for i, k := range keys {
			names[i] = k.String()
		}
		return "", nil, pipeline.ConfigErrorf(
			"can't create a cache filename: record has none of the keys %s", strings.Join(names, ", "))
	}
	return filename, groups, nil
}

func records(v any) ([]map[string]any, bool) {
	switch xs := v.(type) {
	case []map[string]any:
		return xs, true
	case []pipeline.Record:
		out := make([]map[string]any, len(xs))
		for i, r := range xs {
			out[i] = r
		}
		return out, true
	case []any:
		out := make([]map[string]any, 0, len(xs))
		for _, x := range xs {
			switch m := x.(type) {
			case map[string]any:
				out = append(out, m)
			case pipeline.Record:
				out = append(out, m)
			}
		}
		return out, true
	}
	return nil, false
}

// ordered sorts groups most specific first: by the number of parts of their
// filenames, then larger groups first, so a complete fan-out group wins over
// one of its members. Duplicate groups are dropped.
func (c *DefaultCache) ordered(groups [][]string) [][]string {
	seen := make(map[string]bool, len(groups))
	out := make([][]string, 0, len(groups))
	for _, g := range groups {
		id := strings.Join(g, "\x00")
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, g)
	}
	parts := func(g []string) int {
		n := 0
		for _, name := range g {
			n = max(n, strings.Count(name, c.Separator)+1)
		}
		return n
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := parts(out[i]), parts(out[j])
		if pi != pj {
			return pi > pj
		}
		return len(out[i]) > len(out[j])
	})
	return out
}

// PredictFilenamesFromRecord proposes the filename of rec itself, each
// prefix of its identifying fields and, for list keys, the group of one file
// per list element.
func (c *DefaultCache) PredictFilenamesFromRecord(rec pipeline.Record) ([][]string, error) {
	filename, groups, err := c.build(rec, c.FilenameKeys)
	if err != nil {
		return nil, err
	}
	return c.ordered(append(groups, []string{filename})), nil
}

// PredictFilenamesFromPreviousFilename splits prev on the separator and
// proposes every prefix of its parts, plus, for each prefix, the group of
// prefixes extended by one later part (a step that fanned out over that
// part). A prefix that is a member of such a fan-out group is only proposed
// through the group, so part of a fan-out never counts as cached.
func (c *DefaultCache) PredictFilenamesFromPreviousFilename(prev string) [][]string {
	parts := strings.Split(prev, c.Separator)
	var (
		prefixes []string
		fans     [][]string
	)
	inFan := make(map[string]bool)
	current := ""
	for i, part := range parts {
		current = c.add(current, part)
		prefixes = append(prefixes, current)
		var fan []string
		for _, later := range parts[i+1:] {
			fan = append(fan, c.add(current, later))
		}
		if len(fan) > 1 {
			for _, name := range fan {
				inFan[name] = true
			}
		}
		if len(fan) > 0 {
			fans = append(fans, fan)
		}
	}
	groups := make([][]string, 0, len(prefixes)+len(fans))
	for _, name := range prefixes {
		if !inFan[name] {
			groups = append(groups, []string{name})
		}
	}
	return c.ordered(append(groups, fans...))
}

// Filename names rec after the file its pointer refers to, or after its
// identifying fields. A record with neither is a configuration error.
func (c *DefaultCache) Filename(rec pipeline.Record) (string, error) {
	keys := c.FilenameKeys
	if _, ok := rec[c.CacheKey]; ok {
		keys = []Key{{Name: c.CacheKey}}
	}
	filename, _, err := c.build(rec, keys)
	return filename, err
}

func (c *DefaultCache) Folder(step pipeline.Step, index int) string {
	name := pipeline.StepName(step)
	folder := name
	if index >= 0 {
		folder = fmt.Sprintf("%d_%s", index, name)
	}
	if o, ok := c.FolderOverrides[folder]; ok {
		return o
	}
	if o, ok := c.FolderOverrides[name]; ok {
		return o
	}
	if f, ok := step.(Folderer); ok && f.CacheFolder() != "" {
		return f.CacheFolder()
	}
	return folder
}
