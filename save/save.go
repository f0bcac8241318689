package save

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dcshock/brainpipe/codec"
	"github.com/dcshock/brainpipe/coord"
	"github.com/dcshock/brainpipe/pipeline"
)

// DefaultSave persists records (or selected features of them) under a root
// directory and keeps a metadata file so later runs can tell what was
// already written. It implements pipeline.Saver.
type DefaultSave struct {
	Root string

	features    map[string]string // feature name -> record key
	overwrite   bool
	clearOutput bool
	filenameFn  FilenameFunc
	metadata    Metadata
	metaFile    string
	keyFn       KeyFunc
	codecs      *codec.Registry
	checkDone   Check
	checkReload Check
	locks       *coord.Locks
	log         logrus.FieldLogger

	legacyWarning sync.Once
}

// Option configures a DefaultSave.
type Option func(*DefaultSave)

// WithFeatures saves only the given features (feature name -> record key)
// instead of the whole record. Feature values that are maps are treated as
// set name -> data and saved per set. An empty map saves the whole record.
func WithFeatures(features map[string]string) Option {
	return func(s *DefaultSave) {
		if len(features) == 0 {
			features = nil
		}
		s.features = features
	}
}

// WithOverwrite disables the done/reloadable checks and clears the metadata
// when the save is constructed.
func WithOverwrite(overwrite bool) Option {
	return func(s *DefaultSave) { s.overwrite = overwrite }
}

// WithClearOutput replaces each saved record with an empty record.
func WithClearOutput(clear bool) Option {
	return func(s *DefaultSave) { s.clearOutput = clear }
}

func WithFilenameFunc(fn FilenameFunc) Option {
	return func(s *DefaultSave) { s.filenameFn = fn }
}

// WithMetadata replaces the JSON metadata file.
func WithMetadata(m Metadata) Option {
	return func(s *DefaultSave) { s.metadata = m }
}

// WithMetadataFilename changes the JSON metadata file name inside the root.
func WithMetadataFilename(name string) Option {
	return func(s *DefaultSave) { s.metaFile = name }
}

// WithKeyFunc changes how the default JSON metadata derives content keys.
func WithKeyFunc(fn KeyFunc) Option {
	return func(s *DefaultSave) { s.keyFn = fn }
}

func WithCodecs(r *codec.Registry) Option {
	return func(s *DefaultSave) { s.codecs = r }
}

func WithDoneCheck(c Check) Option {
	return func(s *DefaultSave) { s.checkDone = c }
}

func WithReloadCheck(c Check) Option {
	return func(s *DefaultSave) { s.checkReload = c }
}

// WithLocks shares a lock registry (usually coord.Env.Locks) between saves
// and workers.
func WithLocks(l *coord.Locks) Option {
	return func(s *DefaultSave) { s.locks = l }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *DefaultSave) { s.log = l }
}

// New returns a DefaultSave writing under root.
func New(ctx context.Context, root string, opts ...Option) (*DefaultSave, error) {
	s := &DefaultSave{
		Root:        root,
		filenameFn:  NewDefaultFilename().Filename,
		codecs:      codec.Default(),
		checkDone:   IsDoneCheck,
		checkReload: IsReloadableCheck,
		log:         logrus.StandardLogger(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.locks == nil {
		s.locks = coord.NewLocks()
	}
	if s.metadata == nil {
		m := NewJSONMetadata(root, s.metaFile, s.locks)
		if s.keyFn != nil {
			m.KeyFunc = s.keyFn
		}
		s.metadata = m
	}
	if s.overwrite {
		if err := s.metadata.Clear(ctx); err != nil {
			return nil, fmt.Errorf("clear metadata: %w", err)
		}
	}
	return s, nil
}

func (s *DefaultSave) Name() string { return "DefaultSave" }

func (s *DefaultSave) Describe() map[string]any {
	d := map[string]any{
		"root_dir":     s.Root,
		"overwrite":    s.overwrite,
		"clear_output": s.clearOutput,
	}
	if s.features != nil {
		d["to_save"] = s.features
	}
	return d
}

// Metadata returns the metadata store.
func (s *DefaultSave) Metadata() Metadata { return s.metadata }

// Overwrite reports whether overwrite mode is on.
func (s *DefaultSave) Overwrite() bool { return s.overwrite }

// SetOverwrite switches overwrite mode; switching it on clears the metadata.
func (s *DefaultSave) SetOverwrite(ctx context.Context, overwrite bool) error {
	s.overwrite = overwrite
	if overwrite {
		return s.metadata.Clear(ctx)
	}
	return nil
}

func (s *DefaultSave) ClearsOutput() bool { return s.clearOutput }

// Filename returns the root-relative filename for rec.
func (s *DefaultSave) Filename(rec pipeline.Record, feature, set string) (string, error) {
	return s.filenameFn(rec, feature, set)
}

// featureNames returns the configured features in a stable order, or the
// whole-record pseudo feature "".
func (s *DefaultSave) featureNames() []string {
	if s.features == nil {
		return []string{""}
	}
	names := make([]string, 0, len(s.features))
	for n := range s.features {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Apply writes rec (or its features) and records the files in the metadata.
func (s *DefaultSave) Apply(ctx context.Context, rec pipeline.Record) ([]pipeline.Record, error) {
	if err := os.MkdirAll(s.Root, 0o755); err != nil {
		return nil, err
	}
	if s.features == nil {
		if err := s.write(ctx, rec, rec, "", ""); err != nil {
			return nil, err
		}
	} else {
		for _, feature := range s.featureNames() {
			key := s.features[feature]
			data, ok := rec[key]
			if !ok {
				return nil, fmt.Errorf("save: feature %q: key %q not in record", feature, key)
			}
			sets, isSets := asSets(data)
			if !isSets {
				if err := s.write(ctx, rec, data, feature, ""); err != nil {
					return nil, err
				}
				continue
			}
			setNames := make([]string, 0, len(sets))
			for n := range sets {
				setNames = append(setNames, n)
			}
			sort.Strings(setNames)
			for _, set := range setNames {
				if err := s.write(ctx, rec, sets[set], feature, set); err != nil {
					return nil, err
				}
			}
		}
	}
	if s.clearOutput {
		return []pipeline.Record{{}}, nil
	}
	return []pipeline.Record{rec}, nil
}

func asSets(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case pipeline.Record:
		return m, true
	}
	return nil, false
}

func (s *DefaultSave) write(ctx context.Context, rec pipeline.Record, data any, feature, set string) error {
	filename, err := s.filenameFn(rec, feature, set)
	if err != nil {
		return err
	}
	path := filepath.Join(s.Root, filename)
	if err := s.codecs.Save(path, data); err != nil {
		return err
	}
	s.log.Debugf("Saved %s", path)
	return s.metadata.Add(ctx, rec, NewEntry(filename, feature, set))
}

// entries returns the metadata entries for rec, warning once when legacy
// entries are found.
func (s *DefaultSave) entries(ctx context.Context, rec pipeline.Record) (Entries, bool, error) {
	key, err := s.metadata.Key(rec)
	if err != nil {
		return nil, false, err
	}
	entries, ok, err := s.metadata.Entries(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	for _, e := range entries {
		if e.OldFormat {
			s.legacyWarning.Do(func() {
				s.log.Warn("Found previously saved data with the old metadata format. " +
					"It will be reloaded, but it is recommended to delete the old data and metadata file if possible.")
			})
			break
		}
	}
	return entries, true, nil
}

// IsAlreadyDone reports whether every configured feature (or the whole
// record) has at least one metadata entry and all of its entries exist on
// disk. It is always false in overwrite mode.
func (s *DefaultSave) IsAlreadyDone(ctx context.Context, rec pipeline.Record) (bool, error) {
	if s.overwrite {
		return false, nil
	}
	entries, ok, err := s.entries(ctx, rec)
	if err != nil || !ok {
		return false, err
	}
	for _, feature := range s.featureNames() {
		applicable := 0
		for _, e := range entries {
			switch v, _ := s.checkDone(s, e, feature, rec); v {
			case Missing:
				return false, nil
			case Found:
				applicable++
			}
		}
		if applicable == 0 {
			return false, nil
		}
	}
	return true, nil
}

// reloadPaths returns the paths that pass the reload check, the file the
// filename function expects for rec first.
func (s *DefaultSave) reloadPaths(ctx context.Context, rec pipeline.Record) ([]string, error) {
	entries, ok, err := s.entries(ctx, rec)
	if err != nil || !ok {
		return nil, err
	}
	expected, _ := s.filenameFn(rec, "", "")
	var paths []string
	for _, e := range entries {
		v, path := s.checkReload(s, e, "", rec)
		if v != Found {
			continue
		}
		if expected != "" && filepath.Clean(e.Filename) == filepath.Clean(expected) {
			paths = append([]string{path}, paths...)
		} else {
			paths = append(paths, path)
		}
	}
	return paths, nil
}

// IsReloadable reports whether a whole-record save for rec exists on disk.
// Feature saves are never reloadable, nor is anything in overwrite mode.
func (s *DefaultSave) IsReloadable(ctx context.Context, rec pipeline.Record) (bool, error) {
	if s.features != nil || s.overwrite {
		return false, nil
	}
	paths, err := s.reloadPaths(ctx, rec)
	if err != nil {
		return false, err
	}
	return len(paths) > 0, nil
}

// Reload reads back the saved record for rec.
func (s *DefaultSave) Reload(ctx context.Context, rec pipeline.Record) (pipeline.Record, error) {
	paths, err := s.reloadPaths(ctx, rec)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		key, _ := s.metadata.Key(rec)
		return nil, fmt.Errorf("didn't find any file that can be reloaded for %q", key)
	}
	return s.codecs.LoadRecord(paths[0])
}
