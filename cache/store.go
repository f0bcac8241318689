package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/dcshock/brainpipe/codec"
	"github.com/dcshock/brainpipe/pipeline"
)

const (
	// DefaultCacheKey holds the cache file a pointer record refers to.
	DefaultCacheKey = "cache"
	// DefaultPreviousFolderKey holds the folder of that file.
	DefaultPreviousFolderKey = "previous_cache"
	// DefaultExt is appended to cache filenames; it selects the codec.
	DefaultExt = ".data_dict"
)

// Store reads and writes cached records under Root, named by a Cache.
type Store struct {
	Root              string
	Cache             Cache
	CacheKey          string
	PreviousFolderKey string
	Ext               string
	Codecs            *codec.Registry
	// HistoryKey must match the pipeline's; it is used to recognize failed
	// steps, whose output is not cached.
	HistoryKey string

	log logrus.FieldLogger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithCacheKeys renames the pointer fields.
func WithCacheKeys(cacheKey, previousFolderKey string) StoreOption {
	return func(s *Store) {
		s.CacheKey = cacheKey
		s.PreviousFolderKey = previousFolderKey
	}
}

// WithExt changes the cache file extension, and with it the codec.
func WithExt(ext string) StoreOption {
	return func(s *Store) { s.Ext = ext }
}

func WithHistoryKey(key string) StoreOption {
	return func(s *Store) { s.HistoryKey = key }
}

func WithCodecs(r *codec.Registry) StoreOption {
	return func(s *Store) { s.Codecs = r }
}

func WithLogger(l logrus.FieldLogger) StoreOption {
	return func(s *Store) { s.log = l }
}

// NewStore returns a store under root. A nil c means NewDefaultCache. The
// root directory is created.
func NewStore(root string, c Cache, opts ...StoreOption) (*Store, error) {
	if c == nil {
		c = NewDefaultCache()
	}
	s := &Store{
		Root:              root,
		Cache:             c,
		CacheKey:          DefaultCacheKey,
		PreviousFolderKey: DefaultPreviousFolderKey,
		Ext:               DefaultExt,
		Codecs:            codec.Default(),
		HistoryKey:        pipeline.DefaultHistoryKey,
		log:               logrus.StandardLogger(),
	}
	for _, o := range opts {
		o(s)
	}
	if dc, ok := c.(*DefaultCache); ok && s.CacheKey != dc.CacheKey {
		dc.CacheKey = s.CacheKey
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("cache root: %w", err)
	}
	return s, nil
}

// PointerRecord returns the record standing in for the cached file at path.
func (s *Store) PointerRecord(path string, step pipeline.Step, index int) pipeline.Record {
	return pipeline.Record{
		s.CacheKey:          filepath.Base(path),
		s.PreviousFolderKey: s.Cache.Folder(step, index),
	}
}

// IsPointer reports whether rec refers to a cached record.
func (s *Store) IsPointer(rec pipeline.Record) bool {
	_, ok := rec[s.PreviousFolderKey]
	return ok
}

func (s *Store) Load(path string) (pipeline.Record, error) {
	return s.Codecs.LoadRecord(path)
}

// LoadFromRecord loads the record a pointer record refers to.
func (s *Store) LoadFromRecord(rec pipeline.Record) (pipeline.Record, error) {
	folder, ok := rec[s.PreviousFolderKey].(string)
	if !ok {
		return nil, fmt.Errorf("cache: record has no %q folder", s.PreviousFolderKey)
	}
	filename, err := s.Cache.Filename(rec)
	if err != nil {
		return nil, err
	}
	return s.Load(filepath.Join(s.Root, folder, filename+s.Ext))
}

// Save writes rec to path.
func (s *Store) Save(path string, rec pipeline.Record) error {
	if err := s.Codecs.Save(path, rec); err != nil {
		return err
	}
	s.log.Debugf("Saved record to %s", path)
	return nil
}

// Path returns where step's output rec is cached.
func (s *Store) Path(step pipeline.Step, rec pipeline.Record, index int) (string, error) {
	filename, err := s.Cache.Filename(rec)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.Root, s.Cache.Folder(step, index), filename+s.Ext), nil
}

func (s *Store) paths(step pipeline.Step, index int, groups [][]string) [][]string {
	folder := filepath.Join(s.Root, s.Cache.Folder(step, index))
	out := make([][]string, len(groups))
	for i, g := range groups {
		out[i] = make([]string, len(g))
		for j, name := range g {
			out[i][j] = filepath.Join(folder, name+s.Ext)
		}
	}
	return out
}

// PredictPathsFromRecord returns candidate path groups for step's output on
// rec, most specific first.
func (s *Store) PredictPathsFromRecord(step pipeline.Step, rec pipeline.Record, index int) ([][]string, error) {
	groups, err := s.Cache.PredictFilenamesFromRecord(rec)
	if err != nil {
		return nil, err
	}
	return s.paths(step, index, groups), nil
}

// PredictPathsFromPreviousFilename returns candidate path groups for step's
// output on the record cached as prev.
func (s *Store) PredictPathsFromPreviousFilename(step pipeline.Step, prev string, index int) [][]string {
	return s.paths(step, index, s.Cache.PredictFilenamesFromPreviousFilename(strings.TrimSuffix(prev, s.Ext)))
}

// FindExistingFromRecord returns the first predicted group whose files all
// exist, or nil.
func (s *Store) FindExistingFromRecord(step pipeline.Step, rec pipeline.Record, index int) ([]string, error) {
	groups, err := s.PredictPathsFromRecord(step, rec, index)
	if err != nil {
		return nil, err
	}
	return firstExisting(groups), nil
}

// FindExistingFromPreviousFilename is FindExistingFromRecord for a record
// cached as prev.
func (s *Store) FindExistingFromPreviousFilename(step pipeline.Step, prev string, index int) []string {
	return firstExisting(s.PredictPathsFromPreviousFilename(step, prev, index))
}

// ExistingCachePaths finds cached output of step for rec, following rec's
// pointer when it has one.
func (s *Store) ExistingCachePaths(step pipeline.Step, rec pipeline.Record, index int) ([]string, error) {
	if prev, ok := rec[s.CacheKey].(string); ok {
		return s.FindExistingFromPreviousFilename(step, prev, index), nil
	}
	return s.FindExistingFromRecord(step, rec, index)
}

// Resolve replaces pointer records by the records they refer to. Other
// records are returned as they are.
func (s *Store) Resolve(records []pipeline.Record) ([]pipeline.Record, error) {
	out := make([]pipeline.Record, len(records))
	for i, rec := range records {
		if !s.IsPointer(rec) {
			out[i] = rec
			continue
		}
		full, err := s.LoadFromRecord(rec)
		if err != nil {
			return nil, err
		}
		out[i] = full
	}
	return out, nil
}

func firstExisting(groups [][]string) []string {
	for _, g := range groups {
		if len(g) == 0 {
			continue
		}
		all := true
		for _, p := range g {
			if _, err := os.Stat(p); err != nil {
				all = false
				break
			}
		}
		if all {
			return g
		}
	}
	return nil
}
