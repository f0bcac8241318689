package codec

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dcshock/brainpipe/pipeline"
)

// Codec serializes one value to a stream and back.
type Codec interface {
	Encode(w io.Writer, v any) error
	Decode(r io.Reader) (any, error)
}

// Registry maps file suffixes (without the dot) to codecs. Safe for
// concurrent use.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewRegistry returns an empty codec registry.
func NewRegistry() *Registry {
	return &Registry{codecs: make(map[string]Codec)}
}

// Default returns a registry with the built-in codecs: "npy" (raw arrays),
// "data_dict" and "gob" (whole records), "json" and "yaml".
func Default() *Registry {
	r := NewRegistry()
	r.Register("npy", NPY{})
	r.Register("data_dict", Gob{})
	r.Register("gob", Gob{})
	r.Register("json", JSON{})
	r.Register("yaml", YAML{})
	r.Register("yml", YAML{})
	return r
}

// Register adds a codec under suffix. Overwrites any existing registration.
func (r *Registry) Register(suffix string, c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.codecs == nil {
		r.codecs = make(map[string]Codec)
	}
	r.codecs[strings.TrimPrefix(suffix, ".")] = c
}

// Get returns the codec for suffix, or nil and false if not found.
func (r *Registry) Get(suffix string) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[suffix]
	return c, ok
}

// Suffixes returns all registered suffixes, sorted.
func (r *Registry) Suffixes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.codecs))
	for s := range r.codecs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Suffix returns the part of path's base name after the last dot.
func Suffix(path string) string {
	base := filepath.Base(path)
	i := strings.LastIndex(base, ".")
	if i < 0 {
		return ""
	}
	return base[i+1:]
}

// ForPath returns the codec matching path's suffix. An unknown suffix is a
// configuration error.
func (r *Registry) ForPath(path string) (Codec, error) {
	c, ok := r.Get(Suffix(path))
	if !ok {
		return nil, pipeline.ConfigErrorf("can't find an appropriate function to save/reload %q (known suffixes: %s)",
			path, strings.Join(r.Suffixes(), ", "))
	}
	return c, nil
}

// Save encodes v to path with the codec matching its suffix. Parent
// directories are created; the file is written to a temporary name in the
// same directory and renamed, so readers never see a partial file.
func (r *Registry) Save(path string, v any) error {
	c, err := r.ForPath(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())
	if err := c.Encode(tmp, v); err != nil {
		tmp.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

// Load decodes the file at path with the codec matching its suffix.
func (r *Registry) Load(path string) (any, error) {
	c, err := r.ForPath(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	v, err := c.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return v, nil
}

// LoadRecord is like Load but requires the decoded value to be a record.
func (r *Registry) LoadRecord(path string) (pipeline.Record, error) {
	v, err := r.Load(path)
	if err != nil {
		return nil, err
	}
	switch rec := v.(type) {
	case pipeline.Record:
		return rec, nil
	case map[string]any:
		return pipeline.Record(rec), nil
	default:
		return nil, fmt.Errorf("%s: expected a record, got %T", path, v)
	}
}

var std = Default()

// Save encodes v to path using the built-in codecs.
func Save(path string, v any) error { return std.Save(path, v) }

// Load decodes path using the built-in codecs.
func Load(path string) (any, error) { return std.Load(path) }

// LoadRecord decodes a record from path using the built-in codecs.
func LoadRecord(path string) (pipeline.Record, error) { return std.LoadRecord(path) }
