package save

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dcshock/brainpipe/coord"
	"github.com/dcshock/brainpipe/pipeline"
)

// DefaultMetadataFilename is the metadata file name inside a save root.
const DefaultMetadataFilename = ".save_metadata.json"

// Entry records one file written by a save. FeatureName is nil for a
// whole-record save. OldFormat marks entries converted from the legacy
// plain-string encoding.
type Entry struct {
	Filename    string  `json:"filename"`
	FeatureName *string `json:"feature_name"`
	SetName     *string `json:"set_name"`
	OldFormat   bool    `json:"old_format,omitempty"`
}

// NewEntry returns an entry for filename; empty feature or set become null.
func NewEntry(filename, feature, set string) Entry {
	e := Entry{Filename: filename}
	if feature != "" {
		e.FeatureName = &feature
	}
	if set != "" {
		e.SetName = &set
	}
	return e
}

// Feature returns the feature name or "".
func (e Entry) Feature() string {
	if e.FeatureName == nil {
		return ""
	}
	return *e.FeatureName
}

// Set returns the set name or "".
func (e Entry) Set() string {
	if e.SetName == nil {
		return ""
	}
	return *e.SetName
}

// Equal reports structural equality.
func (e Entry) Equal(o Entry) bool {
	return e.Filename == o.Filename && e.OldFormat == o.OldFormat &&
		optEqual(e.FeatureName, o.FeatureName) && optEqual(e.SetName, o.SetName)
}

func optEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// UnmarshalJSON accepts a structured entry or a legacy plain filename.
func (e *Entry) UnmarshalJSON(data []byte) error {
	if string(bytes.TrimSpace(data)) == "null" {
		return nil
	}
	var legacy string
	if err := json.Unmarshal(data, &legacy); err == nil {
		*e = Entry{Filename: legacy, OldFormat: true}
		return nil
	}
	type raw Entry
	return json.Unmarshal(data, (*raw)(e))
}

// Entries is the metadata list of one content key. It decodes from a list
// or from a single (legacy) item.
type Entries []Entry

func (es *Entries) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if string(data) == "null" {
		*es = nil
		return nil
	}
	if len(data) > 0 && data[0] != '[' {
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		*es = Entries{e}
		return nil
	}
	var list []Entry
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*es = list
	return nil
}

// Contains reports whether es holds an entry equal to e.
func (es Entries) Contains(e Entry) bool {
	for _, x := range es {
		if x.Equal(e) {
			return true
		}
	}
	return false
}

// KeyFunc derives the content key of a record.
type KeyFunc func(rec pipeline.Record) (string, error)

// DefaultKey uses the base name of data_path, else stimulus_path, else
// trigger_path. A record with none of them is a configuration error.
func DefaultKey(rec pipeline.Record) (string, error) {
	for _, k := range []string{"data_path", "stimulus_path", "trigger_path"} {
		if v, ok := rec[k]; ok && v != nil {
			return filepath.Base(fmt.Sprint(v)), nil
		}
	}
	return "", pipeline.ConfigErrorf("no data_path, stimulus_path or trigger_path in record")
}

// Metadata stores which files were written for which content key.
type Metadata interface {
	Key(rec pipeline.Record) (string, error)
	// Entries returns the entries stored under key; ok is false when the key
	// is absent.
	Entries(ctx context.Context, key string) (entries Entries, ok bool, err error)
	// Add appends entries for rec, skipping structural duplicates.
	Add(ctx context.Context, rec pipeline.Record, entries ...Entry) error
	// Clear removes all metadata.
	Clear(ctx context.Context) error
}

// JSONMetadata keeps metadata in one JSON file per save root. Every
// read-modify-write holds the named lock for the file's path.
type JSONMetadata struct {
	Path    string
	Root    string
	KeyFunc KeyFunc
	Locks   *coord.Locks
}

// NewJSONMetadata returns metadata stored at root/filename (filename
// defaults to DefaultMetadataFilename).
func NewJSONMetadata(root, filename string, locks *coord.Locks) *JSONMetadata {
	if filename == "" {
		filename = DefaultMetadataFilename
	}
	if locks == nil {
		locks = coord.NewLocks()
	}
	return &JSONMetadata{
		Path:    filepath.Join(root, filename),
		Root:    root,
		KeyFunc: DefaultKey,
		Locks:   locks,
	}
}

func (m *JSONMetadata) Key(rec pipeline.Record) (string, error) {
	if m.KeyFunc == nil {
		return DefaultKey(rec)
	}
	return m.KeyFunc(rec)
}

func (m *JSONMetadata) lock(ctx context.Context) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(m.Path), 0o755); err != nil {
		return nil, err
	}
	return m.Locks.Lock(ctx, m.Path)
}

// All returns the whole metadata file. Legacy entries are returned with
// OldFormat set and their filename relative to the root.
func (m *JSONMetadata) All(ctx context.Context) (map[string]Entries, error) {
	unlock, err := m.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return m.read()
}

func (m *JSONMetadata) read() (map[string]Entries, error) {
	data, err := os.ReadFile(m.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]Entries{}, nil
	}
	if err != nil {
		return nil, err
	}
	all := map[string]Entries{}
	if len(bytes.TrimSpace(data)) == 0 {
		return all, nil
	}
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("metadata %s: %w", m.Path, err)
	}
	for key, entries := range all {
		for i := range entries {
			if entries[i].OldFormat {
				entries[i].Filename = m.rel(entries[i].Filename)
			}
		}
		all[key] = entries
	}
	return all, nil
}

func (m *JSONMetadata) write(all map[string]Entries) error {
	data, err := json.Marshal(all)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(m.Path), filepath.Base(m.Path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), m.Path)
}

// rel makes absolute paths under the root relative to it.
func (m *JSONMetadata) rel(path string) string {
	if !filepath.IsAbs(path) {
		return path
	}
	if r, err := filepath.Rel(m.Root, path); err == nil {
		return r
	}
	return path
}

func (m *JSONMetadata) Entries(ctx context.Context, key string) (Entries, bool, error) {
	all, err := m.All(ctx)
	if err != nil {
		return nil, false, err
	}
	entries, ok := all[key]
	return entries, ok, nil
}

func (m *JSONMetadata) Add(ctx context.Context, rec pipeline.Record, entries ...Entry) error {
	key, err := m.Key(rec)
	if err != nil {
		return err
	}
	unlock, err := m.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	all, err := m.read()
	if err != nil {
		return err
	}
	list := all[key]
	if list == nil {
		list = Entries{}
	}
	for _, e := range entries {
		e.Filename = m.rel(e.Filename)
		if !list.Contains(e) {
			list = append(list, e)
		}
	}
	all[key] = list
	return m.write(all)
}

func (m *JSONMetadata) Clear(ctx context.Context) error {
	unlock, err := m.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	if err := os.Remove(m.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
