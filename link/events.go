package link

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/dcshock/brainpipe/pipeline"
)

// Event is one row of an events file, keyed by column name.
type Event map[string]string

// Extractor returns the stimulus events of a recording. It may annotate rec.
type Extractor interface {
	Extract(rec pipeline.Record) ([]Event, error)
}

// ExtractorFunc adapts a function to an Extractor.
type ExtractorFunc func(rec pipeline.Record) ([]Event, error)

func (f ExtractorFunc) Extract(rec pipeline.Record) ([]Event, error) { return f(rec) }

// BIDSEvents reads the BIDS events file belonging to the recording at
// rec[PathKey] and stores its rows under rec[InfoKey].
type BIDSEvents struct {
	PathKey string
	InfoKey string
}

// NewBIDSEvents reads the recording path from "data_path" and stores the
// events under "event_info".
func NewBIDSEvents() BIDSEvents {
	return BIDSEvents{PathKey: "data_path", InfoKey: "event_info"}
}

// EventsPath replaces the BIDS suffix of a recording path (the part after
// the last underscore) by "events.tsv".
func EventsPath(recording string) (string, error) {
	i := strings.LastIndex(recording, "_")
	if i < 0 {
		return "", pipeline.ConfigErrorf("%q is not a BIDS path: no _<suffix>", recording)
	}
	return recording[:i] + "_events.tsv", nil
}

func (b BIDSEvents) Extract(rec pipeline.Record) ([]Event, error) {
	path, ok := rec[b.PathKey].(string)
	if !ok {
		return nil, pipeline.ConfigErrorf("link: record has no %q path", b.PathKey)
	}
	eventsPath, err := EventsPath(path)
	if err != nil {
		return nil, err
	}
	events, err := ReadEvents(eventsPath)
	if err != nil {
		return nil, err
	}
	info := make([]any, len(events))
	for i, e := range events {
		row := make(map[string]any, len(e))
		for k, v := range e {
			row[k] = v
		}
		info[i] = row
	}
	rec[b.InfoKey] = info
	return events, nil
}

// ReadEvents reads a tab-separated events file with a header row.
func ReadEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open events: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = '\t'
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read events header %s: %w", path, err)
	}
	var events []Event
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read events %s: %w", path, err)
		}
		e := make(Event, len(header))
		for i, col := range header {
			if i < len(row) {
				e[col] = row[i]
			}
		}
		events = append(events, e)
	}
	return events, nil
}

// Comparison reports whether the stimulus record stim belongs to a recording
// with the given events.
type Comparison func(events []Event, stim pipeline.Record) bool

// BasenameComparison matches a stimulus when the base name of its path
// appears among the base names of the event values. With IgnoreExtension the
// last extension is dropped on both sides.
type BasenameComparison struct {
	StimulusKey     string
	IgnoreExtension bool
}

func NewBasenameComparison(ignoreExtension bool) BasenameComparison {
	return BasenameComparison{StimulusKey: "stimulus_path", IgnoreExtension: ignoreExtension}
}

func (c BasenameComparison) name(path string) string {
	base := filepath.Base(path)
	if c.IgnoreExtension {
		base = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return base
}

// Compare implements Comparison.
func (c BasenameComparison) Compare(events []Event, stim pipeline.Record) bool {
	path, ok := stim[c.StimulusKey].(string)
	if !ok {
		return false
	}
	want := c.name(path)
	var names []string
	for _, e := range events {
		for _, v := range e {
			if v != "" {
				names = append(names, c.name(v))
			}
		}
	}
	return slices.Contains(names, want)
}

// Grouper turns one event row into a prototype stimulus record.
type Grouper func(e Event) pipeline.Record

// BIDSStimulusGrouper maps event columns to stimulus record keys. Stimulus
// files are resolved under Root, inside Subfolders unless the event value
// already names them.
type BIDSStimulusGrouper struct {
	Root       string
	Mapping    map[string]string
	Subfolders []string
	NAValues   []string

	log logrus.FieldLogger
}

// NewBIDSStimulusGrouper maps "stim_file" to "stimulus_path" below
// root/stimuli and treats "n/a" as missing.
func NewBIDSStimulusGrouper(root string) *BIDSStimulusGrouper {
	return &BIDSStimulusGrouper{
		Root:       root,
		Mapping:    map[string]string{"stim_file": "stimulus_path"},
		Subfolders: []string{"stimuli"},
		NAValues:   []string{"n/a"},
		log:        logrus.StandardLogger(),
	}
}

// Group implements Grouper. Missing and n/a columns map to nil.
func (g *BIDSStimulusGrouper) Group(e Event) pipeline.Record {
	rec := make(pipeline.Record, len(g.Mapping))
	for from, to := range g.Mapping {
		v, ok := e[from]
		if !ok {
			if g.log != nil {
				g.log.Warnf("Could not find %s in events row, skipping stimulus file %v", from, e)
			}
			rec[to] = nil
			continue
		}
		if slices.Contains(g.NAValues, v) {
			rec[to] = nil
			continue
		}
		parts := []string{g.Root}
		inPath := strings.Split(v, "/")
		for _, sub := range g.Subfolders {
			if !slices.Contains(inPath, sub) {
				parts = append(parts, sub)
			}
		}
		rec[to] = filepath.Join(append(parts, v)...)
	}
	return rec
}
