package pipeline_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/dcshock/brainpipe/pipeline"
)

// Example: a recording is loaded, split per stimulus, and each part is tagged.
// Equivalent to: load | split stimuli | tag

func loadStep() pipeline.Step {
	return pipeline.Map("LoadRecording", func(_ context.Context, rec pipeline.Record) (pipeline.Record, error) {
		path, _ := rec["data_path"].(string)
		if !strings.HasSuffix(path, ".bdf") {
			return nil, fmt.Errorf("unsupported recording %q", path)
		}
		rec["data"] = []float64{0.1, 0.2, 0.3}
		rec["stimuli"] = []any{"audiobook_1", "audiobook_2"}
		return rec, nil
	})
}

func tagStep() pipeline.Step {
	return pipeline.Map("Tag", func(_ context.Context, rec pipeline.Record) (pipeline.Record, error) {
		rec["tag"] = fmt.Sprintf("%s/%s", rec["data_path"], rec["stimulus"])
		return rec, nil
	})
}

func TestExampleLoadSplitTag(t *testing.T) {
	ctx := context.Background()
	p, err := pipeline.New(
		[]pipeline.Step{loadStep(), pipeline.Split("stimuli", "stimulus"), tagStep()},
		pipeline.WithName("load-split-tag"),
		pipeline.WithOnError(pipeline.Raise),
	)
	if err != nil {
		t.Fatal(err)
	}

	out, err := p.Run(ctx, pipeline.Record{"data_path": "sub-001_task-listen_eeg.bdf"})
	if err != nil {
		t.Fatalf("pipeline failed: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 records, got %d", len(out))
	}
	for i, rec := range out {
		want := fmt.Sprintf("sub-001_task-listen_eeg.bdf/audiobook_%d", i+1)
		if rec["tag"] != want {
			t.Errorf("record %d: tag = %v, want %s", i, rec["tag"], want)
		}
		steps := pipeline.History(rec, pipeline.DefaultHistoryKey)
		names := make([]string, len(steps))
		for j, s := range steps {
			names[j] = s.Name
		}
		if strings.Join(names, ",") != "LoadRecording,Split,Tag" {
			t.Errorf("record %d: history = %v", i, names)
		}
	}
}

func TestExampleStopModeKeepsBatchGoing(t *testing.T) {
	ctx := context.Background()
	var failures []string
	p := pipeline.MustNew(
		[]pipeline.Step{loadStep(), tagStep()},
		pipeline.WithErrorHandler(func(_ context.Context, err error, input []pipeline.Record) {
			failures = append(failures, err.Error())
		}),
	)
	for _, path := range []string{"a.bdf", "b.edf", "c.bdf"} {
		out, err := p.Run(ctx, pipeline.Record{"data_path": path})
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		if len(out) != 1 {
			t.Fatalf("%s: expected 1 record, got %d", path, len(out))
		}
	}
	if len(failures) != 1 || !strings.Contains(failures[0], "b.edf") {
		t.Errorf("failures = %v", failures)
	}
}
