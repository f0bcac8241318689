package observer

import (
	"context"
	"errors"
	"fmt"

	"github.com/dcshock/brainpipe/pipeline"
)

// PipelineLookup returns the pipeline for the given name, or nil if not found.
// The caller must register pipelines by name so the resumer can run them again.
type PipelineLookup func(name string) *pipeline.Pipeline

// Resumer reruns runs that did not complete. The rerun goes through the whole
// pipeline; its Savers skip the work already saved by the earlier run.
type Resumer struct {
	store  Store
	lookup PipelineLookup
}

// NewResumer returns a resumer that uses the given Store and pipeline lookup.
func NewResumer(store Store, lookup PipelineLookup) *Resumer {
	return &Resumer{store: store, lookup: lookup}
}

// RunIncomplete finds all failed and incomplete runs, runs each pipeline again
// on the run's input records and marks the old run resumed once the rerun
// returns without error. If a pipeline is not found by name, that run is left
// for inspection. All runs are attempted; their errors are joined.
func (r *Resumer) RunIncomplete(ctx context.Context) error {
	runs, err := r.store.ListPipelineRunsByStatus(ctx, StatusFailed, StatusIncomplete)
	if err != nil {
		return fmt.Errorf("list incomplete runs: %w", err)
	}
	var errs []error
	for _, run := range runs {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		if err := r.resumeOne(ctx, run); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Resumer) resumeOne(ctx context.Context, run PipelineRun) error {
	pl := r.lookup(run.Name)
	if pl == nil {
		return fmt.Errorf("pipeline %q not found for run_id %s", run.Name, run.RunID)
	}
	input, err := UnmarshalRecords(run.Payload)
	if err != nil {
		return fmt.Errorf("unmarshal input for run_id %s: %w", run.RunID, err)
	}
	if _, err := pl.Run(ctx, input...); err != nil {
		return fmt.Errorf("resume run_id %s: %w", run.RunID, err)
	}
	return r.store.SetPipelineRunStatus(ctx, run.RunID, StatusResumed)
}
