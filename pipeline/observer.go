package pipeline

import (
	"context"
	"errors"
)

// Observer provides pre/post hooks for a pipeline run and for every (record,
// step) pairing, so you can persist run state (e.g. to a DB) for monitoring.
// BeforeRun is called before the reload scan, AfterRun when the run finishes
// (success or error). BeforeStep/AfterStep surround each step execution;
// steps skipped by resumption or a cache hit inside a middleware still go
// through the hooks, steps truncated by the reload scan do not.
type Observer interface {
	BeforeRun(ctx context.Context, runID, name string, input []Record) error
	AfterRun(ctx context.Context, runID string, output []Record, err error) error
	BeforeStep(ctx context.Context, runID string, index int, name string, input Record) error
	AfterStep(ctx context.Context, runID string, info StepInfo, input Record, output []Record) error
}

// MultiObserver calls every observer in order and joins their errors.
type MultiObserver []Observer

func (m MultiObserver) BeforeRun(ctx context.Context, runID, name string, input []Record) error {
	var errs []error
	for _, o := range m {
		errs = append(errs, o.BeforeRun(ctx, runID, name, input))
	}
	return errors.Join(errs...)
}

func (m MultiObserver) AfterRun(ctx context.Context, runID string, output []Record, err error) error {
	var errs []error
	for _, o := range m {
		errs = append(errs, o.AfterRun(ctx, runID, output, err))
	}
	return errors.Join(errs...)
}

func (m MultiObserver) BeforeStep(ctx context.Context, runID string, index int, name string, input Record) error {
	var errs []error
	for _, o := range m {
		errs = append(errs, o.BeforeStep(ctx, runID, index, name, input))
	}
	return errors.Join(errs...)
}

func (m MultiObserver) AfterStep(ctx context.Context, runID string, info StepInfo, input Record, output []Record) error {
	var errs []error
	for _, o := range m {
		errs = append(errs, o.AfterStep(ctx, runID, info, input, output))
	}
	return errors.Join(errs...)
}

type runIDKey struct{}

// RunIDFromContext returns the run ID of the pipeline run executing the
// current step, if the pipeline was run with an Observer or WithRunID.
func RunIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(runIDKey{}).(string)
	return id, ok
}
