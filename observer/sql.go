package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dcshock/brainpipe/pipeline"
)

// Run statuses.
const (
	StatusRunning    = "running"
	StatusSuccess    = "success"
	StatusFailed     = "failed"
	StatusIncomplete = "incomplete"
	StatusResumed    = "resumed"
)

type UpsertPipelineRunParams struct {
	RunID   string
	Name    string
	Payload []byte
}

type UpdatePipelineRunCompleteParams struct {
	RunID  string
	Status string
	Result []byte
	Error  *string
}

type InsertPipelineRunStepParams struct {
	PipelineRunID string
	StepIndex     int32
	StepName      string
	InputJSON     []byte
}

type UpdatePipelineRunStepParams struct {
	ID         int64
	OutputJSON []byte
	Status     string
	Error      *string
	DurationMs int64
}

// PipelineRun is a row of pipeline_run.
type PipelineRun struct {
	RunID     string
	Name      string
	Status    string
	Payload   []byte
	Result    []byte
	Error     *string
	StartedAt time.Time
}

// PipelineRunStep is a row of pipeline_run_step.
type PipelineRunStep struct {
	ID            int64
	PipelineRunID string
	StepIndex     int32
	StepName      string
	Status        string
	InputJSON     []byte
	OutputJSON    []byte
	Error         *string
	DurationMs    *int64
}

// Store is the persistence used by SQLObserver and Resumer.
type Store interface {
	Migrate(ctx context.Context) error
	UpsertPipelineRun(ctx context.Context, arg UpsertPipelineRunParams) error
	UpdatePipelineRunComplete(ctx context.Context, arg UpdatePipelineRunCompleteParams) error
	// InsertPipelineRunStep returns the id of the new row.
	InsertPipelineRunStep(ctx context.Context, arg InsertPipelineRunStepParams) (int64, error)
	UpdatePipelineRunStep(ctx context.Context, arg UpdatePipelineRunStepParams) error
	GetPipelineRun(ctx context.Context, runID string) (PipelineRun, error)
	// ListPipelineRunsByStatus returns runs oldest first.
	ListPipelineRunsByStatus(ctx context.Context, statuses ...string) ([]PipelineRun, error)
	ListPipelineRunSteps(ctx context.Context, runID string) ([]PipelineRunStep, error)
	SetPipelineRunStatus(ctx context.Context, runID, status string) error
}

// SQLObserver persists pipeline and step execution through a Store so runs
// can be monitored and resumed. A step row is written for every (record,
// step) pairing of a run.
type SQLObserver struct {
	store Store

	mu   sync.Mutex
	runs map[string]*runState
}

type runState struct {
	stepID int64
	failed bool
}

// NewSQLObserver returns an Observer that writes to store.
func NewSQLObserver(store Store) *SQLObserver {
	return &SQLObserver{store: store, runs: make(map[string]*runState)}
}

func (o *SQLObserver) state(runID string) *runState {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.runs[runID]
	if !ok {
		st = &runState{}
		o.runs[runID] = st
	}
	return st
}

// BeforeRun implements pipeline.Observer. Inserts or updates a pipeline_run row with status 'running'.
func (o *SQLObserver) BeforeRun(ctx context.Context, runID, name string, input []pipeline.Record) error {
	payload, err := marshalRecords(input)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	o.state(runID)
	return o.store.UpsertPipelineRun(ctx, UpsertPipelineRunParams{RunID: runID, Name: name, Payload: payload})
}

// AfterRun implements pipeline.Observer. Updates pipeline_run with status, result and error.
func (o *SQLObserver) AfterRun(ctx context.Context, runID string, output []pipeline.Record, err error) error {
	o.mu.Lock()
	st := o.runs[runID]
	delete(o.runs, runID)
	o.mu.Unlock()

	status := StatusSuccess
	switch {
	case err != nil:
		status = StatusFailed
	case st != nil && st.failed:
		status = StatusIncomplete
	}
	result, _ := marshalRecords(output)
	return o.store.UpdatePipelineRunComplete(ctx, UpdatePipelineRunCompleteParams{
		RunID:  runID,
		Status: status,
		Result: result,
		Error:  errText(err),
	})
}

// BeforeStep implements pipeline.Observer. Inserts a pipeline_run_step row with status 'running'.
func (o *SQLObserver) BeforeStep(ctx context.Context, runID string, index int, name string, input pipeline.Record) error {
	in, err := marshalRecords([]pipeline.Record{input})
	if err != nil {
		return fmt.Errorf("marshal step input: %w", err)
	}
	id, err := o.store.InsertPipelineRunStep(ctx, InsertPipelineRunStepParams{
		PipelineRunID: runID,
		StepIndex:     int32(index),
		StepName:      name,
		InputJSON:     in,
	})
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if st, ok := o.runs[runID]; ok {
		st.stepID = id
	} else {
		o.runs[runID] = &runState{stepID: id}
	}
	return nil
}

// AfterStep implements pipeline.Observer. Updates the step row with output, status, error and duration.
func (o *SQLObserver) AfterStep(ctx context.Context, runID string, info pipeline.StepInfo, _ pipeline.Record, output []pipeline.Record) error {
	st := o.state(runID)
	status := StatusSuccess
	var stepErr *string
	if info.Err != "" {
		status = StatusFailed
		stepErr = &info.Err
		o.mu.Lock()
		st.failed = true
		o.mu.Unlock()
	}
	out, _ := marshalRecords(output)
	return o.store.UpdatePipelineRunStep(ctx, UpdatePipelineRunStepParams{
		ID:         st.stepID,
		OutputJSON: out,
		Status:     status,
		Error:      stepErr,
		DurationMs: info.Duration.Milliseconds(),
	})
}

var _ pipeline.Observer = (*SQLObserver)(nil)

func errText(err error) *string {
	if err == nil {
		return nil
	}
	s := err.Error()
	return &s
}

func marshalRecords(recs []pipeline.Record) ([]byte, error) {
	if recs == nil {
		return nil, nil
	}
	out := make([]any, len(recs))
	for i, r := range recs {
		out[i] = plain(map[string]any(r))
	}
	return json.Marshal(out)
}

// plain keeps JSON scalars, lists and maps and replaces anything else by its
// type name.
func plain(v any) any {
	switch x := v.(type) {
	case nil, string, bool, int, int32, int64, float32, float64:
		return x
	case pipeline.Record:
		return plain(map[string]any(x))
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[k] = plain(e)
		}
		return m
	case []any:
		s := make([]any, len(x))
		for i, e := range x {
			s[i] = plain(e)
		}
		return s
	case []string:
		return x
	case []pipeline.Record:
		s := make([]any, len(x))
		for i, e := range x {
			s[i] = plain(e)
		}
		return s
	case []pipeline.StepInfo:
		s := make([]any, len(x))
		for i, e := range x {
			s[i] = map[string]any{
				"step_index": e.Index,
				"step_name":  e.Name,
				"duration":   int64(e.Duration),
				"error":      e.Err,
			}
		}
		return s
	}
	return fmt.Sprintf("%T", v)
}

// UnmarshalRecords decodes a payload written by SQLObserver.
func UnmarshalRecords(data []byte) ([]pipeline.Record, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var raw []map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	out := make([]pipeline.Record, len(raw))
	for i, m := range raw {
		out[i] = pipeline.Record(m)
	}
	return out, nil
}
