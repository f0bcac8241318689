package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// StepRunner executes one step on one record. index is the global index of
// the step in the pipeline's step list.
type StepRunner func(ctx context.Context, step Step, rec Record, index int) ([]Record, error)

// Middleware wraps the pipeline's step runner, e.g. to memoize step outputs
// on disk. The innermost runner applies the step, the error mode and the
// step history.
type Middleware func(next StepRunner) StepRunner

// ErrorHandler is called when a run ends with an error in Stop or Continue
// mode. input holds the records the run was started with.
type ErrorHandler func(ctx context.Context, err error, input []Record)

// Pipeline runs an ordered list of steps over records. Before running it
// scans the steps backwards for a Saver whose output already exists for every
// input record and resumes after it. Fan-out is flattened between steps.
type Pipeline struct {
	Name       string
	Steps      []Step
	HistoryKey string

	onError    ErrorMode
	errHandler ErrorHandler
	observer   Observer
	runID      string
	log        logrus.FieldLogger
	middleware []Middleware
	runner     StepRunner
}

// Option configures a Pipeline.
type Option func(*Pipeline) error

func WithName(name string) Option {
	return func(p *Pipeline) error { p.Name = name; return nil }
}

// WithOnError sets the error mode; invalid modes fail New.
func WithOnError(mode ErrorMode) Option {
	return func(p *Pipeline) error { return p.SetOnError(mode) }
}

// WithHistoryKey sets the key under which step history is appended.
func WithHistoryKey(key string) Option {
	return func(p *Pipeline) error {
		if key == "" {
			return ConfigErrorf("history key must not be empty")
		}
		p.HistoryKey = key
		return nil
	}
}

func WithErrorHandler(h ErrorHandler) Option {
	return func(p *Pipeline) error { p.errHandler = h; return nil }
}

// WithObserver attaches run/step hooks. A run ID is generated for every run
// unless WithRunID is given.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) error { p.observer = o; return nil }
}

func WithRunID(id string) Option {
	return func(p *Pipeline) error { p.runID = id; return nil }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(p *Pipeline) error { p.log = l; return nil }
}

// WithMiddleware wraps step execution. The first middleware is the outermost.
func WithMiddleware(m ...Middleware) Option {
	return func(p *Pipeline) error { p.middleware = append(p.middleware, m...); return nil }
}

// New returns a pipeline over steps. The default error mode is Stop.
func New(steps []Step, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		Name:       "Pipeline",
		Steps:      steps,
		HistoryKey: DefaultHistoryKey,
		onError:    Stop,
		log:        logrus.StandardLogger(),
	}
	for _, o := range opts {
		if err := o(p); err != nil {
			return nil, err
		}
	}
	if p.errHandler == nil {
		p.errHandler = p.logError
	}
	p.runner = p.execStep
	for i := len(p.middleware) - 1; i >= 0; i-- {
		p.runner = p.middleware[i](p.runner)
	}
	return p, nil
}

// MustNew is like New but panics on error.
func MustNew(steps []Step, opts ...Option) *Pipeline {
	p, err := New(steps, opts...)
	if err != nil {
		panic(err)
	}
	return p
}

// OnError returns the current error mode.
func (p *Pipeline) OnError() ErrorMode { return p.onError }

// SetOnError changes the error mode. Values outside Continue, Stop and Raise
// are rejected immediately.
func (p *Pipeline) SetOnError(mode ErrorMode) error {
	if _, err := ParseErrorMode(string(mode)); err != nil {
		return err
	}
	p.onError = mode
	return nil
}

// Logger returns the pipeline's logger.
func (p *Pipeline) Logger() logrus.FieldLogger { return p.log }

func (p *Pipeline) logError(_ context.Context, err error, input []Record) {
	p.log.WithField("records", input).Errorf("Error encountered for: %v", input)
	p.log.WithError(err).Error("pipeline run failed")
}

// Apply lets a pipeline be used as a step of another pipeline.
func (p *Pipeline) Apply(ctx context.Context, rec Record) ([]Record, error) {
	return p.Run(ctx, rec)
}

// Describe reports the nested step names.
func (p *Pipeline) Describe() map[string]any {
	names := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		names[i] = StepName(s)
	}
	return map[string]any{"name": p.Name, "steps": names, "on_error": string(p.onError)}
}

// RunStep runs step on rec through the middleware chain. In Continue mode a
// failing step yields the unmodified input record; the history entry for the
// step is appended in every case where the run goes on.
func (p *Pipeline) RunStep(ctx context.Context, step Step, rec Record, index int) ([]Record, error) {
	return p.runner(ctx, step, rec, index)
}

func (p *Pipeline) execStep(ctx context.Context, step Step, rec Record, index int) ([]Record, error) {
	name := StepName(step)
	runID, _ := RunIDFromContext(ctx)
	if p.observer != nil {
		if err := p.observer.BeforeStep(ctx, runID, index, name, rec); err != nil {
			return nil, fmt.Errorf("before step %d: %w", index, err)
		}
	}
	p.log.Infof("%d. Running %s...", index, name)
	p.log.Debugf("%s[Input]: %v", name, rec)

	start := time.Now()
	outs, stepErr := step.Apply(ctx, rec)
	info := StepInfo{Index: index, Name: name, Params: Describe(step), Duration: time.Since(start)}
	if stepErr != nil {
		info.Err = stepErr.Error()
		if p.onError != Continue || IsConfigError(stepErr) {
			if p.observer != nil {
				_ = p.observer.AfterStep(ctx, runID, info, rec, nil)
			}
			return nil, &StepError{Index: index, Name: name, Err: stepErr}
		}
		p.log.WithError(stepErr).WithField("record", rec).Errorf("%d. %s failed, continuing with unmodified input", index, name)
		outs = []Record{rec}
	}

	p.log.Debugf("%s[Output]: %v", name, outs)
	p.log.Infof("%d. Finished %s in %.2f seconds.", index, name, info.Duration.Seconds())
	if !clearsOutput(step) || stepErr != nil {
		p.annotate(rec, outs, info)
	}

	if p.observer != nil {
		if err := p.observer.AfterStep(ctx, runID, info, rec, outs); err != nil {
			return nil, fmt.Errorf("after step %d: %w", index, err)
		}
	}
	return outs, nil
}

// clearsOutput reports whether step is a Saver that empties its outputs.
// Those outputs are not annotated.
func clearsOutput(step Step) bool {
	s, ok := step.(Saver)
	return ok && s.ClearsOutput()
}

// annotate appends info to every output record, empty ones included.
// Outputs that do not carry a history yet inherit the input's. A map
// returned twice is annotated once.
func (p *Pipeline) annotate(in Record, outs []Record, info StepInfo) {
	inherited := History(in, p.HistoryKey)
	seen := make(map[uintptr]bool, len(outs))
	for _, out := range outs {
		if out == nil {
			continue
		}
		id := recordID(out)
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, ok := out[p.HistoryKey]; !ok && inherited != nil {
			out[p.HistoryKey] = inherited
		}
		appendHistory(out, p.HistoryKey, info)
	}
}

// IterateOverSteps runs steps over records after the reload scan. offset is
// the global index of steps[0]; step history and observers see global
// indices.
func (p *Pipeline) IterateOverSteps(ctx context.Context, steps []Step, records []Record, offset int) ([]Record, error) {
	steps, records, offset, err := p.checkReload(ctx, steps, records, offset)
	if err != nil {
		return nil, err
	}
	current := records
	for i, step := range steps {
		var next []Record
		for _, rec := range current {
			outs, err := p.RunStep(ctx, step, rec, offset+i)
			if err != nil {
				return nil, err
			}
			next = append(next, outs...)
		}
		current = next
	}
	return current, nil
}

// checkReload implements the reload scan. It walks steps from the end and
// stops at the first Saver for which every record is done. If every record
// is reloadable there, the steps after the Saver are returned together with
// the reloaded records. If the Saver is the last step and every record is
// done but not reloadable, no steps are left to run. Partially done Savers
// are skipped.
func (p *Pipeline) checkReload(ctx context.Context, steps []Step, records []Record, offset int) ([]Step, []Record, int, error) {
	if len(records) == 0 {
		return steps, records, offset, nil
	}
	for i := len(steps) - 1; i >= 0; i-- {
		saver, ok := steps[i].(Saver)
		if !ok {
			continue
		}
		var reloaded []Record
		notReloadable := 0
		for _, rec := range records {
			done, err := saver.IsAlreadyDone(ctx, rec)
			if err != nil {
				return nil, nil, 0, fmt.Errorf("step %d: is already done: %w", offset+i, err)
			}
			if !done {
				continue
			}
			p.log.Info("Found previously saved data")
			reloadable := false
			if !saver.ClearsOutput() {
				if reloadable, err = saver.IsReloadable(ctx, rec); err != nil {
					return nil, nil, 0, fmt.Errorf("step %d: is reloadable: %w", offset+i, err)
				}
			}
			if !reloadable {
				p.log.Info("Previously saved data is not reloadable...")
				if i == len(steps)-1 {
					notReloadable++
				}
				continue
			}
			p.log.Info("Reloading previously saved data")
			r, err := saver.Reload(ctx, rec)
			if err != nil {
				return nil, nil, 0, fmt.Errorf("step %d: reload: %w", offset+i, err)
			}
			reloaded = append(reloaded, r)
		}

		if notReloadable == len(records) {
			p.log.Info("All data is already done, but not reloadable. Skipping remaining steps...")
			if saver.ClearsOutput() {
				empty := make([]Record, len(records))
				for j := range empty {
					empty[j] = Record{}
				}
				return nil, empty, offset + len(steps), nil
			}
			p.log.Warn("The output of the pipeline will be the same as the input, " +
				"as the last step is a Save that is not reloadable and all " +
				"information that had to be saved is present. To avoid this, " +
				"either clear the output in the Save step to obtain empty " +
				"records as output, or enable overwrite in the Save to " +
				"overwrite the output of the previous run.")
			return nil, records, offset + len(steps), nil
		}
		if len(reloaded) == len(records) {
			remaining := steps[i+1:]
			p.log.Infof("Successfully reloaded data from the output of step %d (%s). Running remaining %d steps...",
				offset+i, StepName(saver), len(remaining))
			return remaining, reloaded, offset + i + 1, nil
		}
	}
	return steps, records, offset, nil
}

// Run executes the pipeline over records. In Raise mode any step error is
// returned. In Stop and Continue mode an error that reaches the run is
// passed to the error handler and the input records are returned (nil when
// the last step is a Saver that clears its output). Configuration errors are
// returned in every mode.
func (p *Pipeline) Run(ctx context.Context, records ...Record) ([]Record, error) {
	var runID string
	if p.observer != nil || p.runID != "" {
		runID = p.runID
		if runID == "" {
			runID = uuid.New().String()
		}
		ctx = context.WithValue(ctx, runIDKey{}, runID)
	}
	if p.observer != nil {
		if err := p.observer.BeforeRun(ctx, runID, p.Name, records); err != nil {
			return nil, fmt.Errorf("before run: %w", err)
		}
	}

	p.log.Infof("Starting %s (%d steps)...", p.Name, len(p.Steps))
	start := time.Now()
	out, err := p.IterateOverSteps(ctx, p.Steps, records, 0)
	if err != nil {
		if p.onError == Raise || IsConfigError(err) {
			out = nil
		} else {
			p.errHandler(ctx, err, records)
			out = records
			if len(p.Steps) > 0 {
				if s, ok := p.Steps[len(p.Steps)-1].(Saver); ok && s.ClearsOutput() {
					out = nil
				}
			}
			err = nil
		}
	}
	p.log.Infof("Finished %s in %.2f seconds.", p.Name, time.Since(start).Seconds())

	if p.observer != nil {
		if postErr := p.observer.AfterRun(ctx, runID, out, err); postErr != nil && err == nil {
			err = fmt.Errorf("after run: %w", postErr)
		}
	}
	return out, err
}
