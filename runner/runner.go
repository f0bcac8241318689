package runner

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dcshock/brainpipe/coord"
	"github.com/dcshock/brainpipe/loader"
	"github.com/dcshock/brainpipe/pipeline"
)

// Pipeline runs records through steps. *pipeline.Pipeline implements it.
type Pipeline interface {
	Run(ctx context.Context, records ...pipeline.Record) ([]pipeline.Record, error)
}

// Job pairs a data source with the pipeline run on each of its records.
type Job struct {
	Name     string
	Source   loader.Source
	Pipeline Pipeline
}

// Result holds the outputs of one job, one entry per source record in
// source order.
type Result struct {
	Job     string
	Outputs [][]pipeline.Record
}

// Records flattens the outputs.
func (r Result) Records() []pipeline.Record {
	var out []pipeline.Record
	for _, o := range r.Outputs {
		out = append(out, o...)
	}
	return out
}

// ProgressFunc is called after each finished record. total is -1 when the
// source does not know its length.
type ProgressFunc func(done, total int)

// Runner runs jobs one after another, each over a worker pool.
type Runner struct {
	env      *coord.Env
	progress ProgressFunc
	log      logrus.FieldLogger
}

// Option configures a Runner.
type Option func(*Runner)

// WithEnv sets the execution context; its Workers field sizes the pool.
func WithEnv(env *coord.Env) Option {
	return func(r *Runner) { r.env = env }
}

// WithProgress replaces the default progress log.
func WithProgress(fn ProgressFunc) Option {
	return func(r *Runner) { r.progress = fn }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(r *Runner) { r.log = l }
}

// New returns a runner. Without WithEnv it uses one worker per CPU.
func New(opts ...Option) *Runner {
	r := &Runner{log: logrus.StandardLogger()}
	for _, o := range opts {
		o(r)
	}
	if r.env == nil {
		r.env = coord.NewEnv(-1)
	}
	if r.progress == nil {
		r.progress = r.logProgress
	}
	return r
}

// Env returns the runner's execution context.
func (r *Runner) Env() *coord.Env { return r.env }

func (r *Runner) logProgress(done, total int) {
	t := "?"
	if total >= 0 {
		t = strconv.Itoa(total)
	}
	r.log.Infof("Progress %d/%s.", done, t)
}

// Run executes jobs in order and returns one Result per job.
func (r *Runner) Run(ctx context.Context, jobs ...Job) ([]Result, error) {
	results := make([]Result, 0, len(jobs))
	for i, job := range jobs {
		r.log.Infof("Pipeline %d/%d...", i+1, len(jobs))
		outputs, err := r.runJob(ctx, job)
		if err != nil {
			name := job.Name
			if name == "" {
				name = strconv.Itoa(i + 1)
			}
			return results, fmt.Errorf("job %s: %w", name, err)
		}
		results = append(results, Result{Job: job.Name, Outputs: outputs})
	}
	return results, nil
}

func (r *Runner) runJob(ctx context.Context, job Job) ([][]pipeline.Record, error) {
	total := loader.Len(job.Source)
	var (
		mu   sync.Mutex
		done int
	)
	finished := func() {
		mu.Lock()
		done++
		n := done
		mu.Unlock()
		r.progress(n, total)
	}

	size := r.env.PoolSize()
	if size == 0 {
		var outputs [][]pipeline.Record
		index := 0
		for rec, err := range job.Source.All(ctx) {
			if err != nil {
				return nil, err
			}
			out, err := job.Pipeline.Run(ctx, rec)
			if err != nil {
				return nil, fmt.Errorf("record %d: %w", index, err)
			}
			outputs = append(outputs, out)
			finished()
			index++
		}
		return outputs, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(size)
	var slots []*[]pipeline.Record
	index := 0
	for rec, err := range job.Source.All(gctx) {
		if err != nil {
			g.Go(func() error { return err })
			break
		}
		slot := new([]pipeline.Record)
		slots = append(slots, slot)
		i := index
		g.Go(func() error {
			out, err := job.Pipeline.Run(gctx, rec)
			if err != nil {
				return fmt.Errorf("record %d: %w", i, err)
			}
			*slot = out
			finished()
			return nil
		})
		index++
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	outputs := make([][]pipeline.Record, len(slots))
	for i, s := range slots {
		outputs[i] = *s
	}
	return outputs, nil
}
