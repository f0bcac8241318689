package cache

import (
	"context"

	"github.com/dcshock/brainpipe/pipeline"
)

// Middleware memoizes every step on disk. For each record it first looks for
// cached output of the step (following the record's pointer when it has
// one) and returns pointers to it without running the step. Otherwise it
// loads the pointed-to record, runs the step, writes each output and returns
// pointers to the written files. With overwrite set, existing cache files are
// ignored and rewritten.
//
// Empty outputs (from a Saver clearing its output) and the output of a step
// that failed in Continue mode are passed through without being cached.
func Middleware(s *Store, overwrite bool) pipeline.Middleware {
	return func(next pipeline.StepRunner) pipeline.StepRunner {
		return func(ctx context.Context, step pipeline.Step, rec pipeline.Record, index int) ([]pipeline.Record, error) {
			if overwrite {
				s.log.Info("Overwrite is set, running step again")
			} else {
				existing, err := s.ExistingCachePaths(step, rec, index)
				if err != nil {
					return nil, err
				}
				if len(existing) > 0 {
					s.log.Info("Step was already run, skipping to next step")
					out := make([]pipeline.Record, len(existing))
					for i, path := range existing {
						out[i] = s.PointerRecord(path, step, index)
					}
					return out, nil
				}
			}

			input := rec
			if s.IsPointer(rec) {
				var err error
				if input, err = s.LoadFromRecord(rec); err != nil {
					return nil, err
				}
			}
			outs, err := next(ctx, step, input, index)
			if err != nil {
				return nil, err
			}

			pointers := make([]pipeline.Record, 0, len(outs))
			for _, out := range outs {
				if len(out) == 0 || failed(out, s.HistoryKey, index) {
					pointers = append(pointers, out)
					continue
				}
				path, err := s.Path(step, out, index)
				if err != nil {
					return nil, err
				}
				if err := s.Save(path, out); err != nil {
					return nil, err
				}
				pointers = append(pointers, s.PointerRecord(path, step, index))
			}
			return pointers, nil
		}
	}
}

// failed reports whether the last history entry of rec is a failure of the
// step at index.
func failed(rec pipeline.Record, historyKey string, index int) bool {
	h := pipeline.History(rec, historyKey)
	if len(h) == 0 {
		return false
	}
	last := h[len(h)-1]
	return last.Index == index && last.Err != ""
}

// NewPipeline returns a pipeline over steps whose step outputs are cached in
// s. Further options (error mode, logger, observers) are applied as usual;
// the cache is the outermost middleware.
func NewPipeline(steps []pipeline.Step, s *Store, overwrite bool, opts ...pipeline.Option) (*pipeline.Pipeline, error) {
	opts = append([]pipeline.Option{pipeline.WithMiddleware(Middleware(s, overwrite))}, opts...)
	return pipeline.New(steps, opts...)
}
