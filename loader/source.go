package loader

import (
	"context"
	"iter"

	"github.com/dcshock/brainpipe/pipeline"
)

// Source yields the input records of a pipeline. Iteration stops at the
// first error.
type Source interface {
	All(ctx context.Context) iter.Seq2[pipeline.Record, error]
}

// Lener is implemented by sources that know how many records they yield.
type Lener interface {
	Len() int
}

// Len returns the number of records src yields, or -1 when it cannot tell.
func Len(src Source) int {
	if l, ok := src.(Lener); ok {
		return l.Len()
	}
	return -1
}

// Collect drains src.
func Collect(ctx context.Context, src Source) ([]pipeline.Record, error) {
	var out []pipeline.Record
	for rec, err := range src.All(ctx) {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Slice serves records held in memory.
type Slice []pipeline.Record

func (s Slice) All(ctx context.Context) iter.Seq2[pipeline.Record, error] {
	return func(yield func(pipeline.Record, error) bool) {
		for _, rec := range s {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (s Slice) Len() int { return len(s) }

// Func adapts an iterator function to a Source.
type Func func(ctx context.Context) iter.Seq2[pipeline.Record, error]

func (f Func) All(ctx context.Context) iter.Seq2[pipeline.Record, error] { return f(ctx) }
