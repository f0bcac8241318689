package pipeline

import (
	"context"
	"fmt"
	"reflect"
	"strings"
)

// Step is a single transformation. It receives one record and returns one
// record or several (fan-out). A step may be invoked more than once for the
// same input (e.g. after a cache miss on a restarted run), so side effects
// must be idempotent.
type Step interface {
	Apply(ctx context.Context, rec Record) ([]Record, error)
}

// StepFunc adapts a function to the Step interface.
type StepFunc func(ctx context.Context, rec Record) ([]Record, error)

func (f StepFunc) Apply(ctx context.Context, rec Record) ([]Record, error) { return f(ctx, rec) }

// Named is implemented by steps that report their own name. The name ends up
// in step history and in default cache folder names.
type Named interface {
	Name() string
}

// Describer is implemented by steps that can snapshot their configuration.
// The returned map is stored as StepInfo.Params.
type Describer interface {
	Describe() map[string]any
}

// Saver is the capability the reload scan looks for. Any step implementing
// it is treated as a checkpoint.
type Saver interface {
	Step
	// IsAlreadyDone reports whether the output for rec was persisted before.
	IsAlreadyDone(ctx context.Context, rec Record) (bool, error)
	// IsReloadable reports whether the persisted output can be restored.
	IsReloadable(ctx context.Context, rec Record) (bool, error)
	// Reload restores the persisted output for rec.
	Reload(ctx context.Context, rec Record) (Record, error)
	// ClearsOutput reports whether the step replaces saved records with an
	// empty record.
	ClearsOutput() bool
}

// StepName returns the name used for s in history and cache folders: the
// Name() of a Named step, otherwise the type name without package or pointer.
func StepName(s Step) string {
	if n, ok := s.(Named); ok {
		return n.Name()
	}
	t := reflect.TypeOf(s)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() != "" {
		return t.Name()
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", s), "*")
}

// Describe returns the configuration snapshot of s, or nil.
func Describe(s Step) map[string]any {
	if d, ok := s.(Describer); ok {
		return d.Describe()
	}
	return nil
}

// FuncOption configures a step built with Func or Map.
type FuncOption func(*FuncStep)

// CopyRecord makes the step deep-copy its input before calling the function,
// so the caller's record is never mutated.
func CopyRecord() FuncOption {
	return func(s *FuncStep) { s.copyRecord = true }
}

// Params sets the configuration snapshot reported by Describe.
func Params(params map[string]any) FuncOption {
	return func(s *FuncStep) { s.params = params }
}

// FuncStep is a named step backed by a function.
type FuncStep struct {
	name       string
	fn         StepFunc
	copyRecord bool
	params     map[string]any
}

// Func returns a named step that may fan out.
func Func(name string, fn StepFunc, opts ...FuncOption) *FuncStep {
	s := &FuncStep{name: name, fn: fn}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Map returns a named step producing exactly one record per input.
func Map(name string, fn func(ctx context.Context, rec Record) (Record, error), opts ...FuncOption) *FuncStep {
	return Func(name, func(ctx context.Context, rec Record) ([]Record, error) {
		out, err := fn(ctx, rec)
		if err != nil {
			return nil, err
		}
		return []Record{out}, nil
	}, opts...)
}

func (s *FuncStep) Name() string { return s.name }

func (s *FuncStep) Describe() map[string]any {
	out := make(map[string]any, len(s.params)+1)
	for k, v := range s.params {
		out[k] = v
	}
	out["copy_record"] = s.copyRecord
	return out
}

func (s *FuncStep) Apply(ctx context.Context, rec Record) ([]Record, error) {
	if s.copyRecord {
		rec = Clone(rec)
	}
	return s.fn(ctx, rec)
}

// ConvertFunc converts a value of type A to type B.
type ConvertFunc[A, B any] func(ctx context.Context, a A) (B, error)

// Wrap returns a step that applies convert to the values stored under the
// given keys. keys maps input key to output key (see Keys for in-place
// conversion).
func Wrap[A, B any](name string, convert ConvertFunc[A, B], keys map[string]string, opts ...FuncOption) *FuncStep {
	params := map[string]any{"keys": keys}
	opts = append([]FuncOption{Params(params)}, opts...)
	return Map(name, func(ctx context.Context, rec Record) (Record, error) {
		for from, to := range keys {
			a, ok := rec[from].(A)
			if !ok {
				var zero A
				return nil, fmt.Errorf("%s: key %q: expected %T, got %T", name, from, zero, rec[from])
			}
			b, err := convert(ctx, a)
			if err != nil {
				return nil, fmt.Errorf("%s: key %q: %w", name, from, err)
			}
			rec[to] = b
		}
		return rec, nil
	}, opts...)
}

// Keys turns a list of keys into the identity mapping used by Wrap.
func Keys(keys ...string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		out[k] = k
	}
	return out
}
