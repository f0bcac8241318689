// Package pipeline: standard steps for common pipeline patterns.

package pipeline

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Identity returns a step that passes the record through unchanged.
// Useful as a no-op, as a checkpoint boundary, or as a placeholder.
func Identity() Step {
	return Map("Identity", func(_ context.Context, rec Record) (Record, error) {
		return rec, nil
	})
}

// Tap returns a step that calls fn(ctx, rec) then passes rec through unchanged.
// Use for logging, metrics, or side effects without changing the record.
func Tap(fn func(context.Context, Record)) Step {
	return Map("Tap", func(ctx context.Context, rec Record) (Record, error) {
		fn(ctx, rec)
		return rec, nil
	})
}

// Validate returns a step that passes the record through only if predicate
// is true. Otherwise it returns an error with errMsg.
func Validate(predicate func(Record) bool, errMsg string) Step {
	if errMsg == "" {
		errMsg = "validation failed"
	}
	return Map("Validate", func(_ context.Context, rec Record) (Record, error) {
		if !predicate(rec) {
			return nil, fmt.Errorf("%s", errMsg)
		}
		return rec, nil
	}, Params(map[string]any{"message": errMsg}))
}

// Constant returns a step that sets every key of values on the record.
// Values are deep-copied on each call so records never share them.
func Constant(values Record) Step {
	params := make(map[string]any, len(values))
	for k, v := range values {
		params[k] = v
	}
	return Map("Constant", func(_ context.Context, rec Record) (Record, error) {
		for k, v := range Clone(values) {
			rec[k] = v
		}
		return rec, nil
	}, Params(params))
}

// Split returns a step that fans a record out into one record per element of
// the []any or []Record stored under key. Each output is a shallow copy of
// the input with key replaced by the element (stored under as, or key when
// as is empty).
func Split(key, as string) Step {
	if as == "" {
		as = key
	}
	return Func("Split", func(_ context.Context, rec Record) ([]Record, error) {
		var items []any
		switch v := rec[key].(type) {
		case []any:
			items = v
		case []Record:
			for _, r := range v {
				items = append(items, r)
			}
		default:
			return nil, fmt.Errorf("split: key %q: expected a list, got %T", key, rec[key])
		}
		out := make([]Record, 0, len(items))
		for _, item := range items {
			r := make(Record, len(rec))
			for k, v := range rec {
				if k != key {
					r[k] = v
				}
			}
			r[as] = item
			out = append(out, r)
		}
		return out, nil
	}, Params(map[string]any{"key": key, "as": as}))
}

// WithTimeout wraps inner so it runs with a context deadline of now+timeout.
// If inner does not return before the deadline, context.DeadlineExceeded is
// returned (for steps that honor ctx).
func WithTimeout(inner Step, timeout time.Duration) Step {
	return Func(StepName(inner), func(ctx context.Context, rec Record) ([]Record, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return inner.Apply(ctx, rec)
	}, Params(withParam(Describe(inner), "timeout", timeout.String())))
}

// RetryPolicy configures Retry. The delay before attempt n (n >= 1 being the
// first retry) is Initial * Multiplier^(n-1), capped at Cap when Cap > 0. A
// Multiplier below 1 is treated as 1 (fixed backoff). If ShouldRetry is set,
// only errors for which it returns true are retried; use IsRetryable to retry
// only errors marked with RetryableErr.
type RetryPolicy struct {
	MaxAttempts int // total attempts including the first; < 1 means 1
	Initial     time.Duration
	Multiplier  float64
	Cap         time.Duration
	ShouldRetry func(err error) bool
}

// Delay returns the backoff before the given retry (1-based).
func (p RetryPolicy) Delay(retry int) time.Duration {
	m := p.Multiplier
	if m < 1 {
		m = 1
	}
	d := time.Duration(float64(p.Initial) * math.Pow(m, float64(retry-1)))
	if p.Cap > 0 && d > p.Cap {
		d = p.Cap
	}
	return d
}

// Retry wraps inner so that failing attempts are re-run in process, sleeping
// according to policy between attempts. The last error is returned once
// attempts are exhausted, a non-retryable error occurs, or ctx is done.
// inner must tolerate being applied to the same record more than once.
func Retry(inner Step, policy RetryPolicy) Step {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	params := withParam(Describe(inner), "max_attempts", attempts)
	return Func(StepName(inner), func(ctx context.Context, rec Record) ([]Record, error) {
		var err error
		for attempt := 1; attempt <= attempts; attempt++ {
			if attempt > 1 {
				t := time.NewTimer(policy.Delay(attempt - 1))
				select {
				case <-ctx.Done():
					t.Stop()
					return nil, fmt.Errorf("retry: %w (last error: %v)", ctx.Err(), err)
				case <-t.C:
				}
			}
			var out []Record
			out, err = inner.Apply(ctx, rec)
			if err == nil {
				return out, nil
			}
			if IsConfigError(err) || (policy.ShouldRetry != nil && !policy.ShouldRetry(err)) {
				return nil, err
			}
		}
		return nil, fmt.Errorf("retry: %d attempts: %w", attempts, err)
	}, Params(params))
}

func withParam(params map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	out[key] = value
	return out
}
