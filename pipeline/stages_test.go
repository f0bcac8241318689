package pipeline

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

func apply1(t *testing.T, s Step, rec Record) Record {
	t.Helper()
	out, err := s.Apply(context.Background(), rec)
	if err != nil {
		t.Fatalf("%s: err = %v", StepName(s), err)
	}
	if len(out) != 1 {
		t.Fatalf("%s: expected 1 record, got %d", StepName(s), len(out))
	}
	return out[0]
}

func TestIdentity(t *testing.T) {
	in := Record{"x": []float64{1, 2, 3}}
	out := apply1(t, Identity(), in)
	if !reflect.DeepEqual(out, in) {
		t.Errorf("Identity: got %v", out)
	}
	if StepName(Identity()) != "Identity" {
		t.Errorf("name = %q", StepName(Identity()))
	}
}

func TestTap(t *testing.T) {
	var seen Record
	s := Tap(func(_ context.Context, rec Record) { seen = rec })
	in := Record{"k": "v"}
	out := apply1(t, s, in)
	if !reflect.DeepEqual(seen, in) || !reflect.DeepEqual(out, in) {
		t.Errorf("Tap: seen=%v out=%v", seen, out)
	}
}

func TestValidate(t *testing.T) {
	s := Validate(func(r Record) bool { return r["ok"] == true }, "must be ok")
	apply1(t, s, Record{"ok": true})
	_, err := s.Apply(context.Background(), Record{})
	if err == nil || err.Error() != "must be ok" {
		t.Errorf("Validate: got %v", err)
	}
}

func TestValidate_DefaultErrMsg(t *testing.T) {
	s := Validate(func(Record) bool { return false }, "")
	_, err := s.Apply(context.Background(), Record{})
	if err == nil || err.Error() != "validation failed" {
		t.Errorf("got %v", err)
	}
}

func TestConstant(t *testing.T) {
	s := Constant(Record{"a": 3, "list": []any{1}})
	r1 := apply1(t, s, Record{"b": 1})
	r2 := apply1(t, s, Record{})
	if r1["a"] != 3 || r1["b"] != 1 {
		t.Errorf("Constant: got %v", r1)
	}
	r1["list"].([]any)[0] = 99
	if r2["list"].([]any)[0] != 1 {
		t.Error("Constant values are shared between records")
	}
	if Describe(s)["a"] != 3 {
		t.Errorf("Describe = %v", Describe(s))
	}
}

func TestSplit(t *testing.T) {
	s := Split("stimuli", "stimulus")
	out, err := s.Apply(context.Background(), Record{"id": 1, "stimuli": []any{"a", "b", "c"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 records, got %d", len(out))
	}
	for i, want := range []string{"a", "b", "c"} {
		if out[i]["stimulus"] != want || out[i]["id"] != 1 {
			t.Errorf("out[%d] = %v", i, out[i])
		}
		if _, ok := out[i]["stimuli"]; ok {
			t.Errorf("out[%d] still holds the list", i)
		}
	}
	if _, err := s.Apply(context.Background(), Record{"stimuli": 3}); err == nil {
		t.Error("expected error for non-list value")
	}
}

func TestWrap(t *testing.T) {
	double := Wrap("Double", func(_ context.Context, xs []float64) ([]float64, error) {
		out := make([]float64, len(xs))
		for i, x := range xs {
			out[i] = 2 * x
		}
		return out, nil
	}, map[string]string{"eeg": "eeg_doubled"})
	out := apply1(t, double, Record{"eeg": []float64{1, 2}})
	if !reflect.DeepEqual(out["eeg_doubled"], []float64{2, 4}) {
		t.Errorf("Wrap: got %v", out)
	}
	if _, err := double.Apply(context.Background(), Record{"eeg": "nope"}); err == nil {
		t.Error("expected type error")
	}
}

func TestCopyRecord(t *testing.T) {
	s := Map("Mutate", func(_ context.Context, rec Record) (Record, error) {
		rec["x"].([]float64)[0] = 42
		return rec, nil
	}, CopyRecord())
	in := Record{"x": []float64{1}}
	apply1(t, s, in)
	if in["x"].([]float64)[0] != 1 {
		t.Error("CopyRecord: input was mutated")
	}
}

func TestClone_Nested(t *testing.T) {
	in := Record{
		"stimuli": []Record{{"path": "a.wav"}},
		"info":    map[string]any{"snr": []int{1}},
		"data":    [][]float64{{1, 2}},
	}
	out := Clone(in)
	out["stimuli"].([]Record)[0]["path"] = "b.wav"
	out["info"].(map[string]any)["snr"].([]int)[0] = 9
	out["data"].([][]float64)[0][0] = 7
	if !reflect.DeepEqual(in, Record{
		"stimuli": []Record{{"path": "a.wav"}},
		"info":    map[string]any{"snr": []int{1}},
		"data":    [][]float64{{1, 2}},
	}) {
		t.Errorf("Clone shares state with input: %v", in)
	}
}

func TestWithTimeout_Completes(t *testing.T) {
	s := WithTimeout(Constant(Record{"a": 1}), time.Second)
	out := apply1(t, s, Record{})
	if out["a"] != 1 {
		t.Errorf("WithTimeout: got %v", out)
	}
	if StepName(s) != "Constant" {
		t.Errorf("name = %q", StepName(s))
	}
}

func TestWithTimeout_Exceeded(t *testing.T) {
	inner := Map("Slow", func(ctx context.Context, rec Record) (Record, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s := WithTimeout(inner, 10*time.Millisecond)
	_, err := s.Apply(context.Background(), Record{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WithTimeout: got %v", err)
	}
}

// --- Retry ---

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	attempts := 0
	inner := Map("Flaky", func(_ context.Context, rec Record) (Record, error) {
		attempts++
		if attempts < 3 {
			return nil, RetryableErr(errors.New("transient"))
		}
		return rec, nil
	})
	s := Retry(inner, RetryPolicy{MaxAttempts: 5, Initial: time.Millisecond, ShouldRetry: IsRetryable})
	apply1(t, s, Record{})
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetry_NonRetryableStops(t *testing.T) {
	attempts := 0
	permanent := errors.New("permanent")
	inner := Map("Broken", func(_ context.Context, rec Record) (Record, error) {
		attempts++
		return nil, permanent
	})
	s := Retry(inner, RetryPolicy{MaxAttempts: 5, ShouldRetry: IsRetryable})
	_, err := s.Apply(context.Background(), Record{})
	if !errors.Is(err, permanent) {
		t.Errorf("got %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRetry_Exhausted(t *testing.T) {
	attempts := 0
	inner := Map("Flaky", func(_ context.Context, rec Record) (Record, error) {
		attempts++
		return nil, errors.New("again")
	})
	s := Retry(inner, RetryPolicy{MaxAttempts: 3})
	_, err := s.Apply(context.Background(), Record{})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if Describe(s)["max_attempts"] != 3 {
		t.Errorf("Describe = %v", Describe(s))
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	inner := Map("Flaky", func(_ context.Context, rec Record) (Record, error) {
		cancel()
		return nil, errors.New("again")
	})
	s := Retry(inner, RetryPolicy{MaxAttempts: 3, Initial: time.Hour})
	_, err := s.Apply(ctx, Record{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v", err)
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{Initial: 10 * time.Millisecond, Multiplier: 2, Cap: 50 * time.Millisecond}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 50 * time.Millisecond}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
	fixed := RetryPolicy{Initial: 5 * time.Millisecond}
	if fixed.Delay(4) != 5*time.Millisecond {
		t.Errorf("fixed Delay = %v", fixed.Delay(4))
	}
}
