package pipeline

import (
	"reflect"
	"time"
)

// Record is the open key-value map that flows through a pipeline. Steps read
// and write well-known keys by convention; the engine itself only injects the
// step history key (see Pipeline.HistoryKey) and, when a cache is used, the
// cache pointer keys.
type Record map[string]any

// DefaultHistoryKey is the key under which step history is appended.
const DefaultHistoryKey = "previous_steps"

// StepInfo is one entry of a record's step history. It is appended after a
// step was executed on the record, also when the step failed and the failure
// was swallowed (Err is then set).
type StepInfo struct {
	Index    int            `json:"step_index" yaml:"step_index"`
	Name     string         `json:"step_name" yaml:"step_name"`
	Params   map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Duration time.Duration  `json:"duration" yaml:"duration"`
	Err      string         `json:"error,omitempty" yaml:"error,omitempty"`
}

// DeepCopier is implemented by values that know how to copy themselves.
// Clone uses it for types it does not handle natively.
type DeepCopier interface {
	DeepCopy() any
}

// Clone returns a deep copy of rec. Nested records, maps, slices of any and
// the numeric slice types used for signals are copied; values implementing
// DeepCopier are copied through it; everything else is copied by value.
func Clone(rec Record) Record {
	if rec == nil {
		return nil
	}
	return cloneMap(rec)
}

func cloneMap(m map[string]any) Record {
	out := make(Record, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case Record:
		return cloneMap(x)
	case map[string]any:
		return map[string]any(cloneMap(x))
	case []Record:
		out := make([]Record, len(x))
		for i := range x {
			out[i] = cloneMap(x[i])
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(x))
		for i := range x {
			out[i] = cloneMap(x[i])
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = cloneValue(x[i])
		}
		return out
	case []StepInfo:
		out := make([]StepInfo, len(x))
		for i, info := range x {
			info.Params = cloneMap(info.Params)
			out[i] = info
		}
		return out
	case []string:
		return append([]string(nil), x...)
	case []float64:
		return append([]float64(nil), x...)
	case []float32:
		return append([]float32(nil), x...)
	case []int:
		return append([]int(nil), x...)
	case []int64:
		return append([]int64(nil), x...)
	case [][]float64:
		out := make([][]float64, len(x))
		for i := range x {
			out[i] = append([]float64(nil), x[i]...)
		}
		return out
	case DeepCopier:
		return x.DeepCopy()
	default:
		return v
	}
}

// History returns the step history stored in rec under key. Histories that
// went through a generic decoder (e.g. JSON) come back as []any of maps and
// are converted.
func History(rec Record, key string) []StepInfo {
	switch h := rec[key].(type) {
	case []StepInfo:
		return h
	case []any:
		out := make([]StepInfo, 0, len(h))
		for _, item := range h {
			switch e := item.(type) {
			case StepInfo:
				out = append(out, e)
			case map[string]any:
				out = append(out, stepInfoFromMap(e))
			}
		}
		return out
	default:
		return nil
	}
}

func stepInfoFromMap(m map[string]any) StepInfo {
	var info StepInfo
	switch idx := m["step_index"].(type) {
	case int:
		info.Index = idx
	case int64:
		info.Index = int(idx)
	case float64:
		info.Index = int(idx)
	}
	info.Name, _ = m["step_name"].(string)
	info.Params, _ = m["params"].(map[string]any)
	switch d := m["duration"].(type) {
	case int64:
		info.Duration = time.Duration(d)
	case float64:
		info.Duration = time.Duration(d)
	}
	info.Err, _ = m["error"].(string)
	return info
}

// appendHistory appends info to rec's history. The existing slice is clipped
// first so that records sharing a history (after fan-out) never share the
// appended element.
func appendHistory(rec Record, key string, info StepInfo) {
	h := History(rec, key)
	rec[key] = append(h[:len(h):len(h)], info)
}

func recordID(rec Record) uintptr {
	return reflect.ValueOf(rec).Pointer()
}
