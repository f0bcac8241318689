package split

import (
	"context"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/dcshock/brainpipe/pipeline"
)

type span struct{ start, end int }

// Method places the sets of a split. fractions sum to 1; the result holds
// the spans of each set in the same order.
type Method interface {
	Name() string
	// Order returns the order in which sets are produced.
	Order(fractions []float64) []int
	Spans(n int, fractions []float64, order []int) [][]span
}

// Splitter is a pipeline step splitting features into sets.
type Splitter struct {
	// Features maps the key to split to the key receiving the sets.
	Features  map[string]string
	Fractions []float64
	Names     []string
	// Operation returns a fresh operation for each feature; nil for none.
	Operation func() Operation
	// Axis is the time axis of matrix data: 0 for rows, 1 for columns.
	Axis   int
	method Method
}

// Option configures a Splitter.
type Option func(*Splitter)

// WithOperation applies an operation from newOp to every set of a feature.
func WithOperation(newOp func() Operation) Option {
	return func(s *Splitter) { s.Operation = newOp }
}

// WithAxis sets the time axis of matrix data.
func WithAxis(axis int) Option {
	return func(s *Splitter) { s.Axis = axis }
}

func newSplitter(m Method, features map[string]string, fractions []float64, names []string, opts ...Option) (*Splitter, error) {
	if len(features) == 0 {
		return nil, pipeline.ConfigErrorf("split: no features")
	}
	if len(fractions) != len(names) || len(names) == 0 {
		return nil, pipeline.ConfigErrorf("split: %d fractions for %d set names", len(fractions), len(names))
	}
	total := 0.0
	for _, f := range fractions {
		if f < 0 {
			return nil, pipeline.ConfigErrorf("split: negative fraction %v", f)
		}
		total += f
	}
	if total == 0 {
		return nil, pipeline.ConfigErrorf("split: fractions sum to 0")
	}
	norm := make([]float64, len(fractions))
	for i, f := range fractions {
		norm[i] = f / total
	}
	s := &Splitter{Features: features, Fractions: norm, Names: names, method: m}
	for _, o := range opts {
		o(s)
	}
	if s.Axis != 0 && s.Axis != 1 {
		return nil, pipeline.ConfigErrorf("split: axis must be 0 or 1, got %d", s.Axis)
	}
	return s, nil
}

// NewSequential splits into consecutive slices in the given order.
func NewSequential(features map[string]string, fractions []float64, names []string, opts ...Option) (*Splitter, error) {
	return newSplitter(Sequential{}, features, fractions, names, opts...)
}

// NewMid takes the largest set from both ends and the others from the
// middle.
func NewMid(features map[string]string, fractions []float64, names []string, opts ...Option) (*Splitter, error) {
	return newSplitter(Mid{}, features, fractions, names, opts...)
}

func (s *Splitter) Name() string { return s.method.Name() }

func (s *Splitter) Describe() map[string]any {
	return map[string]any{
		"feature_mapping": s.Features,
		"split_fractions": s.Fractions,
		"split_names":     s.Names,
		"axis":            s.Axis,
	}
}

// Apply replaces every configured feature of rec by its sets.
func (s *Splitter) Apply(_ context.Context, rec pipeline.Record) ([]pipeline.Record, error) {
	keys := make([]string, 0, len(s.Features))
	for k := range s.Features {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	data := make(map[string]*matrix, len(keys))
	shortest := math.MaxInt
	for _, k := range keys {
		v, ok := rec[k]
		if !ok {
			return nil, fmt.Errorf("split: key %q not in record", k)
		}
		m, err := toMatrix(v, s.Axis)
		if err != nil {
			return nil, fmt.Errorf("split: key %q: %w", k, err)
		}
		data[k] = m
		shortest = min(shortest, m.len())
	}

	order := s.method.Order(s.Fractions)
	spans := s.method.Spans(shortest, s.Fractions, order)
	for _, k := range keys {
		m := data[k]
		var op Operation
		if s.Operation != nil {
			op = s.Operation()
		}
		sets := make(map[string]any, len(s.Names))
		for _, i := range order {
			part := m.take(spans[i])
			if op != nil {
				part.dense = op.Apply(part.dense)
			}
			sets[s.Names[i]] = part.value(s.Axis)
		}
		delete(rec, k)
		rec[s.Features[k]] = sets
	}
	return []pipeline.Record{rec}, nil
}

// Sequential cuts consecutive slices, sets in their given order.
type Sequential struct{}

func (Sequential) Name() string { return "SequentialSplit" }

func (Sequential) Order(fractions []float64) []int {
	order := make([]int, len(fractions))
	for i := range order {
		order[i] = i
	}
	return order
}

func (Sequential) Spans(n int, fractions []float64, order []int) [][]span {
	out := make([][]span, len(fractions))
	cum, start := 0.0, 0
	for k, i := range order {
		cum += fractions[i]
		end := min(int(math.Round(float64(n)*cum)), n)
		if k == len(order)-1 {
			end = n
		}
		out[i] = []span{{start, end}}
		start = end
	}
	return out
}

// Mid produces the largest set first, half from the start and half from the
// end of the data; the remaining sets follow consecutively from the middle,
// larger sets first.
type Mid struct{}

func (Mid) Name() string { return "MidSplit" }

func (Mid) Order(fractions []float64) []int {
	order := Sequential{}.Order(fractions)
	sort.SliceStable(order, func(a, b int) bool { return fractions[order[a]] > fractions[order[b]] })
	return order
}

func (Mid) Spans(n int, fractions []float64, order []int) [][]span {
	out := make([][]span, len(fractions))
	largest := order[0]
	half := min(int(math.Round(float64(n)*fractions[largest]/2)), n/2)
	out[largest] = []span{{0, half}, {n - half, n}}
	start := half
	for _, i := range order[1:] {
		end := min(start+int(math.Round(float64(n)*fractions[i])), n-half)
		out[i] = []span{{start, end}}
		start = end
	}
	return out
}

// matrix holds split data with time along rows.
type matrix struct {
	dense  *mat.Dense
	vector bool
}

func toMatrix(v any, axis int) (*matrix, error) {
	var (
		d      *mat.Dense
		vector bool
	)
	switch x := v.(type) {
	case []float64:
		if len(x) == 0 {
			return &matrix{vector: true}, nil
		}
		d = mat.NewDense(len(x), 1, append([]float64(nil), x...))
		return &matrix{dense: d, vector: true}, nil
	case [][]float64:
		if len(x) == 0 {
			return &matrix{}, nil
		}
		cols := len(x[0])
		if cols == 0 {
			return &matrix{}, nil
		}
		d = mat.NewDense(len(x), cols, nil)
		for i, row := range x {
			if len(row) != cols {
				return nil, fmt.Errorf("ragged rows: row %d has %d values, want %d", i, len(row), cols)
			}
			d.SetRow(i, row)
		}
	case mat.Matrix:
		d = mat.DenseCopyOf(x)
	default:
		return nil, fmt.Errorf("cannot split %T", v)
	}
	if axis == 1 {
		d = mat.DenseCopyOf(d.T())
	}
	return &matrix{dense: d, vector: vector}, nil
}

func (m *matrix) len() int {
	if m.dense == nil {
		return 0
	}
	r, _ := m.dense.Dims()
	return r
}

func (m *matrix) take(spans []span) *matrix {
	rows := 0
	for _, s := range spans {
		rows += s.end - s.start
	}
	if rows <= 0 || m.dense == nil {
		return &matrix{vector: m.vector}
	}
	_, cols := m.dense.Dims()
	out := mat.NewDense(rows, cols, nil)
	at := 0
	for _, s := range spans {
		if s.end <= s.start {
			continue
		}
		out.Slice(at, at+s.end-s.start, 0, cols).(*mat.Dense).Copy(m.dense.Slice(s.start, s.end, 0, cols))
		at += s.end - s.start
	}
	return &matrix{dense: out, vector: m.vector}
}

func (m *matrix) value(axis int) any {
	if m.vector {
		if m.dense == nil {
			return []float64{}
		}
		return mat.Col(nil, 0, m.dense)
	}
	if m.dense == nil {
		return &mat.Dense{}
	}
	if axis == 1 {
		return mat.DenseCopyOf(m.dense.T())
	}
	return m.dense
}
