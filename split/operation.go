package split

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Operation transforms the sets of one feature, in the order they are
// produced.
type Operation interface {
	Apply(m *mat.Dense) *mat.Dense
}

// NewStandardize is an Operation constructor for WithOperation.
func NewStandardize() Operation { return &Standardize{} }

// Standardize subtracts the per-channel mean and divides by the population
// standard deviation, both fitted on the first set it sees after a Reset.
// Channels with zero deviation are only centered.
type Standardize struct {
	mean, std []float64
}

// Reset forgets the fitted statistics.
func (s *Standardize) Reset() { s.mean, s.std = nil, nil }

func (s *Standardize) Apply(m *mat.Dense) *mat.Dense {
	if m == nil || m.IsEmpty() {
		return m
	}
	rows, cols := m.Dims()
	if s.mean == nil {
		s.mean = make([]float64, cols)
		s.std = make([]float64, cols)
		for j := range cols {
			s.mean[j], s.std[j] = stat.PopMeanStdDev(mat.Col(nil, j, m), nil)
		}
	}
	out := mat.NewDense(rows, cols, nil)
	out.Apply(func(_, j int, v float64) float64 {
		v -= s.mean[j]
		if s.std[j] != 0 {
			v /= s.std[j]
		}
		return v
	}, m)
	return out
}
