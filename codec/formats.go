package codec

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"github.com/dcshock/brainpipe/pipeline"
)

func init() {
	gob.Register(pipeline.Record{})
	gob.Register(map[string]any{})
	gob.Register(map[string]string{})
	gob.Register([]any{})
	gob.Register([]pipeline.Record{})
	gob.Register([]map[string]any{})
	gob.Register([]pipeline.StepInfo{})
	gob.Register([][]float64{})
	gob.Register(time.Duration(0))
	gob.Register(&mat.Dense{})
}

// Gob stores whole records with encoding/gob. Values nested in a record must
// be of a registered type (see gob.Register); records, step history, maps,
// numeric slices and *mat.Dense are registered by this package.
type Gob struct{}

func (Gob) Encode(w io.Writer, v any) error {
	if rec, ok := v.(map[string]any); ok {
		v = pipeline.Record(rec)
	}
	return gob.NewEncoder(w).Encode(&v)
}

func (Gob) Decode(r io.Reader) (any, error) {
	var v any
	if err := gob.NewDecoder(r).Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// JSON stores values as indented JSON. Decoded records are map[string]any.
type JSON struct{}

func (JSON) Encode(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (JSON) Decode(r io.Reader) (any, error) {
	var v any
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		return nil, err
	}
	if m, ok := v.(map[string]any); ok {
		return pipeline.Record(m), nil
	}
	return v, nil
}

// YAML stores values as YAML documents.
type YAML struct{}

func (YAML) Encode(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func (YAML) Decode(r io.Reader) (any, error) {
	var v any
	if err := yaml.NewDecoder(r).Decode(&v); err != nil {
		return nil, err
	}
	if m, ok := v.(map[string]any); ok {
		return pipeline.Record(m), nil
	}
	return v, nil
}

// NPY stores numeric arrays in the NumPy .npy format. Encode accepts the
// slice types supported by npyio and gonum matrices; [][]float64 is stored
// as a 2-D array. Decode returns a *mat.Dense for 2-D float arrays and a
// flat slice of the stored element type otherwise.
type NPY struct{}

func (NPY) Encode(w io.Writer, v any) error {
	if rows, ok := v.([][]float64); ok {
		m, err := denseFromRows(rows)
		if err != nil {
			return err
		}
		v = m
	}
	return npyio.Write(w, v)
}

func (NPY) Decode(r io.Reader) (any, error) {
	rd, err := npyio.NewReader(r)
	if err != nil {
		return nil, err
	}
	shape := rd.Header.Descr.Shape
	dtype := rd.Header.Descr.Type
	if len(shape) == 2 && (dtype == "<f8" || dtype == "<f4") {
		var m mat.Dense
		if err := rd.Read(&m); err != nil {
			return nil, err
		}
		return &m, nil
	}
	switch dtype {
	case "<f8":
		var xs []float64
		err = rd.Read(&xs)
		return xs, err
	case "<f4":
		var xs []float32
		err = rd.Read(&xs)
		return xs, err
	case "<i8":
		var xs []int64
		err = rd.Read(&xs)
		return xs, err
	case "<i4":
		var xs []int32
		err = rd.Read(&xs)
		return xs, err
	case "|b1":
		var xs []bool
		err = rd.Read(&xs)
		return xs, err
	default:
		return nil, fmt.Errorf("npy: unsupported dtype %q", dtype)
	}
}

func denseFromRows(rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("npy: empty 2-D array")
	}
	cols := len(rows[0])
	data := make([]float64, 0, len(rows)*cols)
	for i, row := range rows {
		if len(row) != cols {
			return nil, fmt.Errorf("npy: ragged array, row %d has %d columns, want %d", i, len(row), cols)
		}
		data = append(data, row...)
	}
	return mat.NewDense(len(rows), cols, data), nil
}
