package config

import (
	"github.com/dcshock/brainpipe/pipeline"
	"github.com/dcshock/brainpipe/split"
)

// NewStandardRegistry returns a registry holding the generic steps:
//
//	Identity         no params
//	Constant         params are set on every record
//	Split            key, as: fan out over a list field
//	SequentialSplit  feature_mapping, split_fractions, split_names, axis, standardize
//	MidSplit         same params as SequentialSplit
func NewStandardRegistry() *Registry {
	r := NewRegistry()
	r.RegisterStep("Identity", pipeline.Identity())
	r.Register("Constant", func(params map[string]any) (pipeline.Step, error) {
		return pipeline.Constant(pipeline.Record(params)), nil
	})
	r.Register("Split", func(params map[string]any) (pipeline.Step, error) {
		var p struct {
			Key string `yaml:"key"`
			As  string `yaml:"as"`
		}
		if err := DecodeParams(params, &p); err != nil {
			return nil, err
		}
		if p.Key == "" {
			return nil, pipeline.ConfigErrorf("Split: key required")
		}
		return pipeline.Split(p.Key, p.As), nil
	})
	r.Register("SequentialSplit", splitFactory(split.NewSequential))
	r.Register("MidSplit", splitFactory(split.NewMid))
	return r
}

type splitParams struct {
	FeatureMapping map[string]string `yaml:"feature_mapping"`
	SplitFractions []float64         `yaml:"split_fractions"`
	SplitNames     []string          `yaml:"split_names"`
	Axis           int               `yaml:"axis"`
	Standardize    bool              `yaml:"standardize"`
}

type splitConstructor func(map[string]string, []float64, []string, ...split.Option) (*split.Splitter, error)

func splitFactory(newSplit splitConstructor) Factory {
	return func(params map[string]any) (pipeline.Step, error) {
		var p splitParams
		if err := DecodeParams(params, &p); err != nil {
			return nil, err
		}
		opts := []split.Option{split.WithAxis(p.Axis)}
		if p.Standardize {
			opts = append(opts, split.WithOperation(split.NewStandardize))
		}
		return newSplit(p.FeatureMapping, p.SplitFractions, p.SplitNames, opts...)
	}
}
