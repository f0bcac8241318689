package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// PipelineConfig is the root structure for a pipeline definition (e.g. from YAML).
type PipelineConfig struct {
	Name string `yaml:"name"`
	// OnError is "continue", "stop" or "raise"; empty means stop.
	OnError    string    `yaml:"on_error"`
	HistoryKey string    `yaml:"history_key"`
	Steps      []StepRef `yaml:"steps"`
	// Save appends a DefaultSave after the steps.
	Save *SaveConfig `yaml:"save"`
	// Cache memoizes every step on disk.
	Cache *CacheConfig `yaml:"cache"`
}

// StepRef is a single step entry: either a plain name or name + options.
// In YAML, a step can be written as:
//   - Identity
//   - name: LoadEEG
//     params: {channels: 64}
//     copy_record: true
//     retry: exponential
//     timeout: 60s
type StepRef struct {
	Name   string         `yaml:"name"`
	Params map[string]any `yaml:"params"`

	// CopyRecord hands the step a deep copy of its input record.
	CopyRecord bool `yaml:"copy_record"`

	// Retry: "exponential" | "fixed" | "" (no retry)
	Retry string `yaml:"retry"`

	// Timeout applied around each attempt of the step (e.g. "60s").
	Timeout Duration `yaml:"timeout"`

	// For retry: initial backoff ("exponential") or fixed delay ("fixed")
	Initial Duration `yaml:"initial"`

	// For exponential retry: multiplier (default 2), cap (e.g. "5m"), max attempts
	Multiplier  float64  `yaml:"multiplier"`
	Cap         Duration `yaml:"cap"`
	MaxAttempts int      `yaml:"max_attempts"`
}

// UnmarshalYAML allows a step to be a string (step name only) or a struct.
func (s *StepRef) UnmarshalYAML(value *yaml.Node) error {
	var nameOnly string
	if err := value.Decode(&nameOnly); err == nil {
		s.Name = nameOnly
		return nil
	}
	type raw StepRef
	return value.Decode((*raw)(s))
}

// SaveConfig configures the DefaultSave appended to a pipeline.
type SaveConfig struct {
	Root string `yaml:"root"`
	// ToSave maps feature names to record keys; empty saves whole records.
	ToSave           map[string]string `yaml:"to_save"`
	Overwrite        bool              `yaml:"overwrite"`
	ClearOutput      bool              `yaml:"clear_output"`
	MetadataFilename string            `yaml:"metadata_filename"`
	Separator        string            `yaml:"separator"`
	PathKeys         []string          `yaml:"path_keys"`
	OtherKeys        []string          `yaml:"other_keys"`
}

// CacheConfig configures step caching.
type CacheConfig struct {
	Root string `yaml:"root"`
	// FilenameKeys are "name" or "list/sub" keys.
	FilenameKeys []string `yaml:"filename_keys"`
	Separator    string   `yaml:"separator"`
	Overwrite    bool     `yaml:"overwrite"`
	// Folders overrides cache folders by default folder name or step name.
	Folders map[string]string `yaml:"folders"`
}

// Duration is a time.Duration that unmarshals from YAML strings (e.g. "60s", "5m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the standard time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// ParsePipelineConfig parses YAML bytes into a single PipelineConfig.
func ParsePipelineConfig(data []byte) (*PipelineConfig, error) {
	var cfg PipelineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MultiPipelineConfig is the root structure for a file that defines multiple pipelines.
// Top-level key is "pipelines"; each value is a pipeline (name + steps).
type MultiPipelineConfig struct {
	Pipelines map[string]PipelineConfig `yaml:"pipelines"`
}

// ParseMultiPipelineConfig parses YAML bytes that contain a "pipelines" map from name to pipeline config.
// Example YAML:
//
//	pipelines:
//	  eeg:
//	    name: eeg
//	    steps: [LoadEEG, Resample]
//	  envelope:
//	    steps: [LoadAudio, Envelope]
func ParseMultiPipelineConfig(data []byte) (*MultiPipelineConfig, error) {
	var cfg MultiPipelineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
