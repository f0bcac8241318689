package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"gopkg.in/yaml.v3"

	"github.com/dcshock/brainpipe/cache"
	"github.com/dcshock/brainpipe/pipeline"
	"github.com/dcshock/brainpipe/save"
)

func quietOpts() *BuildOptions {
	l, _ := test.NewNullLogger()
	return &BuildOptions{Logger: l}
}

// counting registers "Scale", which multiplies the "n" field by params.factor.
func counting(calls *int) *Registry {
	reg := NewStandardRegistry()
	reg.Register("Scale", func(params map[string]any) (pipeline.Step, error) {
		var p struct {
			Factor int `yaml:"factor"`
		}
		if err := DecodeParams(params, &p); err != nil {
			return nil, err
		}
		if p.Factor == 0 {
			p.Factor = 1
		}
		return pipeline.Map("Scale", func(_ context.Context, rec pipeline.Record) (pipeline.Record, error) {
			*calls++
			rec["n"] = rec["n"].(int) * p.Factor
			return rec, nil
		}), nil
	})
	return reg
}

// --- Registry ---

func TestRegistry_RegisterGet(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterStep("id", pipeline.Identity())
	f, ok := reg.Get("id")
	if !ok || f == nil {
		t.Fatal("Get(id) should return factory")
	}
	step, err := f(nil)
	if err != nil || step == nil {
		t.Fatalf("factory: %v %v", step, err)
	}
	_, ok = reg.Get("missing")
	if ok {
		t.Error("Get(missing) should return false")
	}
}

func TestRegistry_MustGet_Panic(t *testing.T) {
	reg := NewRegistry()
	defer func() {
		if r := recover(); r == nil {
			t.Error("MustGet missing should panic")
		}
	}()
	reg.MustGet("nope")
}

func TestRegistry_Build(t *testing.T) {
	reg := NewRegistry()
	reg.Register("broken", func(map[string]any) (pipeline.Step, error) { return nil, errors.New("bad params") })
	if _, err := reg.Build("nope", nil); !pipeline.IsConfigError(err) {
		t.Errorf("unknown step: expected ConfigError, got %v", err)
	}
	if _, err := reg.Build("broken", nil); !pipeline.IsConfigError(err) {
		t.Errorf("factory error: expected ConfigError, got %v", err)
	}
}

func TestRegistry_NamesSorted(t *testing.T) {
	got := fmt.Sprint(NewStandardRegistry().Names())
	if got != "[Constant Identity MidSplit SequentialSplit Split]" {
		t.Errorf("names: %s", got)
	}
}

// --- Parsing ---

func TestParsePipelineConfig_Simple(t *testing.T) {
	yaml := `
name: test-pipeline
steps:
  - LoadEEG
  - Resample
  - Envelope
`
	cfg, err := ParsePipelineConfig([]byte(yaml))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Name != "test-pipeline" {
		t.Errorf("name: got %q", cfg.Name)
	}
	if len(cfg.Steps) != 3 {
		t.Fatalf("steps: got %d", len(cfg.Steps))
	}
	if cfg.Steps[0].Name != "LoadEEG" || cfg.Steps[1].Name != "Resample" || cfg.Steps[2].Name != "Envelope" {
		t.Errorf("step names: %v", cfg.Steps)
	}
	if cfg.Save != nil || cfg.Cache != nil {
		t.Errorf("save/cache should be unset: %+v %+v", cfg.Save, cfg.Cache)
	}
}

func TestParsePipelineConfig_WithOptions(t *testing.T) {
	yaml := `
name: with-retry
on_error: continue
steps:
  - LoadEEG
  - name: Resample
    params: {frequency: 64}
    copy_record: true
    retry: exponential
    timeout: 60s
    initial: 5s
    max_attempts: 5
save:
  root: /out
  to_save: {eeg: data}
  clear_output: true
cache:
  root: /cache
  filename_keys: [eeg_path, stimuli/stimulus_path]
  folders: {Resample: resampled}
`
	cfg, err := ParsePipelineConfig([]byte(yaml))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.OnError != "continue" || len(cfg.Steps) != 2 {
		t.Fatalf("config: %+v", cfg)
	}
	s1 := cfg.Steps[1]
	if s1.Name != "Resample" || s1.Retry != "exponential" || s1.MaxAttempts != 5 || !s1.CopyRecord {
		t.Errorf("step 1: %+v", s1)
	}
	if s1.Params["frequency"] != 64 {
		t.Errorf("params: %v", s1.Params)
	}
	if s1.Timeout.Duration() != 60*time.Second || s1.Initial.Duration() != 5*time.Second {
		t.Errorf("timeout/initial: %v %v", s1.Timeout, s1.Initial)
	}
	if cfg.Save == nil || cfg.Save.Root != "/out" || cfg.Save.ToSave["eeg"] != "data" || !cfg.Save.ClearOutput {
		t.Errorf("save: %+v", cfg.Save)
	}
	if cfg.Cache == nil || len(cfg.Cache.FilenameKeys) != 2 || cfg.Cache.Folders["Resample"] != "resampled" {
		t.Errorf("cache: %+v", cfg.Cache)
	}
}

func TestDuration_Unmarshal(t *testing.T) {
	data := []byte("initial: 30s")
	var s struct {
		Initial Duration `yaml:"initial"`
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		t.Fatal(err)
	}
	if s.Initial.Duration() != 30*time.Second {
		t.Errorf("got %v", s.Initial.Duration())
	}
	if err := yaml.Unmarshal([]byte("initial: soon"), &s); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestParseMultiPipelineConfig(t *testing.T) {
	yaml := `
pipelines:
  eeg:
    name: eeg
    steps: [LoadEEG, Resample]
  envelope:
    steps: [LoadAudio, Envelope]
`
	multi, err := ParseMultiPipelineConfig([]byte(yaml))
	if err != nil {
		t.Fatal(err)
	}
	if len(multi.Pipelines) != 2 {
		t.Fatalf("pipelines: got %d", len(multi.Pipelines))
	}
	if multi.Pipelines["eeg"].Name != "eeg" || len(multi.Pipelines["eeg"].Steps) != 2 {
		t.Errorf("eeg: %+v", multi.Pipelines["eeg"])
	}
	if multi.Pipelines["envelope"].Name != "" {
		t.Errorf("envelope name should be empty in raw config: %q", multi.Pipelines["envelope"].Name)
	}
}

// --- Building ---

func TestBuildPipeline_NoRetry(t *testing.T) {
	calls := 0
	reg := counting(&calls)
	cfg := &PipelineConfig{
		Name:  "math",
		Steps: []StepRef{{Name: "Identity"}, {Name: "Scale", Params: map[string]any{"factor": 2}}},
	}
	p, err := BuildPipeline(context.Background(), reg, cfg, quietOpts())
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "math" || len(p.Steps) != 2 {
		t.Fatalf("pipeline: %+v", p)
	}
	out, err := p.Run(context.Background(), pipeline.Record{"n": 21})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0]["n"] != 42 {
		t.Errorf("expected n=42, got %v", out)
	}
}

func TestBuildPipeline_ConfigErrors(t *testing.T) {
	reg := NewStandardRegistry()
	for name, cfg := range map[string]*PipelineConfig{
		"unknown step":  {Steps: []StepRef{{Name: "Identity"}, {Name: "not-registered"}}},
		"missing name":  {Steps: []StepRef{{}}},
		"error mode":    {OnError: "ignore", Steps: []StepRef{{Name: "Identity"}}},
		"retry kind":    {Steps: []StepRef{{Name: "Identity", Retry: "sometimes"}}},
		"cache key":     {Cache: &CacheConfig{Root: t.TempDir(), FilenameKeys: []string{"a/b/c"}}},
		"save root":     {Save: &SaveConfig{}},
		"split params":  {Steps: []StepRef{{Name: "SequentialSplit"}}},
		"split missing": {Steps: []StepRef{{Name: "Split"}}},
	} {
		_, err := BuildPipeline(context.Background(), reg, cfg, quietOpts())
		if !pipeline.IsConfigError(err) {
			t.Errorf("%s: expected ConfigError, got %v", name, err)
		}
	}
}

func TestBuildPipeline_Retry(t *testing.T) {
	reg := NewRegistry()
	calls := 0
	reg.RegisterStep("Flaky", pipeline.Map("Flaky", func(_ context.Context, rec pipeline.Record) (pipeline.Record, error) {
		calls++
		if calls < 3 {
			return nil, pipeline.RetryableErr(errors.New("transient"))
		}
		return rec, nil
	}))
	cfg := &PipelineConfig{
		Name:    "retry-pipeline",
		OnError: "raise",
		Steps:   []StepRef{{Name: "Flaky", Retry: "fixed", Initial: Duration(time.Millisecond), MaxAttempts: 3}},
	}
	p, err := BuildPipeline(context.Background(), reg, cfg, quietOpts())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Run(context.Background(), pipeline.Record{}); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Errorf("calls: got %d, want 3", calls)
	}
}

func TestBuildPipeline_CopyRecord(t *testing.T) {
	calls := 0
	reg := counting(&calls)
	cfg := &PipelineConfig{Steps: []StepRef{{Name: "Scale", Params: map[string]any{"factor": 3}, CopyRecord: true}}}
	p, err := BuildPipeline(context.Background(), reg, cfg, quietOpts())
	if err != nil {
		t.Fatal(err)
	}
	in := pipeline.Record{"n": 2}
	out, err := p.Steps[0].Apply(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if in["n"] != 2 || out[0]["n"] != 6 {
		t.Errorf("input %v, output %v", in, out)
	}
	if pipeline.StepName(p.Steps[0]) != "Scale" {
		t.Errorf("name: %s", pipeline.StepName(p.Steps[0]))
	}
}

func TestBuildPipeline_SaveResumes(t *testing.T) {
	root := t.TempDir()
	calls := 0
	reg := counting(&calls)
	cfg := &PipelineConfig{
		Steps: []StepRef{{Name: "Scale", Params: map[string]any{"factor": 2}}},
		Save:  &SaveConfig{Root: root},
	}
	for run := 0; run < 2; run++ {
		p, err := BuildPipeline(context.Background(), reg, cfg, quietOpts())
		if err != nil {
			t.Fatal(err)
		}
		if len(p.Steps) != 2 {
			t.Fatalf("steps: got %d", len(p.Steps))
		}
		out, err := p.Run(context.Background(), pipeline.Record{"data_path": "/d/sub-01_eeg.bdf", "n": 21})
		if err != nil {
			t.Fatal(err)
		}
		if len(out) != 1 || fmt.Sprint(out[0]["n"]) != "42" {
			t.Fatalf("run %d: %v", run, out)
		}
	}
	if calls != 1 {
		t.Errorf("Scale ran %d times, want 1", calls)
	}
	if _, err := os.Stat(filepath.Join(root, "sub-01_eeg.data_dict")); err != nil {
		t.Error(err)
	}
}

func TestBuildPipeline_EmptyToSaveSavesWholeRecord(t *testing.T) {
	root := t.TempDir()
	cfg, err := ParsePipelineConfig([]byte(fmt.Sprintf(`
steps: [Scale]
save:
  root: %q
  to_save: {}
`, root)))
	if err != nil {
		t.Fatal(err)
	}
	calls := 0
	reg := counting(&calls)
	for run := 0; run < 2; run++ {
		p, err := BuildPipeline(context.Background(), reg, cfg, quietOpts())
		if err != nil {
			t.Fatal(err)
		}
		if _, err := p.Run(context.Background(), pipeline.Record{"data_path": "/d/sub-01_eeg.bdf", "n": 1}); err != nil {
			t.Fatal(err)
		}
	}
	if calls != 1 {
		t.Errorf("Scale ran %d times, want 1", calls)
	}
	if _, err := os.Stat(filepath.Join(root, "sub-01_eeg.data_dict")); err != nil {
		t.Error(err)
	}
}

func TestBuildPipeline_WrappedSaveIsConfigError(t *testing.T) {
	root := t.TempDir()
	reg := NewStandardRegistry()
	reg.Register("Checkpoint", func(map[string]any) (pipeline.Step, error) {
		return save.New(context.Background(), root)
	})
	for name, ref := range map[string]StepRef{
		"copy_record": {Name: "Checkpoint", CopyRecord: true},
		"timeout":     {Name: "Checkpoint", Timeout: Duration(time.Second)},
		"retry":       {Name: "Checkpoint", Retry: "fixed"},
	} {
		_, err := BuildPipeline(context.Background(), reg, &PipelineConfig{Steps: []StepRef{ref}}, quietOpts())
		if !pipeline.IsConfigError(err) {
			t.Errorf("%s: expected config error, got %v", name, err)
		}
	}

	p, err := BuildPipeline(context.Background(), reg, &PipelineConfig{Steps: []StepRef{{Name: "Checkpoint"}}}, quietOpts())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.Steps[0].(pipeline.Saver); !ok {
		t.Errorf("unwrapped step lost its Saver capability: %T", p.Steps[0])
	}
}

type folderedStep struct{ pipeline.Step }

func (folderedStep) Name() string        { return "Foldered" }
func (folderedStep) CacheFolder() string { return "custom" }

func TestBuildPipeline_WrappedStepKeepsCacheFolder(t *testing.T) {
	reg := NewStandardRegistry()
	reg.Register("Foldered", func(map[string]any) (pipeline.Step, error) {
		return folderedStep{pipeline.Identity()}, nil
	})
	cfg := &PipelineConfig{Steps: []StepRef{{Name: "Foldered", CopyRecord: true, Timeout: Duration(time.Second)}}}
	p, err := BuildPipeline(context.Background(), reg, cfg, quietOpts())
	if err != nil {
		t.Fatal(err)
	}
	f, ok := p.Steps[0].(cache.Folderer)
	if !ok || f.CacheFolder() != "custom" {
		t.Fatalf("wrapped step lost its cache folder: %T", p.Steps[0])
	}
	if got := cache.NewDefaultCache().Folder(p.Steps[0], 0); got != "custom" {
		t.Errorf("folder: %s", got)
	}
	if pipeline.StepName(p.Steps[0]) != "Foldered" {
		t.Errorf("name: %s", pipeline.StepName(p.Steps[0]))
	}
}

func TestBuildPipeline_Cache(t *testing.T) {
	root := t.TempDir()
	calls := 0
	reg := counting(&calls)
	cfg := &PipelineConfig{
		Steps: []StepRef{{Name: "Scale"}},
		Cache: &CacheConfig{Root: root, Folders: map[string]string{"Scale": "scaled"}},
	}
	for run := 0; run < 2; run++ {
		p, err := BuildPipeline(context.Background(), reg, cfg, quietOpts())
		if err != nil {
			t.Fatal(err)
		}
		if _, err := p.Run(context.Background(), pipeline.Record{"eeg_path": "/d/e.bdf", "n": 1}); err != nil {
			t.Fatal(err)
		}
	}
	if calls != 1 {
		t.Errorf("Scale ran %d times, want 1", calls)
	}
	if _, err := os.Stat(filepath.Join(root, "scaled", "e.data_dict")); err != nil {
		t.Error(err)
	}
}

func TestBuildPipeline_SplitFromYAML(t *testing.T) {
	cfg, err := ParsePipelineConfig([]byte(`
steps:
  - name: SequentialSplit
    params:
      feature_mapping: {env: env}
      split_fractions: [3, 1]
      split_names: [train, test]
`))
	if err != nil {
		t.Fatal(err)
	}
	p, err := BuildPipeline(context.Background(), NewStandardRegistry(), cfg, quietOpts())
	if err != nil {
		t.Fatal(err)
	}
	out, err := p.Run(context.Background(), pipeline.Record{"env": []float64{0, 1, 2, 3}})
	if err != nil {
		t.Fatal(err)
	}
	sets := out[0]["env"].(map[string]any)
	if fmt.Sprint(sets["train"]) != "[0 1 2]" || fmt.Sprint(sets["test"]) != "[3]" {
		t.Errorf("sets: %v", sets)
	}
}

func TestBuildAllPipelines(t *testing.T) {
	calls := 0
	reg := counting(&calls)

	yaml := `
pipelines:
  math:
    name: math
    steps: [Identity, {name: Scale, params: {factor: 2}}]
  copy:
    steps: [Identity]
`
	multi, err := ParseMultiPipelineConfig([]byte(yaml))
	if err != nil {
		t.Fatal(err)
	}
	pipelines, err := BuildAllPipelines(context.Background(), reg, multi, quietOpts())
	if err != nil {
		t.Fatal(err)
	}
	if len(pipelines) != 2 {
		t.Fatalf("got %d pipelines", len(pipelines))
	}
	// "copy" had no name in YAML; BuildAllPipelines uses map key
	if p := pipelines["copy"]; p == nil || p.Name != "copy" {
		t.Errorf("copy pipeline: %+v", p)
	}
	out, err := pipelines["math"].Run(context.Background(), pipeline.Record{"n": 10})
	if err != nil {
		t.Fatal(err)
	}
	if out[0]["n"] != 20 {
		t.Errorf("math pipeline: expected 20, got %v", out[0]["n"])
	}
}

// --- Settings ---

func TestLoadSettings_Defaults(t *testing.T) {
	s, err := LoadSettings(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if s.Workers != -1 || s.Log.Level != "info" || s.Log.Format != "text" || !s.FileLocks {
		t.Errorf("defaults: %+v", s)
	}
}

func TestLoadSettings_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	data := []byte("workers: 4\nlog:\n  level: debug\n  format: json\npipelines: eeg.yaml\n")
	if err := os.WriteFile(filepath.Join(dir, "brainpipe.yaml"), data, 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BRAINPIPE_WORKERS", "2")

	s, err := LoadSettings(dir)
	if err != nil {
		t.Fatal(err)
	}
	if s.Workers != 2 {
		t.Errorf("env override: workers %d", s.Workers)
	}
	if s.Log.Level != "debug" || s.Pipelines != "eeg.yaml" {
		t.Errorf("file: %+v", s)
	}
	if s.Env().PoolSize() != 2 {
		t.Errorf("pool size: %d", s.Env().PoolSize())
	}

	l := logrus.New()
	if err := s.ConfigureLogging(l); err != nil {
		t.Fatal(err)
	}
	if l.GetLevel() != logrus.DebugLevel {
		t.Errorf("level: %v", l.GetLevel())
	}
	if _, ok := l.Formatter.(*logrus.JSONFormatter); !ok {
		t.Errorf("formatter: %T", l.Formatter)
	}

	s.Log.Format = "xml"
	if err := s.ConfigureLogging(l); err == nil {
		t.Error("expected error for unknown format")
	}
}
