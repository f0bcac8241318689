package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dcshock/brainpipe/cache"
	"github.com/dcshock/brainpipe/coord"
	"github.com/dcshock/brainpipe/pipeline"
	"github.com/dcshock/brainpipe/save"
)

// BuildOptions configures how a pipeline is built from config.
type BuildOptions struct {
	// Env provides the locks shared by Save steps. Nil means a fresh sequential Env.
	Env *coord.Env

	// Observer is attached to every built pipeline.
	Observer pipeline.Observer

	// Logger defaults to logrus.StandardLogger().
	Logger logrus.FieldLogger
}

func (o *BuildOptions) env() *coord.Env {
	if o == nil || o.Env == nil {
		return coord.Local()
	}
	return o.Env
}

func (o *BuildOptions) logger() logrus.FieldLogger {
	if o == nil || o.Logger == nil {
		return logrus.StandardLogger()
	}
	return o.Logger
}

// BuildPipeline builds a pipeline.Pipeline from config and registry. Step names in config must be registered.
// A configured Save is appended as the last step; a configured Cache wraps every step.
func BuildPipeline(ctx context.Context, reg *Registry, cfg *PipelineConfig, opts *BuildOptions) (*pipeline.Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	steps := make([]pipeline.Step, 0, len(cfg.Steps)+1)
	for i, ref := range cfg.Steps {
		if ref.Name == "" {
			return nil, pipeline.ConfigErrorf("step %d: name required", i)
		}
		step, err := reg.Build(ref.Name, ref.Params)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		step, err = wrapStep(step, ref)
		if err != nil {
			return nil, fmt.Errorf("step %d (%q): %w", i, ref.Name, err)
		}
		steps = append(steps, step)
	}
	if cfg.Save != nil {
		s, err := buildSave(ctx, cfg.Save, opts)
		if err != nil {
			return nil, fmt.Errorf("save: %w", err)
		}
		steps = append(steps, s)
	}

	popts := []pipeline.Option{pipeline.WithLogger(opts.logger())}
	if cfg.Name != "" {
		popts = append(popts, pipeline.WithName(cfg.Name))
	}
	if cfg.OnError != "" {
		mode, err := pipeline.ParseErrorMode(cfg.OnError)
		if err != nil {
			return nil, err
		}
		popts = append(popts, pipeline.WithOnError(mode))
	}
	historyKey := pipeline.DefaultHistoryKey
	if cfg.HistoryKey != "" {
		historyKey = cfg.HistoryKey
		popts = append(popts, pipeline.WithHistoryKey(historyKey))
	}
	if opts != nil && opts.Observer != nil {
		popts = append(popts, pipeline.WithObserver(opts.Observer))
	}
	if cfg.Cache == nil {
		return pipeline.New(steps, popts...)
	}
	store, err := buildCache(cfg.Cache, historyKey, opts)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	return cache.NewPipeline(steps, store, cfg.Cache.Overwrite, popts...)
}

func buildSave(ctx context.Context, cfg *SaveConfig, opts *BuildOptions) (*save.DefaultSave, error) {
	if cfg.Root == "" {
		return nil, pipeline.ConfigErrorf("root required")
	}
	fn := save.NewDefaultFilename()
	if cfg.Separator != "" {
		fn.Separator = cfg.Separator
	}
	if len(cfg.PathKeys) > 0 {
		fn.PathKeys = cfg.PathKeys
	}
	if cfg.OtherKeys != nil {
		fn.OtherKeys = cfg.OtherKeys
	}
	sopts := []save.Option{
		save.WithOverwrite(cfg.Overwrite),
		save.WithClearOutput(cfg.ClearOutput),
		save.WithFilenameFunc(fn.Filename),
		save.WithLocks(opts.env().Locks),
		save.WithLogger(opts.logger()),
	}
	if len(cfg.ToSave) > 0 {
		sopts = append(sopts, save.WithFeatures(cfg.ToSave))
	}
	if cfg.MetadataFilename != "" {
		sopts = append(sopts, save.WithMetadataFilename(cfg.MetadataFilename))
	}
	return save.New(ctx, cfg.Root, sopts...)
}

func buildCache(cfg *CacheConfig, historyKey string, opts *BuildOptions) (*cache.Store, error) {
	if cfg.Root == "" {
		return nil, pipeline.ConfigErrorf("root required")
	}
	c := cache.NewDefaultCache()
	if len(cfg.FilenameKeys) > 0 {
		keys := make([]cache.Key, len(cfg.FilenameKeys))
		for i, s := range cfg.FilenameKeys {
			k, err := cache.ParseKey(s)
			if err != nil {
				return nil, err
			}
			keys[i] = k
		}
		c.FilenameKeys = keys
	}
	if cfg.Separator != "" {
		c.Separator = cfg.Separator
	}
	c.FolderOverrides = cfg.Folders
	return cache.NewStore(cfg.Root, c,
		cache.WithHistoryKey(historyKey),
		cache.WithLogger(opts.logger()),
	)
}

// wrapStep applies the copy_record, timeout and retry settings of ref. A
// Saver can't be wrapped: the pipeline would no longer see it as a
// checkpoint. A step's own cache folder is kept.
func wrapStep(s pipeline.Step, ref StepRef) (pipeline.Step, error) {
	if !ref.CopyRecord && ref.Timeout <= 0 && ref.Retry == "" {
		return s, nil
	}
	if _, ok := s.(pipeline.Saver); ok {
		return nil, pipeline.ConfigErrorf("%s is a Save step and can't be wrapped", pipeline.StepName(s))
	}
	w, err := wrap(s, ref)
	if err != nil {
		return nil, err
	}
	if f, ok := s.(cache.Folderer); ok {
		return &folderStep{Step: w, folder: f.CacheFolder()}, nil
	}
	return w, nil
}

// folderStep carries the cache folder of a step through its wrappers.
type folderStep struct {
	pipeline.Step
	folder string
}

func (f *folderStep) Name() string             { return pipeline.StepName(f.Step) }
func (f *folderStep) Describe() map[string]any { return pipeline.Describe(f.Step) }
func (f *folderStep) CacheFolder() string      { return f.folder }

func wrap(s pipeline.Step, ref StepRef) (pipeline.Step, error) {
	if ref.CopyRecord {
		s = copyRecord(s)
	}
	if ref.Timeout > 0 {
		s = pipeline.WithTimeout(s, ref.Timeout.Duration())
	}
	if ref.Retry == "" {
		return s, nil
	}
	initial := ref.Initial.Duration()
	if initial <= 0 {
		initial = time.Second
	}
	attempts := ref.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	switch ref.Retry {
	case "fixed":
		return pipeline.Retry(s, pipeline.RetryPolicy{
			MaxAttempts: attempts,
			Initial:     initial,
			ShouldRetry: pipeline.IsRetryable,
		}), nil
	case "exponential":
		policy := pipeline.RetryPolicy{
			MaxAttempts: attempts,
			Initial:     initial,
			Multiplier:  2,
			Cap:         ref.Cap.Duration(),
			ShouldRetry: pipeline.IsRetryable,
		}
		if ref.Multiplier > 0 {
			policy.Multiplier = ref.Multiplier
		}
		return pipeline.Retry(s, policy), nil
	default:
		return nil, pipeline.ConfigErrorf("retry %q not supported (use \"fixed\" or \"exponential\")", ref.Retry)
	}
}

// copyRecord keeps the step's name and params but hands it a deep copy of
// each input record.
func copyRecord(s pipeline.Step) pipeline.Step {
	return pipeline.Func(pipeline.StepName(s), func(ctx context.Context, rec pipeline.Record) ([]pipeline.Record, error) {
		return s.Apply(ctx, pipeline.Clone(rec))
	}, pipeline.Params(pipeline.Describe(s)))
}

// BuildAllPipelines builds a pipeline.Pipeline for each entry in multi. Keys are pipeline names.
// If a pipeline config's Name is empty, the map key is used as the pipeline name.
func BuildAllPipelines(ctx context.Context, reg *Registry, multi *MultiPipelineConfig, opts *BuildOptions) (map[string]*pipeline.Pipeline, error) {
	if multi == nil {
		return nil, fmt.Errorf("MultiPipelineConfig is nil")
	}
	out := make(map[string]*pipeline.Pipeline, len(multi.Pipelines))
	for name, cfg := range multi.Pipelines {
		if cfg.Name == "" {
			cfg.Name = name
		}
		p, err := BuildPipeline(ctx, reg, &cfg, opts)
		if err != nil {
			return nil, fmt.Errorf("pipeline %q: %w", name, err)
		}
		out[name] = p
	}
	return out, nil
}
