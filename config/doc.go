// Package config provides a step registry and human-readable pipeline configuration.
//
// Register step factories by name, then define pipelines in YAML (or structs) that
// reference those names with params and optional modifiers (copy_record, retry,
// timeout), plus an optional trailing save and a step cache:
//
//	eeg:
//	  name: eeg
//	  on_error: continue
//	  steps:
//	    - LoadEEG
//	    - name: Resample
//	      params: {frequency: 64}
//	      copy_record: true
//	    - name: FetchAnnotations
//	      retry: exponential
//	      timeout: 60s
//	      initial: 5s
//	      max_attempts: 5
//	  save:
//	    root: /data/derivatives
//	    to_save: {eeg: data}
//	  cache:
//	    root: /data/cache
//
// Build a pipeline with BuildPipeline(ctx, registry, config, opts). Runner
// settings (pool size, logging) are read with LoadSettings from brainpipe.yaml
// and BRAINPIPE_* environment variables.
package config
