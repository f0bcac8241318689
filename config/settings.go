package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/dcshock/brainpipe/coord"
)

// Settings holds the runner settings.
type Settings struct {
	// Workers is the pool size: -1 for one per CPU, 0 for sequential.
	Workers int `mapstructure:"workers"`
	Log     struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	// FileLocks guards metadata files against other processes too.
	FileLocks bool `mapstructure:"file_locks"`
	// Pipelines is the path of the pipeline definitions file.
	Pipelines string `mapstructure:"pipelines"`
}

// LoadSettings reads brainpipe.yaml from path (a file, or a directory to
// search; "" searches "." and "./config") and applies BRAINPIPE_*
// environment overrides, e.g. BRAINPIPE_LOG_LEVEL. When searching, a missing
// file is not an error and defaults are used.
func LoadSettings(path string) (*Settings, error) {
	v := viper.New()
	v.SetDefault("workers", -1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("file_locks", true)
	v.SetDefault("pipelines", "pipelines.yaml")

	v.SetConfigType("yaml")
	switch {
	case strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml"):
		v.SetConfigFile(path)
	case path != "":
		v.SetConfigName("brainpipe")
		v.AddConfigPath(path)
	default:
		v.SetConfigName("brainpipe")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("BRAINPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read settings: %w", err)
		}
	}
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	return &s, nil
}

// Env returns an execution context for the settings.
func (s *Settings) Env() *coord.Env {
	return coord.NewEnv(s.Workers, coord.WithFileLocks(s.FileLocks))
}

// ConfigureLogging applies the log level and format to l.
func (s *Settings) ConfigureLogging(l *logrus.Logger) error {
	level, err := logrus.ParseLevel(s.Log.Level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	l.SetLevel(level)
	switch s.Log.Format {
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("log format %q not supported (use \"text\" or \"json\")", s.Log.Format)
	}
	return nil
}
