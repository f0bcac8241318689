package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorMode decides what a Pipeline does when a step returns an error.
type ErrorMode string

const (
	// Continue swallows the error, logs it and feeds the unmodified input
	// record to the next step.
	Continue ErrorMode = "continue"
	// Stop logs the error and ends the run, returning the input records.
	Stop ErrorMode = "stop"
	// Raise returns the error to the caller.
	Raise ErrorMode = "raise"
)

// ErrorModes lists the valid error modes.
var ErrorModes = []ErrorMode{Continue, Stop, Raise}

// ParseErrorMode validates s against the closed set of error modes.
func ParseErrorMode(s string) (ErrorMode, error) {
	for _, m := range ErrorModes {
		if string(m) == s {
			return m, nil
		}
	}
	names := make([]string, len(ErrorModes))
	for i, m := range ErrorModes {
		names[i] = string(m)
	}
	return "", ConfigErrorf("invalid error mode %q, must be one of %s", s, strings.Join(names, ", "))
}

// ConfigError marks a configuration mistake (invalid error mode, missing
// identifying fields, unsupported file suffix). Configuration errors are never
// swallowed by an error mode.
type ConfigError struct{ Err error }

func (e *ConfigError) Error() string { return e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }

// ConfigErrorf formats a ConfigError.
func ConfigErrorf(format string, args ...any) error {
	return &ConfigError{Err: fmt.Errorf(format, args...)}
}

func IsConfigError(err error) bool { return errors.As(err, new(*ConfigError)) }

// StepError wraps an error returned by the step at Index.
type StepError struct {
	Index int
	Name  string
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.Index, e.Name, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Retryable marks err as retryable. Use with RetryPolicy.ShouldRetry so only
// these errors trigger a retry (e.g. transient I/O failures), not permanent ones.
type Retryable struct{ Err error }

func (e *Retryable) Error() string { return e.Err.Error() }
func (e *Retryable) Unwrap() error { return e.Err }
func RetryableErr(err error) error { return &Retryable{Err: err} }
func IsRetryable(err error) bool   { return errors.As(err, new(*Retryable)) }
