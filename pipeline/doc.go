// Package pipeline runs brain-signal records through an ordered list of steps.
// A Record is an open key-value map; a Step turns one record into one or more
// records (fan-out). Pipeline.Run flattens fan-out between steps and appends a
// StepInfo to every output record's history key (default "previous_steps") for
// each step executed on it.
//
// # Error modes
//
// ErrorMode decides what happens when a step fails: Continue swallows the
// error and passes the unmodified input on (the history still records the
// failed step), Stop logs the error through the ErrorHandler and returns the
// input records, Raise returns the error. Configuration errors (ConfigError)
// are returned in every mode. SetOnError rejects unknown modes immediately.
//
// # Resuming from a Saver
//
// Any step implementing Saver is a checkpoint. Before running, the pipeline
// scans its steps from the end and stops at the first Saver that reports
// IsAlreadyDone for every input record:
//
//   - if every record is also reloadable there (and the Saver keeps its
//     output), the records are reloaded and only the steps after the Saver run;
//   - if the Saver is the last step and no record is reloadable, the run is
//     complete: the result is one empty record per input when the Saver clears
//     its output, else the unmodified inputs (logged as a warning);
//   - otherwise the scan continues with the previous Saver.
//
// Step indices in history and in Observer hooks are global: a resumed run
// starts counting at the index of the first step it actually executes.
//
// # Middleware and observers
//
// WithMiddleware wraps the step runner; the cache package uses it to memoize
// the output of every step on disk. WithObserver attaches BeforeRun/AfterRun
// and BeforeStep/AfterStep hooks (see the observer package for DB-backed
// implementations); a run ID is generated with uuid for every observed run and
// is available to steps through RunIDFromContext.
//
// For steps that can fail transiently, wrap them with Retry(step, policy).
// Use RetryableErr(err) and policy.ShouldRetry = IsRetryable to retry only
// marked errors.
package pipeline
