// Package observer provides pipeline.Observer implementations and a resumer
// for runs that did not complete.
//
//   - LogObserver: logs runs and steps through logrus.
//   - SQLObserver: persists each pipeline run and its steps (pipeline_run,
//     pipeline_run_step) through a Store, for monitoring and resumption.
//     SQLiteStore (database/sql, go-sqlite3) suits a single workstation;
//     PostgresStore (pgxpool) a shared database. Call Migrate once to create
//     the tables.
//   - Resumer: finds runs that failed or swallowed step errors and runs their
//     input records through the pipeline again. Pipelines ending in a Saver
//     skip the work that was already saved.
//
// Run status:
//
// A run is "running" until AfterRun. It ends "success", "failed" when the
// run returned an error, or "incomplete" when a step failed but the error
// mode (Stop, Continue) let the run return normally. Resumer.RunIncomplete
// marks the runs it retried "resumed".
//
// Records are stored as JSON. Values that are not JSON scalars, lists or
// maps (arrays, matrices) are replaced by their type name, so the input of a
// run is only resumable when its records hold plain values such as paths.
package observer
