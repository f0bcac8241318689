// Package runner drives pipelines over their data sources.
//
// Each Job pairs a Source with a pipeline; the pipeline runs once per source
// record. Records are distributed over a pool of Env.PoolSize() goroutines
// (sequentially on the calling goroutine when the pool size is 0). Within one
// record the pipeline is strictly sequential. Results keep the order of the
// source regardless of completion order. An error returned by a pipeline
// (Raise mode, or a configuration error) cancels the remaining work of the
// run.
package runner
