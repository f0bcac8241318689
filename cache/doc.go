// Package cache memoizes the output of every step of a pipeline on disk.
//
// A Store writes each step's output records under
//
//	<root>/<step_index>_<StepName>/<filename>.data_dict
//
// and replaces them with small pointer records {"cache": <file>,
// "previous_cache": <folder>}. When the next step (or the next run) sees a
// pointer it predicts, from the pointed-to filename, which files that step
// would have written; if a whole predicted group exists the step is skipped
// and pointers to the group are returned instead. Records without a pointer
// are matched by filenames predicted from their identifying fields (see
// DefaultCache.FilenameKeys).
//
// Install the cache with Middleware, or build a caching pipeline directly
// with NewPipeline. Resolve turns the pointer records a cached run returns
// back into full records.
package cache
