// Package loader produces the records a pipeline runs over.
//
// A Source yields records lazily through an iterator; sources that know their
// size implement Lener so runners can report progress. Slice serves records
// held in memory, Glob serves one {"path": ...} record per file matching a
// doublestar pattern, and BIDSPaths builds the patterns selecting recordings
// in a BIDS dataset:
//
//	src := loader.Glob{
//		Patterns: loader.NewBIDSPaths("/data/ds").Patterns(),
//		Key:      "data_path",
//	}
//	for rec, err := range src.All(ctx) { ... }
package loader
