package loader

import (
	"context"
	"fmt"
	"iter"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/dcshock/brainpipe/pipeline"
)

// Filter selects paths.
type Filter func(path string) bool

// Matching keeps paths matching a doublestar pattern. An invalid pattern
// matches nothing.
func Matching(pattern string) Filter {
	return func(path string) bool {
		ok, err := doublestar.PathMatch(pattern, path)
		return err == nil && ok
	}
}

// Not inverts f.
func Not(f Filter) Filter {
	return func(path string) bool { return !f(path) }
}

// Glob yields one record {Key: path} per file matching Patterns, pattern by
// pattern, in lexical order within a pattern. "**" matches any number of
// directories.
type Glob struct {
	Patterns []string
	// Key defaults to "path".
	Key     string
	Filters []Filter
	// MatchAny keeps a path when any filter passes instead of all.
	MatchAny bool
}

func (g Glob) key() string {
	if g.Key == "" {
		return "path"
	}
	return g.Key
}

func (g Glob) keep(path string) bool {
	if len(g.Filters) == 0 {
		return true
	}
	for _, f := range g.Filters {
		if f(path) == g.MatchAny {
			return g.MatchAny
		}
	}
	return !g.MatchAny
}

// Paths returns every matching path.
func (g Glob) Paths() ([]string, error) {
	var out []string
	for _, pattern := range g.Patterns {
		matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		sort.Strings(matches)
		for _, m := range matches {
			if g.keep(m) {
				out = append(out, m)
			}
		}
	}
	return out, nil
}

func (g Glob) All(ctx context.Context) iter.Seq2[pipeline.Record, error] {
	return func(yield func(pipeline.Record, error) bool) {
		key := g.key()
		for _, pattern := range g.Patterns {
			matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
			if err != nil {
				yield(nil, fmt.Errorf("glob %q: %w", pattern, err))
				return
			}
			sort.Strings(matches)
			for _, m := range matches {
				if err := ctx.Err(); err != nil {
					yield(nil, err)
					return
				}
				if !g.keep(m) {
					continue
				}
				if !yield(pipeline.Record{key: m}, nil) {
					return
				}
			}
		}
	}
}

// Len counts the matching files; it is -1 when a pattern is invalid.
func (g Glob) Len() int {
	paths, err := g.Paths()
	if err != nil {
		return -1
	}
	return len(paths)
}
