package publish

import (
	"fmt"

	"github.com/gobwas/glob"
)

// GlobFilter filters records by matching category names against glob
// patterns. A record is published when any pattern matches; with no
// patterns everything matches.
type GlobFilter struct {
	globs []glob.Glob
}

// NewGlobFilter compiles the given patterns into a filter.
func NewGlobFilter(patterns ...string) (*GlobFilter, error) {
	f := &GlobFilter{globs: make([]glob.Glob, 0, len(patterns))}
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid category pattern %q: %w", pattern, err)
		}
		f.globs = append(f.globs, g)
	}
	return f, nil
}

// Match reports whether records of the category should be published.
func (f *GlobFilter) Match(category string) bool {
	if len(f.globs) == 0 {
		return true
	}
	for _, g := range f.globs {
		if g.Match(category) {
			return true
		}
	}
	return false
}
