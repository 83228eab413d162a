package replication

import (
	"fmt"

	"github.com/gobwas/glob"
)

// GlobFilter selects replicated topics by glob pattern
type GlobFilter struct {
	globs []glob.Glob
}

// NewGlobFilter compiles patterns. No patterns means no topic is replicated.
func NewGlobFilter(patterns []string) (*GlobFilter, error) {
	f := &GlobFilter{globs: make([]glob.Glob, 0, len(patterns))}
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid topic pattern %q: %w", pattern, err)
		}
		f.globs = append(f.globs, g)
	}
	return f, nil
}

// Match returns true if any pattern matches topic
func (f *GlobFilter) Match(topic string) bool {
	for _, g := range f.globs {
		if g.Match(topic) {
			return true
		}
	}
	return false
}
