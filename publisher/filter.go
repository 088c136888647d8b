package publisher

import (
	"fmt"

	"github.com/gobwas/glob"
)

// GlobFilter filters change events using glob patterns
type GlobFilter struct {
	tableGlobs  []glob.Glob
	schemaGlobs []glob.Glob
}

// NewGlobFilter creates a new glob-based filter
// Empty patterns match everything
func NewGlobFilter(tablePatterns, schemaPatterns []string) (*GlobFilter, error) {
	filter := &GlobFilter{
		tableGlobs:  make([]glob.Glob, 0, len(tablePatterns)),
		schemaGlobs: make([]glob.Glob, 0, len(schemaPatterns)),
	}

	for _, pattern := range tablePatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid table pattern %q: %w", pattern, err)
		}
		filter.tableGlobs = append(filter.tableGlobs, g)
	}

	for _, pattern := range schemaPatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid schema pattern %q: %w", pattern, err)
		}
		filter.schemaGlobs = append(filter.schemaGlobs, g)
	}

	return filter, nil
}

// Match returns true if the schema and table match the configured patterns
// If no patterns are configured, all events match
func (f *GlobFilter) Match(schema, table string) bool {
	schemaMatch := len(f.schemaGlobs) == 0
	if !schemaMatch {
		for _, g := range f.schemaGlobs {
			if g.Match(schema) {
				schemaMatch = true
				break
			}
		}
	}

	if !schemaMatch {
		return false
	}

	tableMatch := len(f.tableGlobs) == 0
	if !tableMatch {
		for _, g := range f.tableGlobs {
			if g.Match(table) {
				tableMatch = true
				break
			}
		}
	}

	return tableMatch
}
