package accumulator

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"

	"github.com/loykin/batchsink/internal/record"
)

// filter applies include/exclude patterns to a record's title and content.
// A plain pattern matches as a substring. A pattern containing any of
// "*?[{" is a glob and must match the whole title or the whole content.
type filter struct {
	includes []matcher
	excludes []matcher
}

type matcher func(s string) bool

func newFilter(includes, excludes []string) (*filter, error) {
	inc, err := compilePatterns(includes)
	if err != nil {
		return nil, err
	}
	exc, err := compilePatterns(excludes)
	if err != nil {
		return nil, err
	}
	return &filter{includes: inc, excludes: exc}, nil
}

func compilePatterns(patterns []string) ([]matcher, error) {
	out := make([]matcher, 0, len(patterns))
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if !strings.ContainsAny(p, "*?[{") {
			out = append(out, func(s string) bool { return strings.Contains(s, p) })
			continue
		}
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid filter pattern %q: %w", p, err)
		}
		out = append(out, g.Match)
	}
	return out, nil
}

func (f *filter) allow(r record.Record) bool {
	if len(f.includes) > 0 && !anyMatch(f.includes, r) {
		return false
	}
	return !anyMatch(f.excludes, r)
}

func anyMatch(ms []matcher, r record.Record) bool {
	for _, m := range ms {
		if m(r.Title) || m(r.Content) {
			return true
		}
	}
	return false
}
