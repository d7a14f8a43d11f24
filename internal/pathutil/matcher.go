package pathutil

import (
	"path"
	"strings"
)

// Matcher matches request paths against a fixed list of patterns.
// A pattern ending in "/" or "/*" matches that prefix, anything else must
// match the cleaned path exactly.
type Matcher struct {
	exact    map[string]struct{}
	prefixes []string
}

// NewMatcher builds a Matcher, ignoring blank patterns.
func NewMatcher(patterns []string) *Matcher {
	m := &Matcher{exact: make(map[string]struct{})}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		switch {
		case strings.HasSuffix(p, "/*"):
			m.prefixes = append(m.prefixes, strings.TrimSuffix(p, "*"))
		case strings.HasSuffix(p, "/"):
			m.prefixes = append(m.prefixes, p)
		default:
			m.exact[path.Clean(p)] = struct{}{}
		}
	}
	return m
}

// Match reports whether p is covered by any pattern. A nil Matcher matches
// nothing.
func (m *Matcher) Match(p string) bool {
	if m == nil {
		return false
	}
	if p == "" {
		p = "/"
	}
	clean := path.Clean(p)
	if _, ok := m.exact[clean]; ok {
		return true
	}
	// keep the trailing slash so "/api/" still matches prefix "/api/"
	if strings.HasSuffix(p, "/") && clean != "/" {
		clean += "/"
	}
	for _, pre := range m.prefixes {
		if strings.HasPrefix(clean, pre) || clean+"/" == pre {
			return true
		}
	}
	return false
}

// Empty reports whether m has no patterns.
func (m *Matcher) Empty() bool {
	return m == nil || (len(m.exact) == 0 && len(m.prefixes) == 0)
}

// SplitList splits a comma separated flag value, trimming blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
