package router

import (
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

type matchKind int

const (
	matchExact matchKind = iota
	matchPrefix
	matchGlob
)

// pathMatcher matches request paths against one route or policy pattern.
//
//	/api/rides/**   prefix: /api/rides and anything below it
//	/api/*/status   glob (doublestar syntax)
//	/api/login      exact
type pathMatcher struct {
	kind  matchKind
	value string
}

func compilePattern(p string) (pathMatcher, error) {
	if !strings.HasPrefix(p, "/") {
		return pathMatcher{}, fmt.Errorf("pattern %q must start with /", p)
	}

	if base, ok := strings.CutSuffix(p, "/**"); ok && !hasMeta(base) {
		return pathMatcher{kind: matchPrefix, value: base}, nil
	}

	if hasMeta(p) {
		if !doublestar.ValidatePattern(p) {
			return pathMatcher{}, fmt.Errorf("invalid glob pattern %q", p)
		}
		return pathMatcher{kind: matchGlob, value: p}, nil
	}

	return pathMatcher{kind: matchExact, value: p}, nil
}

func (m pathMatcher) match(p string) bool {
	switch m.kind {
	case matchPrefix:
		// The prefix must end at a segment boundary: /api/rides matches
		// /api/rides and /api/rides/42 but not /api/ridesX.
		if m.value == "" {
			return true
		}
		return p == m.value || strings.HasPrefix(p, m.value+"/")
	case matchGlob:
		ok, err := doublestar.Match(m.value, p)
		return err == nil && ok
	default:
		return p == m.value
	}
}

func hasMeta(s string) bool {
	return strings.ContainsAny(s, "*?[{")
}

// CleanPath normalizes a request path: dot segments and repeated slashes are
// resolved and a trailing slash is kept.
func CleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	np := path.Clean(p)
	if p[len(p)-1] == '/' && np != "/" {
		np += "/"
	}
	return np
}
