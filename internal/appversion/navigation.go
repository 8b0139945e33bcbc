package appversion

import (
	"fmt"
	"strings"
	"time"

	"github.com/dlclark/regexp2"

	"github.com/warpdl/swdriver/pkg/fetch"
	"github.com/warpdl/swdriver/pkg/manifest"
)

// DefaultNavigationURLs applies when a manifest has no navigationUrls:
// everything under the scope except paths with a file extension in the
// last segment and paths containing "__".
var DefaultNavigationURLs = []manifest.NavigationURL{
	{Positive: true, Regex: `^/.*$`},
	{Positive: false, Regex: `^/.*\.[^/]*$`},
	{Positive: false, Regex: `^/.*__`},
}

// matchTimeout bounds a single match of a manifest regex.
const matchTimeout = 100 * time.Millisecond

// jsRegexp is a manifest regex. Manifests carry JavaScript RegExp
// source, lookarounds included, so RE2 cannot compile all of them.
type jsRegexp struct {
	re *regexp2.Regexp
}

func compileJS(src string) (*jsRegexp, error) {
	re, err := regexp2.Compile(src, regexp2.ECMAScript)
	if err != nil {
		return nil, err
	}
	re.MatchTimeout = matchTimeout
	return &jsRegexp{re: re}, nil
}

// MatchString reports a match. A match that times out is a miss.
func (r *jsRegexp) MatchString(s string) bool {
	ok, err := r.re.MatchString(s)
	return err == nil && ok
}

func (r *jsRegexp) String() string { return r.re.String() }

type navigationMatcher struct {
	include []*jsRegexp
	exclude []*jsRegexp
}

func compileNavigation(rules []manifest.NavigationURL) (*navigationMatcher, error) {
	if len(rules) == 0 {
		rules = DefaultNavigationURLs
	}
	m := &navigationMatcher{}
	for _, r := range rules {
		re, err := compileJS(r.Regex)
		if err != nil {
			return nil, fmt.Errorf("navigation url %q: %w", r.Regex, err)
		}
		if r.Positive {
			m.include = append(m.include, re)
		} else {
			m.exclude = append(m.exclude, re)
		}
	}
	return m, nil
}

func (m *navigationMatcher) allows(path string) bool {
	included := false
	for _, re := range m.include {
		if re.MatchString(path) {
			included = true
			break
		}
	}
	if !included {
		return false
	}
	for _, re := range m.exclude {
		if re.MatchString(path) {
			return false
		}
	}
	return true
}

// scopeRelative strips the scope prefix (without its trailing slash) and
// any query or fragment from u.
func scopeRelative(scope *fetch.Scope, u string) string {
	prefix := strings.TrimSuffix(scope.URL().String(), "/")
	u = strings.TrimPrefix(u, prefix)
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	return u
}

func acceptsTextHTML(req *fetch.Request) bool {
	for _, header := range req.Header.Values("Accept") {
		for _, v := range strings.Split(header, ",") {
			if strings.EqualFold(strings.TrimSpace(v), "text/html") {
				return true
			}
		}
	}
	return false
}

func compilePatterns(patterns []string) ([]*jsRegexp, error) {
	out := make([]*jsRegexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := compileJS(p)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
