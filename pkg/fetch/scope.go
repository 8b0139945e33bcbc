package fetch

import (
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strconv"
	"strings"
)

// CacheBustParam is added to update-critical requests so intermediate
// HTTP caches cannot answer them.
const CacheBustParam = "ngsw-cache-bust"

var ErrInvalidScope = errors.New("invalid scope")

// Scope is the URL prefix the driver controls, e.g. https://app.example.com/.
type Scope struct {
	base *url.URL
}

// NewScope parses a scope URL. The path always ends in a slash.
func NewScope(raw string) (*Scope, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScope, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not absolute", ErrInvalidScope, raw)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	u.RawQuery, u.Fragment = "", ""
	return &Scope{base: u}, nil
}

// URL returns a copy of the scope URL.
func (s *Scope) URL() *url.URL {
	u := *s.base
	return &u
}

func (s *Scope) Scheme() string { return s.base.Scheme }
func (s *Scope) Host() string   { return s.base.Hostname() }

// Origin is scheme://host[:port].
func (s *Scope) Origin() string {
	return s.base.Scheme + "://" + s.base.Host
}

// Path is the scope path, always slash terminated.
func (s *Scope) Path() string { return s.base.Path }

// Resolve resolves ref against the scope.
func (s *Scope) Resolve(ref string) *url.URL {
	r, err := url.Parse(ref)
	if err != nil {
		u := s.URL()
		u.Path = ref
		return u
	}
	return s.base.ResolveReference(r)
}

// Normalize returns the path (with query) for same-origin URLs and the
// absolute URL otherwise. Manifest urls and hash table keys use this form.
func (s *Scope) Normalize(u *url.URL) string {
	if u.Scheme == s.base.Scheme && u.Host == s.base.Host {
		out := u.EscapedPath()
		if out == "" {
			out = "/"
		}
		if u.RawQuery != "" {
			out += "?" + u.RawQuery
		}
		return out
	}
	c := *u
	c.Fragment = ""
	return c.String()
}

// CacheNamePrefix namespaces every cache and table owned by a driver
// instance serving this scope.
func (s *Scope) CacheNamePrefix() string {
	return "ngsw:" + s.base.Path
}

// IsLocalhost reports a development scope.
func (s *Scope) IsLocalhost() bool {
	return s.base.Hostname() == "localhost"
}

// CacheBust returns a copy of u with a random ngsw-cache-bust parameter.
func CacheBust(u *url.URL) *url.URL {
	c := *u
	q := c.Query()
	q.Set(CacheBustParam, strconv.FormatFloat(rand.Float64(), 'f', -1, 64))
	c.RawQuery = q.Encode()
	return &c
}
