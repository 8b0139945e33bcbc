// Package fetch models the request/response pair the driver intercepts
// and the upstream client used to reach the origin.
package fetch

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

// Request modes, taken from the Sec-Fetch-Mode request header.
const (
	ModeNavigate   = "navigate"
	ModeSameOrigin = "same-origin"
	ModeNoCORS     = "no-cors"
	ModeCORS       = "cors"
)

// Cache modes. Only OnlyIfCached changes driver behavior.
const (
	CacheDefault      = "default"
	CacheOnlyIfCached = "only-if-cached"
)

// Response types.
const (
	TypeBasic  = "basic"
	TypeOpaque = "opaque"
	TypeError  = "error"
)

// Request is an intercepted request.
type Request struct {
	Method   string
	URL      *url.URL
	Header   http.Header
	Body     []byte
	Mode     string
	Cache    string
	ClientID string
	// ResultingClientID is set on navigations that create a new client.
	ResultingClientID string
}

// NewRequest builds a GET-style request for rawURL with default modes.
func NewRequest(method, rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return &Request{
		Method: method,
		URL:    u,
		Header: http.Header{},
		Mode:   ModeCORS,
		Cache:  CacheDefault,
	}, nil
}

// Clone returns a deep copy of r with URL replaced by u (if non-nil).
func (r *Request) Clone(u *url.URL) *Request {
	c := *r
	if u == nil {
		cp := *r.URL
		u = &cp
	}
	c.URL = u
	c.Header = r.Header.Clone()
	if c.Header == nil {
		c.Header = http.Header{}
	}
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return &c
}

// Accepts reports whether the Accept header lists mime.
func (r *Request) Accepts(mime string) bool {
	for _, v := range r.Header.Values("Accept") {
		if strings.Contains(v, mime) {
			return true
		}
	}
	return false
}

// Response is a fully buffered response.
type Response struct {
	Status     int
	StatusText string
	Header     http.Header
	Body       []byte
	URL        string
	Redirected bool
	Type       string
}

// NewResponse builds a basic response.
func NewResponse(status int, body []byte, header http.Header) *Response {
	if header == nil {
		header = http.Header{}
	}
	return &Response{
		Status:     status,
		StatusText: http.StatusText(status),
		Header:     header,
		Body:       body,
		Type:       TypeBasic,
	}
}

// GatewayTimeout is the synthetic response returned when the network
// could not be reached at all.
func GatewayTimeout() *Response {
	return NewResponse(http.StatusGatewayTimeout, nil, nil)
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Clone returns a deep copy of r.
func (r *Response) Clone() *Response {
	c := *r
	c.Header = r.Header.Clone()
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return &c
}

// Fetcher performs network requests on behalf of the driver.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}
