package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

const (
	DefaultMaxRedirects = 10
	// DefaultMaxBody caps how much of an upstream body is buffered.
	DefaultMaxBody int64 = 64 << 20
)

var (
	ErrInvalidProxyURL   = errors.New("invalid proxy URL")
	ErrUnsupportedScheme = errors.New("unsupported proxy scheme")
	ErrTooManyRedirects  = errors.New("redirect loop detected")
	ErrBodyTooLarge      = errors.New("response body too large")
)

var supportedProxySchemes = map[string]bool{
	"http":   true,
	"https":  true,
	"socks5": true,
}

// hop-by-hop headers are never forwarded upstream.
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// NewClient creates an HTTP client for upstream requests. proxyURL may be
// empty, or an http, https or socks5 URL. A zero timeout means none.
func NewClient(proxyURL string, timeout time.Duration) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, ErrInvalidProxyURL
		}
		if !supportedProxySchemes[parsed.Scheme] {
			return nil, ErrUnsupportedScheme
		}
		if parsed.Scheme == "socks5" {
			var auth *proxy.Auth
			if parsed.User != nil {
				pass, _ := parsed.User.Password()
				auth = &proxy.Auth{User: parsed.User.Username(), Password: pass}
			}
			dialer, err := proxy.SOCKS5("tcp", parsed.Host, auth, proxy.Direct)
			if err != nil {
				return nil, err
			}
			transport.Proxy = nil
			if cd, ok := dialer.(proxy.ContextDialer); ok {
				transport.DialContext = cd.DialContext
			} else {
				transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
					return dialer.Dial(network, addr)
				}
			}
		} else {
			transport.Proxy = http.ProxyURL(parsed)
		}
	}
	return &http.Client{
		Transport:     transport,
		Timeout:       timeout,
		CheckRedirect: redirectPolicy(DefaultMaxRedirects),
	}, nil
}

func redirectPolicy(max int) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= max {
			return fmt.Errorf("%w: exceeded %d hops (last URL: %s)",
				ErrTooManyRedirects, max, via[len(via)-1].URL)
		}
		return nil
	}
}

// HTTPFetcher is the production Fetcher. Requests for the public scope
// are rewritten onto Upstream, so the daemon can sit in front of an
// origin that lives at a different address.
type HTTPFetcher struct {
	Client   *http.Client
	Upstream *url.URL
	Scope    *Scope
	MaxBody  int64
}

// Fetch performs req and buffers the whole body.
func (f *HTTPFetcher) Fetch(ctx context.Context, req *Request) (*Response, error) {
	target := f.upstreamURL(req.URL)
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("error: cannot build upstream request: %w", err)
	}
	hreq.Header = req.Header.Clone()
	if hreq.Header == nil {
		hreq.Header = http.Header{}
	}
	for _, h := range hopHeaders {
		hreq.Header.Del(h)
	}
	if f.Upstream != nil {
		hreq.Host = f.Upstream.Host
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	hresp, err := client.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer hresp.Body.Close()

	max := f.MaxBody
	if max <= 0 {
		max = DefaultMaxBody
	}
	data, err := io.ReadAll(io.LimitReader(hresp.Body, max+1))
	if err != nil {
		return nil, fmt.Errorf("error: failed to read upstream body: %w", err)
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("%w: %s", ErrBodyTooLarge, req.URL)
	}

	header := hresp.Header.Clone()
	for _, h := range hopHeaders {
		header.Del(h)
	}
	resp := &Response{
		Status:     hresp.StatusCode,
		StatusText: http.StatusText(hresp.StatusCode),
		Header:     header,
		Body:       data,
		URL:        req.URL.String(),
		Redirected: hresp.Request != nil && hresp.Request.URL.String() != target.String(),
		Type:       TypeBasic,
	}
	if req.Mode == ModeNoCORS && f.Scope != nil && req.URL.Host != f.Scope.URL().Host {
		resp.Type = TypeOpaque
	}
	return resp, nil
}

func (f *HTTPFetcher) upstreamURL(u *url.URL) *url.URL {
	if f.Upstream == nil || f.Scope == nil {
		return u
	}
	scope := f.Scope.URL()
	if u.Scheme != scope.Scheme || u.Host != scope.Host {
		return u
	}
	out := *u
	out.Scheme = f.Upstream.Scheme
	out.Host = f.Upstream.Host
	return &out
}
