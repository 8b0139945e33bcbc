package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/warpdl/swdriver/internal/driver"
	"github.com/warpdl/swdriver/pkg/fetch"
	"github.com/warpdl/swdriver/pkg/logger"
)

// MaxRequestBody caps buffered request bodies handed to the driver.
const MaxRequestBody int64 = 8 << 20

var errRequestTooLarge = errors.New("request body too large")

// hop-by-hop response headers are not copied to the page.
var hopResponseHeaders = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
	"Trailer":           true,
	"Content-Length":    true,
}

// fetchHandler is the part of the driver the front needs.
type fetchHandler interface {
	HandleFetch(ctx context.Context, req *fetch.Request) (*fetch.Response, error)
}

// front turns page requests into driver fetches. Requests the driver
// does not intercept, and every request after unregistration, are
// proxied to the upstream as is.
type front struct {
	scope  *fetch.Scope
	driver fetchHandler
	hub    *Hub
	reg    *Registration
	proxy  *httputil.ReverseProxy
	log    logger.Logger
}

func newFront(scope *fetch.Scope, upstream *url.URL, transport http.RoundTripper, d fetchHandler, hub *Hub, reg *Registration, l logger.Logger) *front {
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.Out.Host = upstream.Host
			pr.SetXForwarded()
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			l.Warning("proxy %s %s: %v", r.Method, r.URL.Path, err)
			w.WriteHeader(http.StatusBadGateway)
		},
	}
	return &front{scope: scope, driver: d, hub: hub, reg: reg, proxy: rp, log: l}
}

func (f *front) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.reg != nil && f.reg.Unregistered() {
		f.proxy.ServeHTTP(w, r)
		return
	}
	req, err := f.toFetchRequest(r)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errRequestTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		http.Error(w, "error: "+err.Error(), status)
		return
	}
	if req.ResultingClientID != "" {
		http.SetCookie(w, &http.Cookie{
			Name:     ClientCookie,
			Value:    req.ResultingClientID,
			Path:     f.scope.Path(),
			SameSite: http.SameSiteLaxMode,
		})
		f.hub.Touch(req.ResultingClientID, req.URL.String())
	} else {
		f.hub.Touch(req.ClientID, "")
	}

	resp, err := f.driver.HandleFetch(r.Context(), req)
	if err != nil {
		f.log.Error("fetch %s: %v", req.URL, err)
		http.Error(w, "error: "+err.Error(), http.StatusBadGateway)
		return
	}
	if resp == nil {
		if len(req.Body) > 0 {
			r.Body = io.NopCloser(bytes.NewReader(req.Body))
		}
		f.proxy.ServeHTTP(w, r)
		return
	}
	writeResponse(w, r, resp)
}

// toFetchRequest maps r onto the public scope. Navigations without a
// client cookie get a fresh client id.
func (f *front) toFetchRequest(r *http.Request) (*fetch.Request, error) {
	u := f.scope.URL()
	u.Path = r.URL.Path
	u.RawPath = r.URL.RawPath
	u.RawQuery = r.URL.RawQuery

	req := &fetch.Request{
		Method: r.Method,
		URL:    u,
		Header: r.Header.Clone(),
		Mode:   requestMode(r),
		Cache:  fetch.CacheDefault,
	}
	if strings.Contains(r.Header.Get("Cache-Control"), fetch.CacheOnlyIfCached) {
		req.Cache = fetch.CacheOnlyIfCached
	}
	if r.Body != nil && r.Body != http.NoBody {
		data, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBody+1))
		if err != nil {
			return nil, err
		}
		if int64(len(data)) > MaxRequestBody {
			return nil, errRequestTooLarge
		}
		req.Body = data
	}
	if ck, err := r.Cookie(ClientCookie); err == nil && ck.Value != "" {
		req.ClientID = ck.Value
	} else if req.Mode == fetch.ModeNavigate {
		req.ResultingClientID = uuid.NewString()
	}
	return req, nil
}

// requestMode prefers Sec-Fetch-Mode. Older clients get navigate for
// HTML GETs and same-origin for everything else.
func requestMode(r *http.Request) string {
	if m := r.Header.Get("Sec-Fetch-Mode"); m != "" {
		return m
	}
	if r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html") {
		return fetch.ModeNavigate
	}
	return fetch.ModeSameOrigin
}

func writeResponse(w http.ResponseWriter, r *http.Request, resp *fetch.Response) {
	h := w.Header()
	for k, vs := range resp.Header {
		if hopResponseHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		h[k] = append([]string(nil), vs...)
	}
	h.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(resp.Body)
}

var _ fetchHandler = (*driver.Driver)(nil)
