package driver

import (
	"context"
	"fmt"
	"net/http"

	"github.com/warpdl/swdriver/internal/appversion"
	"github.com/warpdl/swdriver/pkg/fetch"
)

// BypassHeader marks requests the driver must never intercept.
const BypassHeader = "ngsw-bypass"

// Intercepts reports whether HandleFetch would answer req. Requests it
// rejects belong to the network untouched.
func (d *Driver) Intercepts(req *fetch.Request) bool {
	if _, ok := req.Header[http.CanonicalHeaderKey(BypassHeader)]; ok {
		return false
	}
	if req.URL.Query().Has(BypassHeader) {
		return false
	}
	if d.isStatePage(req) {
		return true
	}
	d.mu.Lock()
	state := d.state
	d.mu.Unlock()
	if state == SafeMode {
		d.idle.Trigger()
		return false
	}
	if req.URL.Scheme == "http" && d.scope.Scheme() == "https" {
		d.debug.Log(fmt.Sprintf("Ignoring passive mixed content request: Driver.fetch(%s)", req.URL), "")
		return false
	}
	if req.Cache == fetch.CacheOnlyIfCached && req.Mode != fetch.ModeSameOrigin {
		d.mu.Lock()
		first := !d.loggedOnlyIfCached
		d.loggedOnlyIfCached = true
		d.mu.Unlock()
		if first {
			d.debug.Log("Ignoring invalid request: 'only-if-cached' can be set only with 'same-origin' mode",
				fmt.Sprintf("Driver.fetch(%s, cache: %s, mode: %s)", req.URL, req.Cache, req.Mode))
		}
		return false
	}
	return true
}

func (d *Driver) isStatePage(req *fetch.Request) bool {
	return req.URL.Path == d.statePath && (req.URL.Host == "" || req.URL.Host == d.scope.URL().Host)
}

// HandleFetch answers req from a version, the debug page or the network.
// It returns (nil, nil) when the request is not intercepted; the host
// then forwards it unchanged.
func (d *Driver) HandleFetch(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	if !d.Intercepts(req) {
		return nil, nil
	}
	if d.isStatePage(req) {
		return d.statePage(ctx), nil
	}
	defer d.idle.Trigger()

	if err := d.EnsureInitialized(ctx); err != nil {
		return d.safeFetch(ctx, req), nil
	}

	if req.Mode == fetch.ModeNavigate {
		d.mu.Lock()
		schedule := !d.scheduledNavUpdateCheck
		d.scheduledNavUpdateCheck = true
		d.mu.Unlock()
		if schedule {
			d.idle.Schedule("check-updates-on-navigation", func(ctx context.Context) error {
				d.mu.Lock()
				d.scheduledNavUpdateCheck = false
				d.mu.Unlock()
				_, err := d.CheckForUpdate(ctx)
				return err
			})
		}
	}

	v, err := d.assignVersion(ctx, req)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return d.safeFetch(ctx, req), nil
	}
	resp, err := v.HandleFetch(ctx, req)
	if err != nil {
		if appversion.IsUnrecoverable(err) {
			d.notifyClientsAboutUnrecoverableState(ctx, v, err.Error())
		}
		if appversion.IsCritical(err) {
			d.debug.Log(err, fmt.Sprintf("Driver.handleFetch(version: %s)", v.Hash()))
			d.versionFailed(ctx, v, err)
			return d.safeFetch(ctx, req), nil
		}
		return nil, err
	}
	if resp == nil {
		return d.safeFetch(ctx, req), nil
	}
	return resp, nil
}

// safeFetch never fails: transport errors become a 504.
func (d *Driver) safeFetch(ctx context.Context, req *fetch.Request) *fetch.Response {
	resp, err := d.fetcher.Fetch(ctx, req)
	if err != nil {
		d.debug.Log(err, fmt.Sprintf("Driver.fetch(%s)", req.URL))
		return fetch.GatewayTimeout()
	}
	return resp
}

func (d *Driver) statePage(ctx context.Context) *fetch.Response {
	h := http.Header{}
	h.Set("Content-Type", "text/plain")
	return fetch.NewResponse(http.StatusOK, []byte(d.DebugPage(ctx)), h)
}
