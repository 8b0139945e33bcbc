package driver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/warpdl/swdriver/pkg/fetch"
	"github.com/warpdl/swdriver/pkg/manifest"
)

// ErrManifestFetch is returned when ngsw.json could not be retrieved.
var ErrManifestFetch = errors.New("manifest fetch failed")

// fetchLatestManifest downloads ngsw.json, bypassing any HTTP cache. A
// 404 means the application was removed, so every cache is dropped and
// the registration is withdrawn. With ignoreOffline, a 503/504 yields
// (nil, nil).
func (d *Driver) fetchLatestManifest(ctx context.Context, ignoreOffline bool) (*manifest.Manifest, error) {
	u := fetch.CacheBust(d.scope.Resolve("ngsw.json"))
	req, err := fetch.NewRequest(http.MethodGet, u.String())
	if err != nil {
		return nil, err
	}
	req.Mode = fetch.ModeSameOrigin
	resp := d.safeFetch(ctx, req)
	if !resp.OK() {
		switch {
		case resp.Status == http.StatusNotFound:
			d.deleteAllCaches(ctx)
			if err := d.registration.Unregister(ctx); err != nil {
				d.debug.Log(err, "fetchLatestManifest: unregister")
			}
		case ignoreOffline && (resp.Status == http.StatusServiceUnavailable || resp.Status == http.StatusGatewayTimeout):
			return nil, nil
		}
		return nil, fmt.Errorf("%w (status: %d)", ErrManifestFetch, resp.Status)
	}
	d.mu.Lock()
	d.lastUpdateCheck = d.clock.Now()
	d.mu.Unlock()
	return manifest.Parse(resp.Body)
}

// CheckForUpdate fetches the manifest and installs it if its hash is
// new. It reports whether a new version was installed. Concurrent calls
// share one check.
func (d *Driver) CheckForUpdate(ctx context.Context) (bool, error) {
	ch := d.update.DoChan("check", func() (any, error) {
		return d.checkForUpdate(d.ctx), nil
	})
	select {
	case res := <-ch:
		return res.Val.(bool), nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (d *Driver) checkForUpdate(ctx context.Context) bool {
	hash := "(unknown)"
	m, err := d.fetchLatestManifest(ctx, true)
	if err == nil && m == nil {
		d.debug.Log("Check for update aborted. (Client or server offline.)", "checkForUpdate")
		return false
	}
	if err == nil {
		hash, err = manifest.Hash(m)
	}
	if err == nil {
		if _, ok := d.lookupVersion(hash); ok {
			return false
		}
		d.broadcast(ctx, VersionDetectedEvent{
			Type:    EventVersionDetected,
			Version: VersionDescriptor{Hash: hash, AppData: m.AppData},
		})
		err = d.setupUpdate(ctx, m, hash)
	}
	if err != nil {
		d.debug.Log(err, fmt.Sprintf("Error occurred while updating to manifest %s", hash))
		d.mu.Lock()
		d.state = ExistingClientsOnly
		d.stateMessage = fmt.Sprintf("Degraded due to failed initialization: %v", err)
		d.mu.Unlock()
		return false
	}
	return true
}

// setupUpdate installs m as the new latest version and tells clients on
// older versions about it.
func (d *Driver) setupUpdate(ctx context.Context, m *manifest.Manifest, hash string) error {
	err := d.installVersion(ctx, m, hash)
	if err != nil {
		d.broadcast(ctx, VersionInstallationFailedEvent{
			Type:    EventVersionInstallationFailed,
			Version: VersionDescriptor{Hash: hash, AppData: m.AppData},
			Error:   err.Error(),
		})
		return err
	}
	d.notifyClientsAboutUpdate(ctx, hash)
	return nil
}

func (d *Driver) installVersion(ctx context.Context, m *manifest.Manifest, hash string) error {
	// a manifest from another config version may not even build
	if err := manifest.Validate(m); err != nil {
		d.deleteAllCaches(ctx)
		if uerr := d.registration.Unregister(ctx); uerr != nil {
			d.debug.Log(uerr, "setupUpdate: unregister")
		}
		return fmt.Errorf("invalid config version: %w", err)
	}
	v, err := d.newVersion(m, hash)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.installing[hash] = v
	d.mu.Unlock()
	err = v.InitializeFully(ctx, d)
	d.mu.Lock()
	delete(d.installing, hash)
	if err == nil {
		d.versions[hash] = v
		d.latestHash = hash
		if d.state == ExistingClientsOnly {
			d.state = Normal
			d.stateMessage = nominal
		}
	}
	d.mu.Unlock()
	if err != nil {
		return err
	}
	d.log.Info("installed version %s", hash)
	return d.sync(ctx)
}

func (d *Driver) notifyClientsAboutUpdate(ctx context.Context, hash string) {
	next, ok := d.lookupVersion(hash)
	if !ok {
		return
	}
	clients, err := d.clients.MatchAll(ctx)
	if err != nil {
		d.debug.Log(err, "notifyClientsAboutUpdate")
		return
	}
	for _, c := range clients {
		d.mu.Lock()
		current, assigned := d.clientVersion[c.ID]
		latest := d.latestHash
		cur := d.versions[current]
		d.mu.Unlock()
		// Unassigned clients pick up the latest version on their next
		// request.
		if !assigned || current == latest || cur == nil {
			continue
		}
		d.post(ctx, c.ID, UpdateAvailableEvent{
			Type:      EventUpdateAvailable,
			Current:   describe(cur),
			Available: describe(next),
		})
	}
}

func (d *Driver) notifyClientsAboutUnrecoverableState(ctx context.Context, v Version, reason string) {
	d.mu.Lock()
	var affected []string
	for id, hash := range d.clientVersion {
		if hash == v.Hash() {
			affected = append(affected, id)
		}
	}
	d.mu.Unlock()
	sort.Strings(affected)
	for _, id := range affected {
		d.post(ctx, id, UnrecoverableStateEvent{Type: EventUnrecoverableState, Reason: reason})
	}
}

// versionFailed reacts to a broken version. If it is the latest, the
// driver degrades and its clients lose their pin; otherwise they move to
// the latest version.
func (d *Driver) versionFailed(ctx context.Context, v Version, cause error) {
	hash := v.Hash()
	d.mu.Lock()
	if known, ok := d.versions[hash]; !ok || known != v {
		d.mu.Unlock()
		return
	}
	if hash == d.latestHash {
		d.state = ExistingClientsOnly
		d.stateMessage = fmt.Sprintf("Degraded due to: %v", cause)
		for id, h := range d.clientVersion {
			if h == hash {
				delete(d.clientVersion, id)
			}
		}
	} else {
		for id, h := range d.clientVersion {
			if h == hash {
				d.clientVersion[id] = d.latestHash
			}
		}
	}
	d.mu.Unlock()
	d.log.Warning("version %s failed: %v", hash, cause)
	if err := d.sync(ctx); err != nil {
		d.debug.Log(err, fmt.Sprintf("Driver.versionFailed(%v)", cause))
	}
}

// cleanupCaches forgets clients that are gone, drops versions nobody
// uses any more and deletes caches that no live version owns.
func (d *Driver) cleanupCaches(ctx context.Context) error {
	clients, err := d.clients.MatchAll(ctx)
	if err != nil {
		d.debug.Log(err, "cleanupCaches")
		return nil
	}
	alive := make(map[string]bool, len(clients))
	for _, c := range clients {
		alive[c.ID] = true
	}

	d.mu.Lock()
	for id := range d.clientVersion {
		if !alive[id] {
			delete(d.clientVersion, id)
		}
	}
	used := map[string]bool{d.latestHash: true}
	for _, hash := range d.clientVersion {
		used[hash] = true
	}
	var obsolete []Version
	for hash, v := range d.versions {
		if !used[hash] {
			obsolete = append(obsolete, v)
			delete(d.versions, hash)
		}
	}
	d.mu.Unlock()

	if err := d.sync(ctx); err != nil {
		d.debug.Log(err, "cleanupCaches: sync")
	}
	for _, v := range obsolete {
		if err := v.Cleanup(ctx); err != nil {
			d.debug.Log(err, fmt.Sprintf("cleanupCaches: cleanup %s", v.Hash()))
		}
	}
	d.removeUnusedCaches(ctx)
	return nil
}

// removeUnusedCaches deletes every cache and table under the scope prefix
// that neither the control table nor a live or installing version owns.
func (d *Driver) removeUnusedCaches(ctx context.Context) {
	keep := map[string]bool{d.controlName: true}
	d.mu.Lock()
	for _, v := range d.versions {
		for _, n := range v.CacheNames() {
			keep[n] = true
		}
	}
	for _, v := range d.installing {
		for _, n := range v.CacheNames() {
			keep[n] = true
		}
	}
	d.mu.Unlock()

	prefix := d.scope.CacheNamePrefix() + ":"
	names, err := d.caches.Keys(ctx)
	if err != nil {
		d.debug.Log(err, "cleanupCaches: list caches")
	}
	for _, n := range names {
		if strings.HasPrefix(n, prefix) && !keep[n] {
			if _, err := d.caches.Delete(ctx, n); err != nil {
				d.debug.Log(err, "cleanupCaches: delete cache "+n)
			}
		}
	}
	tables, err := d.db.List(ctx)
	if err != nil {
		d.debug.Log(err, "cleanupCaches: list tables")
	}
	for _, n := range tables {
		if strings.HasPrefix(n, prefix) && !keep[n] {
			if _, err := d.db.Delete(ctx, n); err != nil {
				d.debug.Log(err, "cleanupCaches: delete table "+n)
			}
		}
	}
}

// cleanupOldCaches removes caches left by drivers that predate scoped
// cache names, i.e. "ngsw:" not followed by a path.
func (d *Driver) cleanupOldCaches(ctx context.Context) error {
	names, err := d.caches.Keys(ctx)
	if err != nil {
		return err
	}
	for _, n := range names {
		if strings.HasPrefix(n, "ngsw:") && !strings.HasPrefix(n, "ngsw:/") {
			if _, err := d.caches.Delete(ctx, n); err != nil {
				d.debug.Log(err, "cleanupOldCaches")
			}
		}
	}
	return nil
}

// deleteAllCaches drops every cache and table under the scope prefix,
// control table included.
func (d *Driver) deleteAllCaches(ctx context.Context) {
	prefix := d.scope.CacheNamePrefix() + ":"
	if names, err := d.caches.Keys(ctx); err != nil {
		d.debug.Log(err, "deleteAllCaches")
	} else {
		for _, n := range names {
			if strings.HasPrefix(n, prefix) {
				if _, err := d.caches.Delete(ctx, n); err != nil {
					d.debug.Log(err, "deleteAllCaches: "+n)
				}
			}
		}
	}
	if tables, err := d.db.List(ctx); err != nil {
		d.debug.Log(err, "deleteAllCaches")
	} else {
		for _, n := range tables {
			if strings.HasPrefix(n, prefix) {
				if _, err := d.db.Delete(ctx, n); err != nil {
					d.debug.Log(err, "deleteAllCaches: "+n)
				}
			}
		}
	}
	d.log.Warning("deleted all caches for scope %s", d.scope.Path())
}

func (d *Driver) post(ctx context.Context, clientID string, msg any) {
	if err := d.clients.PostMessage(ctx, clientID, msg); err != nil && !errors.Is(err, ErrClientGone) {
		d.debug.Log(err, "postMessage to "+clientID)
	}
}

func (d *Driver) broadcast(ctx context.Context, msg any) {
	clients, err := d.clients.MatchAll(ctx)
	if err != nil {
		d.debug.Log(err, "broadcast")
		return
	}
	for _, c := range clients {
		d.post(ctx, c.ID, msg)
	}
}
