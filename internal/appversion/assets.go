package appversion

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/warpdl/swdriver/pkg/fetch"
	"github.com/warpdl/swdriver/pkg/manifest"
	"github.com/warpdl/swdriver/pkg/storage"
)

// assetGroup caches the versioned static resources of one manifest asset
// group. Prefetch groups download everything during InitializeFully; lazy
// groups only copy unchanged resources from the previous version and
// otherwise fill on demand.
type assetGroup struct {
	v         *AppVersion
	cfg       manifest.AssetGroup
	urls      []string
	urlSet    map[string]bool
	patterns  []*jsRegexp
	cacheName string
	metaName  string
	inFlight  singleflight.Group
}

func newAssetGroup(v *AppVersion, cfg manifest.AssetGroup, prefix string) (*assetGroup, error) {
	patterns, err := compilePatterns(cfg.Patterns)
	if err != nil {
		return nil, err
	}
	g := &assetGroup{
		v:         v,
		cfg:       cfg,
		urlSet:    make(map[string]bool, len(cfg.Urls)),
		patterns:  patterns,
		cacheName: prefix + ":" + cfg.Name + ":cache",
		metaName:  prefix + ":" + cfg.Name + ":meta",
	}
	for _, u := range cfg.Urls {
		n := v.env.Scope.Normalize(v.env.Scope.Resolve(u))
		g.urls = append(g.urls, n)
		g.urlSet[n] = true
	}
	return g, nil
}

func (g *assetGroup) matches(url string) bool {
	if g.urlSet[url] {
		return true
	}
	for _, re := range g.patterns {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

func (g *assetGroup) key(url string) string {
	return cacheKey(url, g.cfg.CacheQueryOptions)
}

func (g *assetGroup) cache(ctx context.Context) (storage.Cache, error) {
	c, err := g.v.env.Caches.Open(ctx, g.cacheName)
	if err != nil {
		return nil, critical(err, "cannot open cache %s", g.cacheName)
	}
	return c, nil
}

func (g *assetGroup) match(ctx context.Context, c storage.Cache, url string) (*fetch.Response, error) {
	resp, err := c.Match(ctx, g.key(url))
	if err != nil {
		return nil, critical(err, "cache is throwing while looking for a match in %s", g.cacheName)
	}
	return resp, nil
}

func (g *assetGroup) handleFetch(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	url := g.v.env.Scope.Normalize(req.URL)
	if !g.matches(url) {
		return nil, nil
	}
	c, err := g.cache(ctx)
	if err != nil {
		return nil, err
	}
	cached, err := g.match(ctx, c, url)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		if _, hashed := g.v.hashes[url]; !hashed && g.needToRevalidate(ctx, url, cached) {
			header := req.Header.Clone()
			g.v.env.Idle.Schedule(fmt.Sprintf("revalidate(%s): %s", g.cacheName, url), func(ctx context.Context) error {
				_, err := g.fetchAndCacheOnce(ctx, g.v.newRequest(url, header), true)
				return err
			})
		}
		return cached, nil
	}
	resp, err := g.fetchAndCacheOnce(ctx, g.v.newRequest(url, req.Header), true)
	if err != nil {
		return nil, err
	}
	return resp.Clone(), nil
}

// needToRevalidate decides whether an unhashed cached response is stale
// per its Cache-Control max-age (measured from when it was cached, or its
// Date header) or its Expires header.
func (g *assetGroup) needToRevalidate(ctx context.Context, url string, resp *fetch.Response) bool {
	now := g.v.env.Clock.Now()
	if cc := resp.Header.Get("Cache-Control"); cc != "" {
		var maxAge string
		for _, directive := range strings.Split(cc, ",") {
			name, value, _ := strings.Cut(strings.TrimSpace(directive), "=")
			if strings.EqualFold(name, "max-age") {
				maxAge = value
				break
			}
		}
		if maxAge == "" {
			return true
		}
		secs, err := strconv.Atoi(maxAge)
		if err != nil {
			return true
		}
		var cachedAt time.Time
		var meta URLMetadata
		if tbl, err := g.v.env.DB.Open(ctx, g.metaName); err == nil && tbl.Read(ctx, url, &meta) == nil {
			cachedAt = time.UnixMilli(meta.TS)
		} else {
			date, err := http.ParseTime(resp.Header.Get("Date"))
			if err != nil {
				return true
			}
			cachedAt = date
		}
		age := now.Sub(cachedAt)
		return age < 0 || age > time.Duration(secs)*time.Second
	}
	if exp := resp.Header.Get("Expires"); exp != "" {
		t, err := http.ParseTime(exp)
		if err != nil {
			return true
		}
		return now.After(t)
	}
	return true
}

func (g *assetGroup) fetchFromCacheOnly(ctx context.Context, url string) (*CacheState, error) {
	c, err := g.cache(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := g.match(ctx, c, url)
	if err != nil || resp == nil {
		return nil, err
	}
	state := &CacheState{Response: resp}
	if tbl, err := g.v.env.DB.Open(ctx, g.metaName); err == nil {
		var meta URLMetadata
		if tbl.Read(ctx, url, &meta) == nil {
			state.Metadata = &meta
		}
	}
	return state, nil
}

func (g *assetGroup) unhashedResources(ctx context.Context) ([]string, error) {
	c, err := g.cache(ctx)
	if err != nil {
		return nil, err
	}
	keys, err := c.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, k := range keys {
		if _, hashed := g.v.hashes[k]; !hashed {
			out = append(out, k)
		}
	}
	return out, nil
}

func (g *assetGroup) cacheStatus(ctx context.Context, url string) (UpdateCacheStatus, error) {
	c, err := g.cache(ctx)
	if err != nil {
		return NotCached, err
	}
	resp, err := g.match(ctx, c, url)
	if err != nil {
		return NotCached, err
	}
	if resp == nil {
		return NotCached, nil
	}
	if tbl, err := g.v.env.DB.Open(ctx, g.metaName); err == nil {
		var meta URLMetadata
		if tbl.Read(ctx, url, &meta) == nil && !meta.Used {
			return CachedButUnused, nil
		}
	}
	return Cached, nil
}

// fetchAndCacheOnce downloads req and stores it. Concurrent calls for the
// same url share one network request.
func (g *assetGroup) fetchAndCacheOnce(ctx context.Context, req *fetch.Request, used bool) (*fetch.Response, error) {
	url := g.v.env.Scope.Normalize(req.URL)
	ctx = context.WithoutCancel(ctx)
	res, err, _ := g.inFlight.Do(url, func() (any, error) {
		resp, err := g.cacheBustedFetch(ctx, req, url)
		if err != nil {
			return nil, err
		}
		if !resp.OK() {
			return nil, fmt.Errorf("response not ok (fetchAndCacheOnce): request for %s returned response %d %s",
				url, resp.Status, resp.StatusText)
		}
		c, err := g.cache(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.Put(ctx, g.key(url), resp.Clone()); err != nil {
			return nil, critical(err, "failed to update the caches for request to %s (fetchAndCacheOnce)", url)
		}
		if _, hashed := g.v.hashes[url]; !hashed {
			tbl, err := g.v.env.DB.Open(ctx, g.metaName)
			if err == nil {
				err = tbl.Write(ctx, url, URLMetadata{TS: g.v.env.Clock.Now().UnixMilli(), Used: used})
			}
			if err != nil {
				return nil, critical(err, "failed to update the caches for request to %s (fetchAndCacheOnce)", url)
			}
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*fetch.Response), nil
}

// cacheBustedFetch verifies hashed resources against the manifest. A
// mismatch is retried once with a cache-busting query parameter so a
// stale intermediate cache cannot poison the version.
func (g *assetGroup) cacheBustedFetch(ctx context.Context, req *fetch.Request, url string) (*fetch.Response, error) {
	canonical, hashed := g.v.hashes[url]
	if !hashed {
		return g.v.safeFetch(ctx, req), nil
	}
	resp := g.v.safeFetch(ctx, req)
	if resp.OK() && sha1Hex(resp.Body) != canonical {
		resp = g.v.safeFetch(ctx, req.Clone(fetch.CacheBust(req.URL)))
		if resp.OK() {
			if got := sha1Hex(resp.Body); got != canonical {
				return nil, critical(nil, "hash mismatch (cacheBustedFetchFromNetwork): %s: expected %s, got %s (after cache busting)",
					url, canonical, got)
			}
		}
	}
	if resp.Status == http.StatusNotFound {
		return nil, unrecoverable("failed to retrieve hashed resource from the server (asset group: %s | url: %s)",
			g.cfg.Name, url)
	}
	return resp, nil
}

// maybeUpdate copies url from updateFrom when its hash is unchanged.
func (g *assetGroup) maybeUpdate(ctx context.Context, updateFrom UpdateSource, url string, c storage.Cache) (bool, error) {
	hash, hashed := g.v.hashes[url]
	if !hashed {
		return false, nil
	}
	resp, err := updateFrom.LookupResourceWithHash(ctx, url, hash)
	if err != nil || resp == nil {
		return false, err
	}
	if err := c.Put(ctx, g.key(url), resp); err != nil {
		return false, critical(err, "failed to copy %s from the previous version", url)
	}
	return true, nil
}

func (g *assetGroup) initializeFully(ctx context.Context, updateFrom UpdateSource) error {
	if g.cfg.InstallMode == manifest.ModeLazy {
		return g.initializeLazy(ctx, updateFrom)
	}
	c, err := g.cache(ctx)
	if err != nil {
		return err
	}
	for _, url := range g.urls {
		cached, err := g.match(ctx, c, url)
		if err != nil {
			return err
		}
		if cached != nil {
			continue
		}
		if updateFrom != nil {
			updated, err := g.maybeUpdate(ctx, updateFrom, url, c)
			if err != nil {
				return err
			}
			if updated {
				continue
			}
		}
		if _, err := g.fetchAndCacheOnce(ctx, g.v.newRequest(url, nil), false); err != nil {
			return err
		}
	}
	if updateFrom == nil {
		return nil
	}

	// Carry over unhashed resources the previous version cached that this
	// group would also cover.
	previous, err := updateFrom.PreviouslyCachedResources(ctx)
	if err != nil {
		return err
	}
	meta, err := g.v.env.DB.Open(ctx, g.metaName)
	if err != nil {
		return critical(err, "cannot open table %s", g.metaName)
	}
	for _, url := range previous {
		if !g.matches(url) {
			continue
		}
		cached, err := g.match(ctx, c, url)
		if err != nil {
			return err
		}
		if cached != nil {
			continue
		}
		state, err := updateFrom.LookupResourceWithoutHash(ctx, url)
		if err != nil {
			return err
		}
		if state == nil || state.Metadata == nil {
			continue
		}
		if err := c.Put(ctx, g.key(url), state.Response); err != nil {
			return critical(err, "failed to copy %s from the previous version", url)
		}
		if err := meta.Write(ctx, url, URLMetadata{TS: state.Metadata.TS, Used: false}); err != nil {
			return critical(err, "failed to copy metadata for %s", url)
		}
	}
	return nil
}

func (g *assetGroup) initializeLazy(ctx context.Context, updateFrom UpdateSource) error {
	if updateFrom == nil {
		return nil
	}
	c, err := g.cache(ctx)
	if err != nil {
		return err
	}
	for _, url := range g.urls {
		cached, err := g.match(ctx, c, url)
		if err != nil {
			return err
		}
		if cached != nil {
			continue
		}
		updated, err := g.maybeUpdate(ctx, updateFrom, url, c)
		if err != nil {
			return err
		}
		if updated || g.cfg.UpdateMode != manifest.ModePrefetch {
			continue
		}
		// Only prefetch resources the client actually used before.
		status, err := updateFrom.RecentCacheStatus(ctx, url)
		if err != nil {
			return err
		}
		if status != Cached {
			continue
		}
		if _, err := g.fetchAndCacheOnce(ctx, g.v.newRequest(url, nil), false); err != nil {
			return err
		}
	}
	return nil
}

func (g *assetGroup) cleanup(ctx context.Context) error {
	_, cacheErr := g.v.env.Caches.Delete(ctx, g.cacheName)
	_, metaErr := g.v.env.DB.Delete(ctx, g.metaName)
	return errors.Join(cacheErr, metaErr)
}

func sha1Hex(b []byte) string {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}

// newRequest builds a GET for a normalized url, keeping only the headers
// that describe what the client accepts.
func (v *AppVersion) newRequest(url string, from http.Header) *fetch.Request {
	header := http.Header{}
	for _, h := range []string{"Accept", "Accept-Language", "User-Agent"} {
		if val := from.Get(h); val != "" {
			header.Set(h, val)
		}
	}
	return &fetch.Request{
		Method: http.MethodGet,
		URL:    v.env.Scope.Resolve(url),
		Header: header,
		Mode:   fetch.ModeSameOrigin,
		Cache:  fetch.CacheDefault,
	}
}
