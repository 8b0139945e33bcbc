// Package appversion owns the cached resources of one manifest version:
// its asset groups, data groups and navigation fallback.
package appversion

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/warpdl/swdriver/internal/idle"
	"github.com/warpdl/swdriver/pkg/clock"
	"github.com/warpdl/swdriver/pkg/fetch"
	"github.com/warpdl/swdriver/pkg/manifest"
	"github.com/warpdl/swdriver/pkg/storage"
)

// UpdateCacheStatus describes how a url was cached by a version.
type UpdateCacheStatus int

const (
	NotCached UpdateCacheStatus = iota
	CachedButUnused
	Cached
)

func (s UpdateCacheStatus) String() string {
	switch s {
	case CachedButUnused:
		return "CACHED_BUT_UNUSED"
	case Cached:
		return "CACHED"
	default:
		return "NOT_CACHED"
	}
}

// URLMetadata is stored per unhashed url in an asset group's meta table.
type URLMetadata struct {
	// TS is the fetch time in unix milliseconds.
	TS   int64 `json:"ts"`
	Used bool  `json:"used"`
}

// CacheState is a cached response plus its metadata, if any.
type CacheState struct {
	Response *fetch.Response
	Metadata *URLMetadata
}

// UpdateSource lets a new version copy resources from versions that are
// already cached instead of downloading them again.
type UpdateSource interface {
	LookupResourceWithHash(ctx context.Context, url, hash string) (*fetch.Response, error)
	LookupResourceWithoutHash(ctx context.Context, url string) (*CacheState, error)
	PreviouslyCachedResources(ctx context.Context) ([]string, error)
	RecentCacheStatus(ctx context.Context, url string) (UpdateCacheStatus, error)
}

// Scheduler queues idle work.
type Scheduler interface {
	Schedule(desc string, task idle.Task)
}

// Debugger receives best-effort failures.
type Debugger interface {
	Log(value any, context string)
}

// Env holds the collaborators shared by every version of a driver.
type Env struct {
	Scope   *fetch.Scope
	Fetcher fetch.Fetcher
	Caches  storage.CacheStorage
	DB      storage.Database
	Idle    Scheduler
	Debug   Debugger
	Clock   clock.Clock
}

// AppVersion is the runtime owner of one manifest's cached resources.
type AppVersion struct {
	env        Env
	manifest   *manifest.Manifest
	hash       string
	indexURL   string
	hashes     map[string]string
	assets     []*assetGroup
	data       []*dataGroup
	navigation *navigationMatcher

	mu   sync.Mutex
	okay bool
	bg   sync.WaitGroup
}

// New builds the version for m. Nothing is fetched until InitializeFully
// or HandleFetch.
func New(env Env, m *manifest.Manifest, hash string) (*AppVersion, error) {
	v := &AppVersion{
		env:      env,
		manifest: m,
		hash:     hash,
		indexURL: env.Scope.Normalize(env.Scope.Resolve(m.Index)),
		hashes:   make(map[string]string, len(m.HashTable)),
		okay:     true,
	}
	for u, h := range m.HashTable {
		v.hashes[env.Scope.Normalize(env.Scope.Resolve(u))] = h
	}
	nav, err := compileNavigation(m.NavigationUrls)
	if err != nil {
		return nil, fmt.Errorf("version %s: %w", hash, err)
	}
	v.navigation = nav

	prefix := env.Scope.CacheNamePrefix() + ":" + hash + ":assets"
	for _, cfg := range m.AssetGroups {
		g, err := newAssetGroup(v, cfg, prefix)
		if err != nil {
			return nil, fmt.Errorf("version %s: asset group %s: %w", hash, cfg.Name, err)
		}
		v.assets = append(v.assets, g)
	}
	for _, cfg := range m.DataGroups {
		dataPrefix := fmt.Sprintf("%s:%d:data", env.Scope.CacheNamePrefix(), cfg.Version)
		g, err := newDataGroup(v, cfg, dataPrefix)
		if err != nil {
			return nil, fmt.Errorf("version %s: data group %s: %w", hash, cfg.Name, err)
		}
		v.data = append(v.data, g)
	}
	return v, nil
}

func (v *AppVersion) Hash() string                 { return v.hash }
func (v *AppVersion) Manifest() *manifest.Manifest { return v.manifest }

// AppData is the manifest's opaque application data, or nil.
func (v *AppVersion) AppData() json.RawMessage { return v.manifest.AppData }

// Okay is false once initialization failed.
func (v *AppVersion) Okay() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.okay
}

// InitializeFully populates every asset group per its install mode.
// updateFrom may be nil for a fresh install.
func (v *AppVersion) InitializeFully(ctx context.Context, updateFrom UpdateSource) error {
	for _, g := range v.assets {
		if err := g.initializeFully(ctx, updateFrom); err != nil {
			v.mu.Lock()
			v.okay = false
			v.mu.Unlock()
			return err
		}
	}
	return nil
}

// HandleFetch returns nil, nil when the manifest has no opinion on req.
func (v *AppVersion) HandleFetch(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	for _, g := range v.assets {
		resp, err := g.handleFetch(ctx, req)
		if err != nil || resp != nil {
			return resp, err
		}
	}
	for _, g := range v.data {
		resp, err := g.handleFetch(ctx, req)
		if err != nil || resp != nil {
			return resp, err
		}
	}
	if v.env.Scope.Normalize(req.URL) != v.indexURL && v.IsNavigationRequest(req) {
		if v.manifest.NavigationRequestStrategy == "freshness" {
			if resp, err := v.env.Fetcher.Fetch(ctx, req); err == nil {
				return resp, nil
			}
		}
		index := req.Clone(v.env.Scope.Resolve(v.indexURL))
		index.Method = http.MethodGet
		index.Body = nil
		return v.HandleFetch(ctx, index)
	}
	return nil, nil
}

// IsNavigationRequest reports a top-level HTML navigation that the
// manifest routes to the index.
func (v *AppVersion) IsNavigationRequest(req *fetch.Request) bool {
	if req.Mode != fetch.ModeNavigate || !acceptsTextHTML(req) {
		return false
	}
	return v.navigation.allows(scopeRelative(v.env.Scope, req.URL.String()))
}

// LookupResourceWithHash returns the cached response for url only if this
// version expects exactly hash for it.
func (v *AppVersion) LookupResourceWithHash(ctx context.Context, url, hash string) (*fetch.Response, error) {
	if h, ok := v.hashes[url]; !ok || h != hash {
		return nil, nil
	}
	state, err := v.LookupResourceWithoutHash(ctx, url)
	if err != nil || state == nil {
		return nil, err
	}
	return state.Response, nil
}

// LookupResourceWithoutHash returns whatever an asset group has cached for url.
func (v *AppVersion) LookupResourceWithoutHash(ctx context.Context, url string) (*CacheState, error) {
	for _, g := range v.assets {
		state, err := g.fetchFromCacheOnly(ctx, url)
		if err != nil || state != nil {
			return state, err
		}
	}
	return nil, nil
}

// PreviouslyCachedResources lists the unhashed urls this version cached.
func (v *AppVersion) PreviouslyCachedResources(ctx context.Context) ([]string, error) {
	var out []string
	for _, g := range v.assets {
		urls, err := g.unhashedResources(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, urls...)
	}
	return out, nil
}

// RecentCacheStatus is the best status any asset group reports for url.
func (v *AppVersion) RecentCacheStatus(ctx context.Context, url string) (UpdateCacheStatus, error) {
	status := NotCached
	for _, g := range v.assets {
		s, err := g.cacheStatus(ctx, url)
		if err != nil {
			return NotCached, err
		}
		if s == Cached {
			return Cached, nil
		}
		if s != NotCached {
			status = s
		}
	}
	return status, nil
}

// CacheNames lists every cache and table this version reads or writes.
func (v *AppVersion) CacheNames() []string {
	var names []string
	for _, g := range v.assets {
		names = append(names, g.cacheName, g.metaName)
	}
	for _, g := range v.data {
		names = append(names, g.cacheName, g.lruName, g.ageName)
	}
	return names
}

// Cleanup deletes the storage owned by this version. Data group caches
// are keyed by data group version rather than manifest hash and may be
// shared with newer versions, so they are left for the driver's sweep of
// unused caches.
func (v *AppVersion) Cleanup(ctx context.Context) error {
	v.bg.Wait()
	var firstErr error
	for _, g := range v.assets {
		if err := g.cleanup(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Settle waits for background cache writes started by HandleFetch.
func (v *AppVersion) Settle() {
	v.bg.Wait()
}

// goBackground runs fn detached from the request that started it.
func (v *AppVersion) goBackground(ctx context.Context, desc string, fn func(ctx context.Context) error) {
	v.bg.Add(1)
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer v.bg.Done()
		defer func() {
			if r := recover(); r != nil {
				v.debug(fmt.Errorf("panic: %v", r), desc)
			}
		}()
		if err := fn(ctx); err != nil {
			v.debug(err, desc)
		}
	}()
}

func (v *AppVersion) debug(err error, context string) {
	if v.env.Debug != nil {
		v.env.Debug.Log(err, context)
	}
}

// safeFetch turns transport failures into a synthetic 504.
func (v *AppVersion) safeFetch(ctx context.Context, req *fetch.Request) *fetch.Response {
	resp, err := v.env.Fetcher.Fetch(ctx, req)
	if err != nil {
		return fetch.GatewayTimeout()
	}
	return resp
}

// cacheKey maps a normalized url to its cache key.
func cacheKey(url string, opts *manifest.CacheQueryOptions) string {
	if opts != nil && opts.IgnoreSearch {
		if i := strings.IndexByte(url, '?'); i >= 0 {
			return url[:i]
		}
	}
	return url
}
