package appversion

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/warpdl/swdriver/pkg/fetch"
	"github.com/warpdl/swdriver/pkg/manifest"
)

const lruKey = "lru"

// lruList tracks data group urls, most recently used first.
type lruList struct {
	order *list.List
	index map[string]*list.Element
}

func newLRU(urls []string) *lruList {
	l := &lruList{order: list.New(), index: map[string]*list.Element{}}
	for _, u := range urls {
		if _, dup := l.index[u]; !dup {
			l.index[u] = l.order.PushBack(u)
		}
	}
	return l
}

func (l *lruList) accessed(url string) {
	if e, ok := l.index[url]; ok {
		l.order.MoveToFront(e)
		return
	}
	l.index[url] = l.order.PushFront(url)
}

func (l *lruList) remove(url string) bool {
	e, ok := l.index[url]
	if !ok {
		return false
	}
	l.order.Remove(e)
	delete(l.index, url)
	return true
}

// pop removes and returns the least recently used url.
func (l *lruList) pop() (string, bool) {
	e := l.order.Back()
	if e == nil {
		return "", false
	}
	url := e.Value.(string)
	l.order.Remove(e)
	delete(l.index, url)
	return url, true
}

func (l *lruList) size() int { return l.order.Len() }

func (l *lruList) state() []string {
	out := make([]string, 0, l.order.Len())
	for e := l.order.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(string))
	}
	return out
}

type ageRecord struct {
	// Age is the time the response was cached, in unix milliseconds.
	Age int64 `json:"age"`
}

// dataGroup caches unversioned API responses with a size bound and an
// expiry, using either a cache-first (performance) or network-first
// (freshness) strategy.
type dataGroup struct {
	v         *AppVersion
	cfg       manifest.DataGroup
	patterns  []*jsRegexp
	cacheName string
	lruName   string
	ageName   string

	mu  sync.Mutex
	lru *lruList
}

func newDataGroup(v *AppVersion, cfg manifest.DataGroup, prefix string) (*dataGroup, error) {
	patterns, err := compilePatterns(cfg.Patterns)
	if err != nil {
		return nil, err
	}
	return &dataGroup{
		v:         v,
		cfg:       cfg,
		patterns:  patterns,
		cacheName: prefix + ":" + cfg.Name + ":cache",
		lruName:   prefix + ":" + cfg.Name + ":lru",
		ageName:   prefix + ":" + cfg.Name + ":age",
	}, nil
}

func (g *dataGroup) matches(url string) bool {
	for _, re := range g.patterns {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

func (g *dataGroup) key(url string) string {
	return cacheKey(url, g.cfg.CacheQueryOptions)
}

// loadLRU reads the persisted LRU order once. Callers hold g.mu.
func (g *dataGroup) loadLRU(ctx context.Context) *lruList {
	if g.lru != nil {
		return g.lru
	}
	var urls []string
	if tbl, err := g.v.env.DB.Open(ctx, g.lruName); err == nil {
		_ = tbl.Read(ctx, lruKey, &urls)
	}
	g.lru = newLRU(urls)
	return g.lru
}

// syncLRU persists the LRU order. Callers hold g.mu.
func (g *dataGroup) syncLRU(ctx context.Context) {
	if g.lru == nil {
		return
	}
	tbl, err := g.v.env.DB.Open(ctx, g.lruName)
	if err == nil {
		err = tbl.Write(ctx, lruKey, g.lru.state())
	}
	if err != nil {
		g.v.debug(err, fmt.Sprintf("DataGroup(%s@%d).syncLru()", g.cfg.Name, g.cfg.Version))
	}
}

func (g *dataGroup) handleFetch(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	url := g.v.env.Scope.Normalize(req.URL)
	if !g.matches(url) {
		return nil, nil
	}
	switch req.Method {
	case http.MethodOptions:
		return nil, nil
	case http.MethodGet, http.MethodHead:
		if g.cfg.Strategy == manifest.StrategyFreshness {
			return g.handleFreshness(ctx, req, url)
		}
		return g.handlePerformance(ctx, req, url)
	default:
		// Mutations invalidate whatever was cached for the url.
		g.mu.Lock()
		if g.loadLRU(ctx).remove(url) {
			g.clearCacheForURL(ctx, url)
		}
		g.syncLRU(ctx)
		g.mu.Unlock()
		return g.v.safeFetch(ctx, req), nil
	}
}

func (g *dataGroup) okToCacheOpaque(def bool) bool {
	if g.cfg.CacheOpaqueResponses != nil {
		return *g.cfg.CacheOpaqueResponses
	}
	return def
}

func (g *dataGroup) handlePerformance(ctx context.Context, req *fetch.Request, url string) (*fetch.Response, error) {
	opaque := g.okToCacheOpaque(false)
	if resp, age, ok := g.loadFromCache(ctx, url); ok {
		if g.cfg.RefreshAhead != nil && age >= g.cfg.RefreshAhead.Duration() {
			g.v.goBackground(ctx, "DataGroup("+g.cfg.Name+").refreshAhead", func(ctx context.Context) error {
				return g.cacheResponse(ctx, url, g.v.safeFetch(ctx, req), opaque)
			})
		}
		return resp, nil
	}
	resp, pending := g.networkFetchWithTimeout(ctx, req)
	if resp == nil {
		g.v.goBackground(ctx, "DataGroup("+g.cfg.Name+").cacheLateResponse", func(ctx context.Context) error {
			return g.cacheResponse(ctx, url, <-pending, opaque)
		})
		return fetch.GatewayTimeout(), nil
	}
	g.safeCacheResponse(ctx, url, resp, opaque)
	return resp, nil
}

func (g *dataGroup) handleFreshness(ctx context.Context, req *fetch.Request, url string) (*fetch.Response, error) {
	opaque := g.okToCacheOpaque(true)
	resp, pending := g.networkFetchWithTimeout(ctx, req)
	if resp != nil {
		g.safeCacheResponse(ctx, url, resp, opaque)
		return resp, nil
	}
	// Timed out or failed: the network result is still cached when it lands.
	late := make(chan *fetch.Response, 1)
	g.v.goBackground(ctx, "DataGroup("+g.cfg.Name+").cacheLateResponse", func(ctx context.Context) error {
		r := <-pending
		late <- r
		return g.cacheResponse(ctx, url, r, opaque)
	})
	if cached, _, ok := g.loadFromCache(ctx, url); ok {
		return cached, nil
	}
	return <-late, nil
}

// networkFetchWithTimeout starts the fetch and waits up to the group
// timeout, or indefinitely when none is configured. It returns the
// response if it arrived in time (nil on timeout or transport error) and
// a channel that always yields the eventual response, with transport
// errors mapped to a 504.
func (g *dataGroup) networkFetchWithTimeout(ctx context.Context, req *fetch.Request) (*fetch.Response, <-chan *fetch.Response) {
	type result struct {
		resp *fetch.Response
		err  error
	}
	done := make(chan result, 1)
	bgCtx := context.WithoutCancel(ctx)
	go func() {
		resp, err := g.v.env.Fetcher.Fetch(bgCtx, req)
		done <- result{resp, err}
	}()
	pending := make(chan *fetch.Response, 1)
	deliver := func(r result) {
		if r.err != nil {
			pending <- fetch.GatewayTimeout()
			return
		}
		pending <- r.resp
	}

	timedOut := make(chan struct{})
	if g.cfg.Timeout != nil {
		timer := g.v.env.Clock.AfterFunc(g.cfg.Timeout.Duration(), func() { close(timedOut) })
		defer timer.Stop()
	}
	select {
	case r := <-done:
		deliver(r)
		if r.err != nil {
			return nil, pending
		}
		return r.resp, pending
	case <-timedOut:
		go func() { deliver(<-done) }()
		return nil, pending
	}
}

// loadFromCache returns the cached response and its age if it has not
// expired. Expired entries are evicted.
func (g *dataGroup) loadFromCache(ctx context.Context, url string) (*fetch.Response, time.Duration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, err := g.v.env.Caches.Open(ctx, g.cacheName)
	if err != nil {
		return nil, 0, false
	}
	resp, err := c.Match(ctx, g.key(url))
	if err != nil || resp == nil {
		return nil, 0, false
	}
	lru := g.loadLRU(ctx)
	if tbl, err := g.v.env.DB.Open(ctx, g.ageName); err == nil {
		var rec ageRecord
		if tbl.Read(ctx, url, &rec) == nil {
			age := g.v.env.Clock.Now().Sub(time.UnixMilli(rec.Age))
			if age <= g.cfg.MaxAge.Duration() {
				lru.accessed(url)
				return resp, age, true
			}
		}
	}
	lru.remove(url)
	g.clearCacheForURL(ctx, url)
	g.syncLRU(ctx)
	return nil, 0, false
}

func (g *dataGroup) safeCacheResponse(ctx context.Context, url string, resp *fetch.Response, opaque bool) {
	if err := g.cacheResponse(ctx, url, resp, opaque); err != nil {
		g.v.debug(err, fmt.Sprintf("DataGroup(%s@%d).safeCacheResponse(%s)", g.cfg.Name, g.cfg.Version, url))
	}
}

func (g *dataGroup) cacheResponse(ctx context.Context, url string, resp *fetch.Response, opaque bool) error {
	if !(resp.OK() || (opaque && resp.Type == fetch.TypeOpaque)) {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	lru := g.loadLRU(ctx)
	if _, known := lru.index[url]; !known && lru.size() >= g.cfg.MaxSize {
		if evicted, ok := lru.pop(); ok {
			g.clearCacheForURL(ctx, evicted)
		}
	}
	lru.accessed(url)
	c, err := g.v.env.Caches.Open(ctx, g.cacheName)
	if err != nil {
		return err
	}
	if err := c.Put(ctx, g.key(url), resp.Clone()); err != nil {
		return err
	}
	tbl, err := g.v.env.DB.Open(ctx, g.ageName)
	if err != nil {
		return err
	}
	if err := tbl.Write(ctx, url, ageRecord{Age: g.v.env.Clock.Now().UnixMilli()}); err != nil {
		return err
	}
	g.syncLRU(ctx)
	return nil
}

// clearCacheForURL drops url from the cache and age table. Callers hold g.mu.
func (g *dataGroup) clearCacheForURL(ctx context.Context, url string) {
	var errs []error
	if c, err := g.v.env.Caches.Open(ctx, g.cacheName); err == nil {
		_, err = c.Delete(ctx, g.key(url))
		errs = append(errs, err)
	}
	if tbl, err := g.v.env.DB.Open(ctx, g.ageName); err == nil {
		_, err = tbl.Delete(ctx, url)
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		g.v.debug(err, fmt.Sprintf("DataGroup(%s@%d).clearCacheForUrl(%s)", g.cfg.Name, g.cfg.Version, url))
	}
}
