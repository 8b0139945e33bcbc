package appversion

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"testing"
	"time"

	"github.com/warpdl/swdriver/pkg/clock"
	"github.com/warpdl/swdriver/pkg/fetch"
	"github.com/warpdl/swdriver/pkg/manifest"
)

func dataManifest(strategy string, maxSize int, maxAge time.Duration) *manifest.Manifest {
	return &manifest.Manifest{
		ConfigVersion: 1,
		Index:         "/index.html",
		DataGroups: []manifest.DataGroup{{
			Name:     "api",
			Version:  1,
			Strategy: strategy,
			Patterns: []string{`^/api/.*$`},
			MaxSize:  maxSize,
			MaxAge:   manifest.Millis(maxAge),
		}},
		HashTable: map[string]string{},
	}
}

var apiFiles = map[string]string{
	"/api/a": "a1",
	"/api/b": "b1",
	"/api/c": "c1",
}

func fetchBody(t *testing.T, v *AppVersion, method, rawURL string) string {
	t.Helper()
	req, err := fetch.NewRequest(method, rawURL)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := v.HandleFetch(context.Background(), req)
	if err != nil {
		t.Fatalf("HandleFetch(%s): %v", rawURL, err)
	}
	if resp == nil {
		t.Fatalf("HandleFetch(%s) had no opinion", rawURL)
	}
	return string(resp.Body)
}

func TestDataGroup_PerformanceServesFromCacheUntilExpiry(t *testing.T) {
	env := newTestEnv(t, map[string]string{"/api/a": "a1"})
	v := newVersion(t, env, dataManifest(manifest.StrategyPerformance, 10, time.Minute))

	if got := fetchBody(t, v, http.MethodGet, "https://app.example.com/api/a"); got != "a1" {
		t.Fatalf("first fetch = %q", got)
	}
	env.server.set("/api/a", "a2")
	if got := fetchBody(t, v, http.MethodGet, "https://app.example.com/api/a"); got != "a1" {
		t.Errorf("performance strategy went to network: %q", got)
	}
	env.clock.Advance(2 * time.Minute)
	if got := fetchBody(t, v, http.MethodGet, "https://app.example.com/api/a"); got != "a2" {
		t.Errorf("expired entry served: %q", got)
	}
}

func TestDataGroup_FreshnessFallsBackToCache(t *testing.T) {
	env := newTestEnv(t, map[string]string{"/api/a": "a1"})
	v := newVersion(t, env, dataManifest(manifest.StrategyFreshness, 10, time.Hour))

	if got := fetchBody(t, v, http.MethodGet, "https://app.example.com/api/a"); got != "a1" {
		t.Fatalf("first fetch = %q", got)
	}
	env.server.set("/api/a", "a2")
	if got := fetchBody(t, v, http.MethodGet, "https://app.example.com/api/a"); got != "a2" {
		t.Errorf("freshness strategy served cache while online: %q", got)
	}

	env.server.handler = func(*fetch.Request) (*fetch.Response, error) {
		return nil, errors.New("offline")
	}
	if got := fetchBody(t, v, http.MethodGet, "https://app.example.com/api/a"); got != "a2" {
		t.Errorf("offline fallback = %q, want cached a2", got)
	}
	v.Settle()
}

func TestDataGroup_FreshnessTimeout(t *testing.T) {
	env := newTestEnv(t, map[string]string{"/api/a": "a1"})
	env.Clock = clock.Real()
	m := dataManifest(manifest.StrategyFreshness, 10, time.Hour)
	timeout := manifest.Millis(20 * time.Millisecond)
	m.DataGroups[0].Timeout = &timeout
	v := newVersion(t, env, m)

	if got := fetchBody(t, v, http.MethodGet, "https://app.example.com/api/a"); got != "a1" {
		t.Fatalf("first fetch = %q", got)
	}

	release := make(chan struct{})
	env.server.handler = func(req *fetch.Request) (*fetch.Response, error) {
		<-release
		return fetch.NewResponse(http.StatusOK, []byte("slow"), nil), nil
	}
	if got := fetchBody(t, v, http.MethodGet, "https://app.example.com/api/a"); got != "a1" {
		t.Errorf("timed out fetch served %q, want cached a1", got)
	}
	close(release)
	v.Settle()

	env.server.handler = func(*fetch.Request) (*fetch.Response, error) {
		return nil, errors.New("offline")
	}
	if got := fetchBody(t, v, http.MethodGet, "https://app.example.com/api/a"); got != "slow" {
		t.Errorf("late response was not cached, got %q", got)
	}
	v.Settle()
}

func TestDataGroup_MaxSizeEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, apiFiles)
	v := newVersion(t, env, dataManifest(manifest.StrategyPerformance, 2, time.Hour))

	fetchBody(t, v, http.MethodGet, "https://app.example.com/api/a")
	fetchBody(t, v, http.MethodGet, "https://app.example.com/api/b")
	fetchBody(t, v, http.MethodGet, "https://app.example.com/api/a")
	fetchBody(t, v, http.MethodGet, "https://app.example.com/api/c")

	g := v.data[0]
	c, _ := env.Caches.Open(ctx, g.cacheName)
	keys, _ := c.Keys(ctx)
	if !reflect.DeepEqual(keys, []string{"/api/a", "/api/c"}) {
		t.Errorf("cached keys = %v, want b evicted", keys)
	}
	tbl, _ := env.DB.Open(ctx, g.lruName)
	var order []string
	if err := tbl.Read(ctx, lruKey, &order); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(order, []string{"/api/c", "/api/a"}) {
		t.Errorf("persisted lru = %v", order)
	}
}

func TestDataGroup_MutationInvalidates(t *testing.T) {
	env := newTestEnv(t, apiFiles)
	v := newVersion(t, env, dataManifest(manifest.StrategyPerformance, 10, time.Hour))

	fetchBody(t, v, http.MethodGet, "https://app.example.com/api/a")
	env.server.set("/api/a", "a2")
	fetchBody(t, v, http.MethodPost, "https://app.example.com/api/a")
	if got := fetchBody(t, v, http.MethodGet, "https://app.example.com/api/a"); got != "a2" {
		t.Errorf("POST did not invalidate the cached GET, got %q", got)
	}
}

func TestDataGroup_OptionsHasNoOpinion(t *testing.T) {
	env := newTestEnv(t, apiFiles)
	v := newVersion(t, env, dataManifest(manifest.StrategyPerformance, 10, time.Hour))
	req, _ := fetch.NewRequest(http.MethodOptions, "https://app.example.com/api/a")
	if resp, err := v.HandleFetch(context.Background(), req); resp != nil || err != nil {
		t.Errorf("OPTIONS = %v, %v", resp, err)
	}
}

func TestDataGroup_ErrorsAreNotCached(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, map[string]string{})
	v := newVersion(t, env, dataManifest(manifest.StrategyPerformance, 10, time.Hour))
	fetchBody(t, v, http.MethodGet, "https://app.example.com/api/missing")
	c, _ := env.Caches.Open(ctx, v.data[0].cacheName)
	if keys, _ := c.Keys(ctx); len(keys) != 0 {
		t.Errorf("404 was cached: %v", keys)
	}
}

func TestLRU(t *testing.T) {
	l := newLRU([]string{"a", "b", "a"})
	if l.size() != 2 {
		t.Fatalf("size = %d", l.size())
	}
	l.accessed("c")
	l.accessed("b")
	if got := l.state(); !reflect.DeepEqual(got, []string{"b", "c", "a"}) {
		t.Errorf("state = %v", got)
	}
	if url, ok := l.pop(); !ok || url != "a" {
		t.Errorf("pop = %q, %v", url, ok)
	}
	if !l.remove("c") || l.remove("c") {
		t.Error("remove reported wrong result")
	}
}
