package appversion

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"net/http"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/warpdl/swdriver/internal/idle"
	"github.com/warpdl/swdriver/pkg/clock"
	"github.com/warpdl/swdriver/pkg/fetch"
	"github.com/warpdl/swdriver/pkg/logger"
	"github.com/warpdl/swdriver/pkg/manifest"
	"github.com/warpdl/swdriver/pkg/storage"
)

// fakeServer answers fetches from a path -> body map. Paths that are not
// registered answer 404.
type fakeServer struct {
	mu      sync.Mutex
	files   map[string]string
	headers map[string]http.Header
	calls   []string
	handler func(req *fetch.Request) (*fetch.Response, error)
}

func newFakeServer(files map[string]string) *fakeServer {
	return &fakeServer{files: files, headers: map[string]http.Header{}}
}

func (s *fakeServer) Fetch(_ context.Context, req *fetch.Request) (*fetch.Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req.URL.RequestURI())
	handler := s.handler
	body, ok := s.files[req.URL.Path]
	header := s.headers[req.URL.Path].Clone()
	s.mu.Unlock()
	if handler != nil {
		return handler(req)
	}
	if !ok {
		return fetch.NewResponse(http.StatusNotFound, nil, nil), nil
	}
	resp := fetch.NewResponse(http.StatusOK, []byte(body), header)
	resp.URL = req.URL.String()
	return resp, nil
}

func (s *fakeServer) set(path, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = body
}

func (s *fakeServer) count(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c == path {
			n++
		}
	}
	return n
}

func (s *fakeServer) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

func sha(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

type testEnv struct {
	Env
	server *fakeServer
	clock  *clock.Fake
	debug  *logger.DebugLogger
	idle   *idle.Scheduler
}

func newTestEnv(t *testing.T, files map[string]string) *testEnv {
	t.Helper()
	scope, err := fetch.NewScope("https://app.example.com/")
	if err != nil {
		t.Fatal(err)
	}
	caches, err := storage.NewFSCacheStorage(afero.NewMemMapFs(), "/caches")
	if err != nil {
		t.Fatal(err)
	}
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	dbg := logger.NewDebugLogger(clk.Now, nil)
	sched := idle.New(context.Background(), clk, idle.IdleDelay, idle.MaxIdleDelay, dbg)
	server := newFakeServer(files)
	return &testEnv{
		Env: Env{
			Scope:   scope,
			Fetcher: server,
			Caches:  caches,
			DB:      storage.NewMemoryDatabase(),
			Idle:    sched,
			Debug:   dbg,
			Clock:   clk,
		},
		server: server,
		clock:  clk,
		debug:  dbg,
		idle:   sched,
	}
}

var appFiles = map[string]string{
	"/index.html": "<html>v1</html>",
	"/main.js":    "console.log('v1')",
	"/lazy.png":   "png-bytes",
}

func appManifest(files map[string]string, lazyMode string) *manifest.Manifest {
	m := &manifest.Manifest{
		ConfigVersion: 1,
		Index:         "/index.html",
		AssetGroups: []manifest.AssetGroup{
			{Name: "app", InstallMode: manifest.ModePrefetch, UpdateMode: manifest.ModePrefetch, Urls: []string{"/index.html", "/main.js"}},
			{Name: "assets", InstallMode: manifest.ModeLazy, UpdateMode: lazyMode, Urls: []string{"/lazy.png"}},
		},
		HashTable: map[string]string{},
	}
	for path, body := range files {
		m.HashTable[path] = sha(body)
	}
	return m
}

func newVersion(t *testing.T, env *testEnv, m *manifest.Manifest) *AppVersion {
	t.Helper()
	h, err := manifest.Hash(m)
	if err != nil {
		t.Fatal(err)
	}
	v, err := New(env.Env, m, h)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func navRequest(t *testing.T, rawURL string) *fetch.Request {
	t.Helper()
	req, err := fetch.NewRequest(http.MethodGet, rawURL)
	if err != nil {
		t.Fatal(err)
	}
	req.Mode = fetch.ModeNavigate
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	return req
}

func getRequest(t *testing.T, rawURL string) *fetch.Request {
	t.Helper()
	req, err := fetch.NewRequest(http.MethodGet, rawURL)
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func TestInitializeFully_PrefetchThenServeFromCache(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, appFiles)
	v := newVersion(t, env, appManifest(appFiles, manifest.ModeLazy))

	if err := v.InitializeFully(ctx, nil); err != nil {
		t.Fatalf("InitializeFully: %v", err)
	}
	if env.server.count("/index.html") != 1 || env.server.count("/main.js") != 1 {
		t.Fatalf("prefetch calls = %v", env.server.calls)
	}
	if env.server.count("/lazy.png") != 0 {
		t.Error("lazy group fetched during install")
	}

	env.server.reset()
	resp, err := v.HandleFetch(ctx, getRequest(t, "https://app.example.com/main.js"))
	if err != nil || resp == nil {
		t.Fatalf("HandleFetch = %v, %v", resp, err)
	}
	if string(resp.Body) != appFiles["/main.js"] {
		t.Errorf("body = %q", resp.Body)
	}
	if len(env.server.calls) != 0 {
		t.Errorf("cached asset hit the network: %v", env.server.calls)
	}
	if !v.Okay() {
		t.Error("healthy version reports not okay")
	}
}

func TestHandleFetch_LazyFetchedOnDemand(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, appFiles)
	v := newVersion(t, env, appManifest(appFiles, manifest.ModeLazy))

	for i := 0; i < 2; i++ {
		resp, err := v.HandleFetch(ctx, getRequest(t, "https://app.example.com/lazy.png"))
		if err != nil || resp == nil || string(resp.Body) != "png-bytes" {
			t.Fatalf("HandleFetch = %v, %v", resp, err)
		}
	}
	if n := env.server.count("/lazy.png"); n != 1 {
		t.Errorf("lazy asset fetched %d times, want 1", n)
	}
	status, _ := v.RecentCacheStatus(ctx, "/lazy.png")
	if status != Cached {
		t.Errorf("status = %v, want CACHED", status)
	}
}

func TestHandleFetch_NoOpinion(t *testing.T) {
	env := newTestEnv(t, appFiles)
	v := newVersion(t, env, appManifest(appFiles, manifest.ModeLazy))
	resp, err := v.HandleFetch(context.Background(), getRequest(t, "https://app.example.com/api/user"))
	if err != nil || resp != nil {
		t.Fatalf("HandleFetch = %v, %v; want nil, nil", resp, err)
	}
}

func TestInitializeFully_CacheBustRecoversStaleResponse(t *testing.T) {
	env := newTestEnv(t, appFiles)
	env.server.handler = func(req *fetch.Request) (*fetch.Response, error) {
		body := appFiles[req.URL.Path]
		if req.URL.Path == "/main.js" && req.URL.Query().Get(fetch.CacheBustParam) == "" {
			body = "stale proxy copy"
		}
		return fetch.NewResponse(http.StatusOK, []byte(body), nil), nil
	}
	v := newVersion(t, env, appManifest(appFiles, manifest.ModeLazy))
	if err := v.InitializeFully(context.Background(), nil); err != nil {
		t.Fatalf("InitializeFully: %v", err)
	}
	state, _ := v.LookupResourceWithoutHash(context.Background(), "/main.js")
	if state == nil || string(state.Response.Body) != appFiles["/main.js"] {
		t.Fatalf("cached %v, want the cache-busted body", state)
	}
}

func TestInitializeFully_HashMismatchIsCritical(t *testing.T) {
	env := newTestEnv(t, appFiles)
	env.server.set("/main.js", "tampered")
	v := newVersion(t, env, appManifest(appFiles, manifest.ModeLazy))

	err := v.InitializeFully(context.Background(), nil)
	if !IsCritical(err) {
		t.Fatalf("got %v, want a critical error", err)
	}
	if IsUnrecoverable(err) {
		t.Error("hash mismatch should not be unrecoverable")
	}
	if v.Okay() {
		t.Error("version still okay after a critical failure")
	}
}

func TestHandleFetch_MissingHashedResourceIsUnrecoverable(t *testing.T) {
	env := newTestEnv(t, appFiles)
	v := newVersion(t, env, appManifest(appFiles, manifest.ModeLazy))
	env.server.mu.Lock()
	delete(env.server.files, "/lazy.png")
	env.server.mu.Unlock()

	_, err := v.HandleFetch(context.Background(), getRequest(t, "https://app.example.com/lazy.png"))
	if !IsUnrecoverable(err) || !IsCritical(err) {
		t.Fatalf("got %v, want an unrecoverable critical error", err)
	}
}

func TestHandleFetch_UpstreamErrorIsNotCritical(t *testing.T) {
	env := newTestEnv(t, appFiles)
	env.server.handler = func(*fetch.Request) (*fetch.Response, error) {
		return nil, errors.New("connection refused")
	}
	v := newVersion(t, env, appManifest(appFiles, manifest.ModeLazy))
	_, err := v.HandleFetch(context.Background(), getRequest(t, "https://app.example.com/lazy.png"))
	if err == nil || IsCritical(err) {
		t.Fatalf("got %v, want a plain error", err)
	}
}

func TestInitializeFully_UpdateCopiesUnchangedResources(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, appFiles)
	old := newVersion(t, env, appManifest(appFiles, manifest.ModePrefetch))
	if err := old.InitializeFully(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := old.HandleFetch(ctx, getRequest(t, "https://app.example.com/lazy.png")); err != nil {
		t.Fatal(err)
	}

	v2Files := map[string]string{
		"/index.html": "<html>v2</html>",
		"/main.js":    appFiles["/main.js"],
		"/lazy.png":   appFiles["/lazy.png"],
	}
	env.server.set("/index.html", v2Files["/index.html"])
	env.server.reset()
	next := newVersion(t, env, appManifest(v2Files, manifest.ModePrefetch))
	if err := next.InitializeFully(ctx, old); err != nil {
		t.Fatalf("InitializeFully: %v", err)
	}
	if !reflect.DeepEqual(env.server.calls, []string{"/index.html"}) {
		t.Errorf("network calls = %v, want only the changed index", env.server.calls)
	}
	for _, url := range []string{"/main.js", "/lazy.png"} {
		state, _ := next.LookupResourceWithoutHash(ctx, url)
		if state == nil {
			t.Errorf("%s was not carried over", url)
		}
	}
}

func TestLookupResourceWithHash(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, appFiles)
	v := newVersion(t, env, appManifest(appFiles, manifest.ModeLazy))
	if err := v.InitializeFully(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if resp, _ := v.LookupResourceWithHash(ctx, "/main.js", sha(appFiles["/main.js"])); resp == nil {
		t.Error("matching hash not found")
	}
	if resp, _ := v.LookupResourceWithHash(ctx, "/main.js", "other"); resp != nil {
		t.Error("returned a resource for a different hash")
	}
	if resp, _ := v.LookupResourceWithHash(ctx, "/lazy.png", sha(appFiles["/lazy.png"])); resp != nil {
		t.Error("returned an uncached resource")
	}
}

func TestIsNavigationRequest(t *testing.T) {
	env := newTestEnv(t, appFiles)
	v := newVersion(t, env, appManifest(appFiles, manifest.ModeLazy))

	tests := []struct {
		name string
		req  func() *fetch.Request
		want bool
	}{
		{"route", func() *fetch.Request { return navRequest(t, "https://app.example.com/orders/42?tab=1") }, true},
		{"file extension", func() *fetch.Request { return navRequest(t, "https://app.example.com/report.pdf") }, false},
		{"double underscore", func() *fetch.Request { return navRequest(t, "https://app.example.com/__admin") }, false},
		{"not navigate mode", func() *fetch.Request {
			r := navRequest(t, "https://app.example.com/orders")
			r.Mode = fetch.ModeCORS
			return r
		}, false},
		{"json accept", func() *fetch.Request {
			r := navRequest(t, "https://app.example.com/orders")
			r.Header.Set("Accept", "application/json")
			return r
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := v.IsNavigationRequest(tt.req()); got != tt.want {
				t.Errorf("IsNavigationRequest = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsNavigationRequest_ManifestRules(t *testing.T) {
	env := newTestEnv(t, appFiles)
	m := appManifest(appFiles, manifest.ModeLazy)
	m.NavigationUrls = []manifest.NavigationURL{
		{Positive: true, Regex: `^/app/.*$`},
		{Positive: false, Regex: `^/app/api/.*$`},
	}
	v := newVersion(t, env, m)
	if !v.IsNavigationRequest(navRequest(t, "https://app.example.com/app/home")) {
		t.Error("included route rejected")
	}
	if v.IsNavigationRequest(navRequest(t, "https://app.example.com/app/api/x")) {
		t.Error("excluded route accepted")
	}
	if v.IsNavigationRequest(navRequest(t, "https://app.example.com/other")) {
		t.Error("route outside include list accepted")
	}
}

func TestIsNavigationRequest_LookaheadRule(t *testing.T) {
	env := newTestEnv(t, appFiles)
	m := appManifest(appFiles, manifest.ModeLazy)
	m.NavigationUrls = []manifest.NavigationURL{
		{Positive: true, Regex: `^\/(?!api\/).*$`},
	}
	v := newVersion(t, env, m)
	if !v.IsNavigationRequest(navRequest(t, "https://app.example.com/orders/42")) {
		t.Error("route rejected")
	}
	if v.IsNavigationRequest(navRequest(t, "https://app.example.com/api/orders")) {
		t.Error("negative lookahead ignored")
	}
}

func TestCompileJS(t *testing.T) {
	tests := []struct {
		src     string
		input   string
		want    bool
		wantErr bool
	}{
		{`^\/(?!api\/).*$`, "/home", true, false},
		{`^\/(?!api\/).*$`, "/api/x", false, false},
		{`^\/v\d+$`, "/v2", true, false},
		{`^/static/.*\.js$`, "/static/main.js", true, false},
		{`^/STATIC/`, "/static/main.js", false, false},
		{`([unclosed`, "", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			re, err := compileJS(tt.src)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected compile error")
				}
				return
			}
			if err != nil {
				t.Fatalf("compile: %v", err)
			}
			if got := re.MatchString(tt.input); got != tt.want {
				t.Fatalf("MatchString(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNew_InvalidRegexRejected(t *testing.T) {
	env := newTestEnv(t, appFiles)
	m := appManifest(appFiles, manifest.ModeLazy)
	m.NavigationUrls = []manifest.NavigationURL{{Positive: true, Regex: `([unclosed`}}
	h, _ := manifest.Hash(m)
	if _, err := New(env.Env, m, h); err == nil {
		t.Fatal("expected an error for an uncompilable navigation rule")
	}
}

func TestHandleFetch_NavigationServesIndex(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, appFiles)
	v := newVersion(t, env, appManifest(appFiles, manifest.ModeLazy))
	if err := v.InitializeFully(ctx, nil); err != nil {
		t.Fatal(err)
	}
	resp, err := v.HandleFetch(ctx, navRequest(t, "https://app.example.com/orders/42"))
	if err != nil || resp == nil {
		t.Fatalf("HandleFetch = %v, %v", resp, err)
	}
	if string(resp.Body) != appFiles["/index.html"] {
		t.Errorf("navigation served %q, want the index", resp.Body)
	}
}

func TestNeedToRevalidate(t *testing.T) {
	env := newTestEnv(t, appFiles)
	v := newVersion(t, env, appManifest(appFiles, manifest.ModeLazy))
	g := v.assets[0]
	now := env.clock.Now()

	tests := []struct {
		name   string
		header http.Header
		want   bool
	}{
		{"no headers", http.Header{}, true},
		{"no max-age", http.Header{"Cache-Control": {"no-cache"}}, true},
		{"fresh by date", http.Header{"Cache-Control": {"public, max-age=60"}, "Date": {now.Add(-10 * time.Second).UTC().Format(http.TimeFormat)}}, false},
		{"stale by date", http.Header{"Cache-Control": {"max-age=60"}, "Date": {now.Add(-2 * time.Minute).UTC().Format(http.TimeFormat)}}, true},
		{"max-age without date", http.Header{"Cache-Control": {"max-age=60"}}, true},
		{"future expires", http.Header{"Expires": {now.Add(time.Hour).UTC().Format(http.TimeFormat)}}, false},
		{"past expires", http.Header{"Expires": {now.Add(-time.Hour).UTC().Format(http.TimeFormat)}}, true},
		{"bad expires", http.Header{"Expires": {"soon"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := fetch.NewResponse(http.StatusOK, nil, tt.header)
			if got := g.needToRevalidate(context.Background(), "/unhashed.txt", resp); got != tt.want {
				t.Errorf("needToRevalidate = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHandleFetch_UnhashedRevalidatesWhenIdle(t *testing.T) {
	ctx := context.Background()
	files := map[string]string{"/index.html": "index"}
	env := newTestEnv(t, files)
	env.server.set("/config.json", `{"v":1}`)
	m := appManifest(files, manifest.ModeLazy)
	m.AssetGroups[1].Urls = []string{"/config.json"}
	v := newVersion(t, env, m)

	if _, err := v.HandleFetch(ctx, getRequest(t, "https://app.example.com/config.json")); err != nil {
		t.Fatal(err)
	}
	env.server.set("/config.json", `{"v":2}`)
	resp, _ := v.HandleFetch(ctx, getRequest(t, "https://app.example.com/config.json"))
	if string(resp.Body) != `{"v":1}` {
		t.Fatalf("stale-while-revalidate should serve the cached copy, got %q", resp.Body)
	}
	if got := env.idle.TaskDescriptions(); len(got) != 1 {
		t.Fatalf("idle tasks = %v", got)
	}
	env.idle.Execute(ctx)
	resp, _ = v.HandleFetch(ctx, getRequest(t, "https://app.example.com/config.json"))
	if string(resp.Body) != `{"v":2}` {
		t.Errorf("after revalidation got %q", resp.Body)
	}
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, appFiles)
	v := newVersion(t, env, appManifest(appFiles, manifest.ModeLazy))
	if err := v.InitializeFully(ctx, nil); err != nil {
		t.Fatal(err)
	}
	names := v.CacheNames()
	if len(names) != 4 {
		t.Fatalf("cache names = %v", names)
	}
	if err := v.Cleanup(ctx); err != nil {
		t.Fatal(err)
	}
	for _, n := range names {
		if ok, _ := env.Caches.Has(ctx, n); ok {
			t.Errorf("cache %s survived cleanup", n)
		}
	}
}
