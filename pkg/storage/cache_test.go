package storage

import (
	"bytes"
	"context"
	"net/http"
	"reflect"
	"testing"

	"github.com/spf13/afero"

	"github.com/warpdl/swdriver/pkg/fetch"
)

func newTestCacheStorage(t *testing.T) *FSCacheStorage {
	t.Helper()
	cs, err := NewFSCacheStorage(afero.NewMemMapFs(), "/caches")
	if err != nil {
		t.Fatal(err)
	}
	return cs
}

func TestFSCache_PutMatch(t *testing.T) {
	ctx := context.Background()
	cs := newTestCacheStorage(t)
	c, err := cs.Open(ctx, "ngsw:/:abc:assets:app:cache")
	if err != nil {
		t.Fatal(err)
	}

	miss, err := c.Match(ctx, "/main.js")
	if err != nil || miss != nil {
		t.Fatalf("miss = %v, %v", miss, err)
	}

	body := bytes.Repeat([]byte("console.log(1);"), 100)
	resp := fetch.NewResponse(http.StatusOK, body, http.Header{"Content-Type": {"text/javascript"}})
	resp.URL = "https://app.example.com/main.js"
	if err := c.Put(ctx, "/main.js", resp); err != nil {
		t.Fatal(err)
	}

	got, err := c.Match(ctx, "/main.js")
	if err != nil || got == nil {
		t.Fatalf("match = %v, %v", got, err)
	}
	if !bytes.Equal(got.Body, body) {
		t.Error("body did not round trip")
	}
	if got.Header.Get("Content-Type") != "text/javascript" || got.URL != resp.URL || got.Status != http.StatusOK {
		t.Errorf("unexpected response: %+v", got)
	}

	keys, _ := c.Keys(ctx)
	if !reflect.DeepEqual(keys, []string{"/main.js"}) {
		t.Errorf("keys = %v", keys)
	}
	if ok, _ := c.Delete(ctx, "/main.js"); !ok {
		t.Error("delete reported no entry")
	}
	if got, _ := c.Match(ctx, "/main.js"); got != nil {
		t.Error("entry survived delete")
	}
}

func TestFSCacheStorage_NamesAndDelete(t *testing.T) {
	ctx := context.Background()
	cs := newTestCacheStorage(t)
	for _, n := range []string{"ngsw:/:db:control", "ngsw:/:h1:assets:app:cache"} {
		if _, err := cs.Open(ctx, n); err != nil {
			t.Fatal(err)
		}
	}
	names, err := cs.Keys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(names, []string{"ngsw:/:db:control", "ngsw:/:h1:assets:app:cache"}) {
		t.Errorf("names = %v", names)
	}
	if ok, _ := cs.Has(ctx, "ngsw:/:h1:assets:app:cache"); !ok {
		t.Error("Has = false for open cache")
	}
	if ok, err := cs.Delete(ctx, "ngsw:/:h1:assets:app:cache"); err != nil || !ok {
		t.Fatalf("delete = %v, %v", ok, err)
	}
	if ok, _ := cs.Has(ctx, "ngsw:/:h1:assets:app:cache"); ok {
		t.Error("cache survived delete")
	}
	if ok, _ := cs.Delete(ctx, "missing"); ok {
		t.Error("deleting a missing cache reported success")
	}
}
