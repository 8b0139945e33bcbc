package storage

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"

	"github.com/warpdl/swdriver/pkg/fetch"
)

// CacheStorage is a set of named response caches.
type CacheStorage interface {
	Open(ctx context.Context, name string) (Cache, error)
	Has(ctx context.Context, name string) (bool, error)
	Delete(ctx context.Context, name string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
}

// Cache maps request keys (normalized URLs) to stored responses.
type Cache interface {
	Name() string
	// Match returns nil, nil when key is not cached.
	Match(ctx context.Context, key string) (*fetch.Response, error)
	Put(ctx context.Context, key string, resp *fetch.Response) error
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("storage: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("storage: zstd decoder initialization failed: " + err.Error())
	}
}

// FSCacheStorage keeps each cache in its own directory under root:
//
//	<root>/<base64url(cache name)>/<sha1(key)>.meta   JSON status and headers
//	<root>/<base64url(cache name)>/<sha1(key)>.body   zstd compressed body
//
// The meta file is written last, so an entry exists once its meta does.
type FSCacheStorage struct {
	fs   afero.Fs
	root string
}

// NewFSCacheStorage stores caches on fs below root.
func NewFSCacheStorage(fs afero.Fs, root string) (*FSCacheStorage, error) {
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("error: cannot create cache root: %w", err)
	}
	return &FSCacheStorage{fs: fs, root: root}, nil
}

func (s *FSCacheStorage) dir(name string) string {
	return path.Join(s.root, base64.RawURLEncoding.EncodeToString([]byte(name)))
}

func (s *FSCacheStorage) Open(_ context.Context, name string) (Cache, error) {
	dir := s.dir(name)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("error: cannot open cache %q: %w", name, err)
	}
	return &fsCache{fs: s.fs, dir: dir, name: name}, nil
}

func (s *FSCacheStorage) Has(_ context.Context, name string) (bool, error) {
	return afero.DirExists(s.fs, s.dir(name))
}

func (s *FSCacheStorage) Delete(_ context.Context, name string) (bool, error) {
	dir := s.dir(name)
	ok, err := afero.DirExists(s.fs, dir)
	if err != nil || !ok {
		return false, err
	}
	if err := s.fs.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("error: cannot delete cache %q: %w", name, err)
	}
	return true, nil
}

func (s *FSCacheStorage) Keys(context.Context) ([]string, error) {
	infos, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, fi := range infos {
		if !fi.IsDir() {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(fi.Name())
		if err != nil {
			continue
		}
		names = append(names, string(raw))
	}
	sort.Strings(names)
	return names, nil
}

type entryMeta struct {
	Key        string      `json:"key"`
	Status     int         `json:"status"`
	StatusText string      `json:"statusText"`
	Header     http.Header `json:"header"`
	URL        string      `json:"url"`
	Redirected bool        `json:"redirected"`
	Type       string      `json:"type"`
	Size       int         `json:"size"`
}

type fsCache struct {
	fs   afero.Fs
	dir  string
	name string
}

func (c *fsCache) Name() string { return c.name }

func (c *fsCache) paths(key string) (meta, body string) {
	sum := sha1.Sum([]byte(key))
	base := path.Join(c.dir, hex.EncodeToString(sum[:]))
	return base + ".meta", base + ".body"
}

func (c *fsCache) Match(_ context.Context, key string) (*fetch.Response, error) {
	metaPath, bodyPath := c.paths(key)
	raw, err := afero.ReadFile(c.fs, metaPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error: failed to read cache entry %s: %w", key, err)
	}
	var meta entryMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("error: corrupt cache entry %s: %w", key, err)
	}
	compressed, err := afero.ReadFile(c.fs, bodyPath)
	if err != nil {
		return nil, fmt.Errorf("error: failed to read cache body %s: %w", key, err)
	}
	body, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, meta.Size))
	if err != nil {
		return nil, fmt.Errorf("error: corrupt cache body %s: %w", key, err)
	}
	return &fetch.Response{
		Status:     meta.Status,
		StatusText: meta.StatusText,
		Header:     meta.Header,
		Body:       body,
		URL:        meta.URL,
		Redirected: meta.Redirected,
		Type:       meta.Type,
	}, nil
}

func (c *fsCache) Put(_ context.Context, key string, resp *fetch.Response) error {
	metaPath, bodyPath := c.paths(key)
	meta, err := json.Marshal(entryMeta{
		Key:        key,
		Status:     resp.Status,
		StatusText: resp.StatusText,
		Header:     resp.Header,
		URL:        resp.URL,
		Redirected: resp.Redirected,
		Type:       resp.Type,
		Size:       len(resp.Body),
	})
	if err != nil {
		return err
	}
	if err := c.writeAtomic(bodyPath, zstdEncoder.EncodeAll(resp.Body, nil)); err != nil {
		return fmt.Errorf("error: failed to store cache body %s: %w", key, err)
	}
	if err := c.writeAtomic(metaPath, meta); err != nil {
		return fmt.Errorf("error: failed to store cache entry %s: %w", key, err)
	}
	return nil
}

func (c *fsCache) writeAtomic(name string, data []byte) error {
	tmp := name + ".tmp"
	if err := afero.WriteFile(c.fs, tmp, data, 0o644); err != nil {
		return err
	}
	return c.fs.Rename(tmp, name)
}

func (c *fsCache) Delete(_ context.Context, key string) (bool, error) {
	metaPath, bodyPath := c.paths(key)
	err := c.fs.Remove(metaPath)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	_ = c.fs.Remove(bodyPath)
	return true, nil
}

func (c *fsCache) Keys(context.Context) ([]string, error) {
	infos, err := afero.ReadDir(c.fs, c.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, fi := range infos {
		if !strings.HasSuffix(fi.Name(), ".meta") {
			continue
		}
		raw, err := afero.ReadFile(c.fs, path.Join(c.dir, fi.Name()))
		if err != nil {
			continue
		}
		var meta entryMeta
		if json.Unmarshal(raw, &meta) == nil {
			keys = append(keys, meta.Key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

var _ CacheStorage = (*FSCacheStorage)(nil)
