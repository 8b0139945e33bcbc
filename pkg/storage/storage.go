// Package storage provides the two durable stores the driver relies on:
// named key/value tables (Database) and named response caches
// (CacheStorage).
package storage

import (
	"context"
	"errors"
	"sort"
)

var (
	// ErrNotFound is returned by Table.Read when the key is absent.
	ErrNotFound = errors.New("storage: key not found")
	ErrClosed   = errors.New("storage: database closed")
)

// Database is a set of named tables. Tables are created on first Open.
type Database interface {
	Open(ctx context.Context, name string) (Table, error)
	Delete(ctx context.Context, name string) (bool, error)
	List(ctx context.Context) ([]string, error)
}

// Table holds JSON encoded values by key.
type Table interface {
	Name() string
	Read(ctx context.Context, key string, v any) error
	Write(ctx context.Context, key string, v any) error
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
}

// BatchWriter is implemented by tables that can write several keys in one
// transaction.
type BatchWriter interface {
	WriteBatch(ctx context.Context, entries map[string]any) error
}

// WriteAll writes every entry, atomically when t supports it. Otherwise
// keys are written one at a time in sorted order and the first failure is
// returned.
func WriteAll(ctx context.Context, t Table, entries map[string]any) error {
	if bw, ok := t.(BatchWriter); ok {
		return bw.WriteBatch(ctx, entries)
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := t.Write(ctx, k, entries[k]); err != nil {
			return err
		}
	}
	return nil
}
