package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MemoryDatabase keeps tables in process memory. Values are stored
// encoded so callers never share state with the store.
type MemoryDatabase struct {
	mu     sync.Mutex
	tables map[string]map[string][]byte
}

func NewMemoryDatabase() *MemoryDatabase {
	return &MemoryDatabase{tables: map[string]map[string][]byte{}}
}

func (m *MemoryDatabase) Open(_ context.Context, name string) (Table, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[name]; !ok {
		m.tables[name] = map[string][]byte{}
	}
	return &memoryTable{db: m, name: name}, nil
}

func (m *MemoryDatabase) Delete(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tables[name]
	delete(m.tables, name)
	return ok, nil
}

func (m *MemoryDatabase) List(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.tables))
	for n := range m.tables {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

type memoryTable struct {
	db   *MemoryDatabase
	name string
}

func (t *memoryTable) Name() string { return t.name }

// rows returns the live map for the table. A write through a handle whose
// table was deleted recreates it.
func (t *memoryTable) rows() map[string][]byte {
	rows, ok := t.db.tables[t.name]
	if !ok {
		rows = map[string][]byte{}
		t.db.tables[t.name] = rows
	}
	return rows
}

func (t *memoryTable) Read(_ context.Context, key string, v any) error {
	t.db.mu.Lock()
	raw, ok := t.db.tables[t.name][key]
	t.db.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, t.name, key)
	}
	return json.Unmarshal(raw, v)
}

func (t *memoryTable) Write(ctx context.Context, key string, v any) error {
	return t.WriteBatch(ctx, map[string]any{key: v})
}

func (t *memoryTable) WriteBatch(_ context.Context, entries map[string]any) error {
	encoded := make(map[string][]byte, len(entries))
	for k, v := range entries {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("error: cannot encode %s/%s: %w", t.name, k, err)
		}
		encoded[k] = raw
	}
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	rows := t.rows()
	for k, raw := range encoded {
		rows[k] = raw
	}
	return nil
}

func (t *memoryTable) Delete(_ context.Context, key string) (bool, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	rows := t.db.tables[t.name]
	_, ok := rows[key]
	delete(rows, key)
	return ok, nil
}

func (t *memoryTable) Keys(context.Context) ([]string, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	rows := t.db.tables[t.name]
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

var (
	_ Database    = (*MemoryDatabase)(nil)
	_ BatchWriter = (*memoryTable)(nil)
)
