package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS tbls (
        name TEXT PRIMARY KEY
    )`,
	`CREATE TABLE IF NOT EXISTS kv (
        tbl   TEXT NOT NULL,
        key   TEXT NOT NULL,
        value BLOB NOT NULL,
        PRIMARY KEY (tbl, key)
    )`,
}

// SQLiteDatabase stores every table in one SQLite file.
type SQLiteDatabase struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path. Use
// ":memory:" for a throwaway database.
func OpenSQLite(path string) (*SQLiteDatabase, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("error: cannot open state database: %w", err)
	}
	// One writer at a time; also keeps ":memory:" on a single connection.
	db.SetMaxOpenConns(1)
	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("error: cannot create state schema: %w", err)
		}
	}
	return &SQLiteDatabase{db: db}, nil
}

func (s *SQLiteDatabase) Close() error {
	return s.db.Close()
}

func (s *SQLiteDatabase) Open(ctx context.Context, name string) (Table, error) {
	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO tbls (name) VALUES (?)`, name); err != nil {
		return nil, fmt.Errorf("error: cannot open table %q: %w", name, err)
	}
	return &sqliteTable{db: s.db, name: name}, nil
}

func (s *SQLiteDatabase) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `DELETE FROM tbls WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("error: cannot delete table %q: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE tbl = ?`, name); err != nil {
		return false, fmt.Errorf("error: cannot delete table %q: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteDatabase) List(ctx context.Context) ([]string, error) {
	return queryStrings(ctx, s.db, `SELECT name FROM tbls ORDER BY name`)
}

type sqliteTable struct {
	db   *sql.DB
	name string
}

func (t *sqliteTable) Name() string { return t.name }

func (t *sqliteTable) Read(ctx context.Context, key string, v any) error {
	var raw []byte
	err := t.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE tbl = ? AND key = ?`, t.name, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, t.name, key)
	}
	if err != nil {
		return fmt.Errorf("error: failed to read %s/%s: %w", t.name, key, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("error: corrupt value at %s/%s: %w", t.name, key, err)
	}
	return nil
}

func (t *sqliteTable) Write(ctx context.Context, key string, v any) error {
	return t.WriteBatch(ctx, map[string]any{key: v})
}

// WriteBatch upserts all entries in a single transaction.
func (t *sqliteTable) WriteBatch(ctx context.Context, entries map[string]any) error {
	encoded := make(map[string][]byte, len(entries))
	for k, v := range entries {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("error: cannot encode %s/%s: %w", t.name, k, err)
		}
		encoded[k] = raw
	}
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO tbls (name) VALUES (?)`, t.name); err != nil {
		return fmt.Errorf("error: failed to write %s: %w", t.name, err)
	}
	for k, raw := range encoded {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO kv (tbl, key, value) VALUES (?, ?, ?)
            ON CONFLICT (tbl, key) DO UPDATE SET value = excluded.value
        `, t.name, k, raw)
		if err != nil {
			return fmt.Errorf("error: failed to write %s/%s: %w", t.name, k, err)
		}
	}
	return tx.Commit()
}

func (t *sqliteTable) Delete(ctx context.Context, key string) (bool, error) {
	res, err := t.db.ExecContext(ctx, `DELETE FROM kv WHERE tbl = ? AND key = ?`, t.name, key)
	if err != nil {
		return false, fmt.Errorf("error: failed to delete %s/%s: %w", t.name, key, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (t *sqliteTable) Keys(ctx context.Context) ([]string, error) {
	return queryStrings(ctx, t.db, `SELECT key FROM kv WHERE tbl = ? ORDER BY key`, t.name)
}

func queryStrings(ctx context.Context, db *sql.DB, query string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

var (
	_ Database    = (*SQLiteDatabase)(nil)
	_ BatchWriter = (*sqliteTable)(nil)
)
