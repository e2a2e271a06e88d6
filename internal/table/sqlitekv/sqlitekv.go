// Package sqlitekv implements table.Adapter on top of an embedded,
// no-cgo SQL engine (modernc.org/sqlite). It is the durable-by-default
// adapter: every Set/Remove commits immediately, and Store/Load are
// cheap no-ops layered on top of that for interface symmetry with
// jsonfile. Scan order is insertion order via an AUTOINCREMENT id
// primary key, kept separate from the unique key column so ordering
// never follows key order or reuses the ids of deleted rows.
package sqlitekv

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/streamspace-dev/hubcore/internal/table"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	id    INTEGER PRIMARY KEY AUTOINCREMENT,
	key   TEXT UNIQUE NOT NULL,
	value TEXT NOT NULL
)`

// Adapter is a sqlite-backed table.Adapter. Every method commits
// directly against db; Store/Load exist only to satisfy the Adapter
// contract's explicit-persistence methods used by jsonfile, and here
// are both no-ops.
type Adapter struct {
	db *sql.DB
}

// Open opens (creating if needed) a sqlite database file at path and
// runs the adapter's migration.
func Open(path string) (*Adapter, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitekv: open: %w", err)
	}
	// A single underlying sqlite connection serializes writers anyway;
	// capping pool size avoids SQLITE_BUSY from concurrent writers
	// racing for the file lock.
	db.SetMaxOpenConns(1)

	a := &Adapter{db: db}
	if err := a.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *Adapter) migrate() error {
	_, err := a.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("sqlitekv: migrate: %w", err)
	}
	return nil
}

func (a *Adapter) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var value string
	err := a.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlitekv: get: %w", err)
	}
	return json.RawMessage(value), true, nil
}

func (a *Adapter) GetAll(ctx context.Context, keys []string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		v, ok, err := a.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = v
		}
	}
	return out, nil
}

func (a *Adapter) Set(ctx context.Context, key string, value json.RawMessage) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, string(value))
	if err != nil {
		return fmt.Errorf("sqlitekv: set: %w", err)
	}
	return nil
}

func (a *Adapter) SetAll(ctx context.Context, items map[string]json.RawMessage) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitekv: set all: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`)
	if err != nil {
		return fmt.Errorf("sqlitekv: set all: prepare: %w", err)
	}
	defer stmt.Close()

	for k, v := range items {
		if _, err := stmt.ExecContext(ctx, k, string(v)); err != nil {
			return fmt.Errorf("sqlitekv: set all: exec: %w", err)
		}
	}
	return tx.Commit()
}

func (a *Adapter) Remove(ctx context.Context, key string) error {
	_, err := a.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("sqlitekv: remove: %w", err)
	}
	return nil
}

func (a *Adapter) RemoveAll(ctx context.Context, keys []string) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitekv: remove all: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM kv WHERE key = ?`)
	if err != nil {
		return fmt.Errorf("sqlitekv: remove all: prepare: %w", err)
	}
	defer stmt.Close()

	for _, k := range keys {
		if _, err := stmt.ExecContext(ctx, k); err != nil {
			return fmt.Errorf("sqlitekv: remove all: exec: %w", err)
		}
	}
	return tx.Commit()
}

func (a *Adapter) First(ctx context.Context) (string, bool, error) {
	var key string
	err := a.db.QueryRowContext(ctx, `SELECT key FROM kv ORDER BY id ASC LIMIT 1`).Scan(&key)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sqlitekv: first: %w", err)
	}
	return key, true, nil
}

func (a *Adapter) Last(ctx context.Context) (string, bool, error) {
	var key string
	err := a.db.QueryRowContext(ctx, `SELECT key FROM kv ORDER BY id DESC LIMIT 1`).Scan(&key)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sqlitekv: last: %w", err)
	}
	return key, true, nil
}

func (a *Adapter) FetchForward(ctx context.Context, limit int, cursor *string) ([]table.Pair, error) {
	var rows *sql.Rows
	var err error
	if cursor == nil {
		rows, err = a.db.QueryContext(ctx,
			`SELECT key, value FROM kv ORDER BY id ASC LIMIT ?`, limit)
	} else {
		rows, err = a.db.QueryContext(ctx,
			`SELECT key, value FROM kv WHERE id > (SELECT id FROM kv WHERE key = ?)
			 ORDER BY id ASC LIMIT ?`, *cursor, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitekv: fetch forward: %w", err)
	}
	return scanPairs(rows)
}

func (a *Adapter) FetchBackward(ctx context.Context, limit int, cursor *string) ([]table.Pair, error) {
	var rows *sql.Rows
	var err error
	if cursor == nil {
		rows, err = a.db.QueryContext(ctx,
			`SELECT key, value FROM kv ORDER BY id DESC LIMIT ?`, limit)
	} else {
		rows, err = a.db.QueryContext(ctx,
			`SELECT key, value FROM kv WHERE id < (SELECT id FROM kv WHERE key = ?)
			 ORDER BY id DESC LIMIT ?`, *cursor, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitekv: fetch backward: %w", err)
	}
	return scanPairs(rows)
}

func scanPairs(rows *sql.Rows) ([]table.Pair, error) {
	defer rows.Close()
	var pairs []table.Pair
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("sqlitekv: scan: %w", err)
		}
		pairs = append(pairs, table.Pair{Key: key, Value: json.RawMessage(value)})
	}
	return pairs, rows.Err()
}

func (a *Adapter) Clear(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, `DELETE FROM kv`)
	if err != nil {
		return fmt.Errorf("sqlitekv: clear: %w", err)
	}
	return nil
}

func (a *Adapter) Size(ctx context.Context) (int, error) {
	var n int
	err := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlitekv: size: %w", err)
	}
	return n, nil
}

// Store is a no-op: every mutation above already commits to disk. It
// exists so ServerTable's save-debounce loop can treat every adapter
// identically regardless of whether persistence is explicit
// (jsonfile) or continuous (sqlitekv).
func (a *Adapter) Store(_ context.Context) error { return nil }

// Load is a no-op for the same reason: there is no separate in-memory
// copy to rehydrate.
func (a *Adapter) Load(_ context.Context) error { return nil }

func (a *Adapter) Close() error { return a.db.Close() }
