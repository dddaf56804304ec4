package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	// Pure-Go SQLite driver for database/sql.
	_ "github.com/glebarez/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS state (
	name   TEXT PRIMARY KEY,
	value  TEXT NOT NULL,
	scopes TEXT NOT NULL DEFAULT ''
)`

// Snapshotter persists a Store to a SQLite database so shared state can
// survive a restart. Values are stored as JSON.
type Snapshotter struct {
	db *sql.DB
}

// OpenSnapshotter opens (or creates) the snapshot database at path.
func OpenSnapshotter(path string) (*Snapshotter, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating state directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening state database %q: %w", path, err)
	}
	_, _ = db.Exec("PRAGMA journal_mode=WAL")
	return newSnapshotter(db)
}

// NewSnapshotterMemory creates an in-memory snapshotter for testing.
func NewSnapshotterMemory() (*Snapshotter, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory state database: %w", err)
	}
	// Every pooled connection would get its own empty :memory: database.
	db.SetMaxOpenConns(1)
	return newSnapshotter(db)
}

func newSnapshotter(db *sql.DB) (*Snapshotter, error) {
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating state table: %w", err)
	}
	return &Snapshotter{db: db}, nil
}

func (sn *Snapshotter) Close() error {
	if sn.db != nil {
		return sn.db.Close()
	}
	return nil
}

// Save replaces the stored snapshot with the store's entries, filtered by
// scopes when any are given. It returns the number of entries written.
func (sn *Snapshotter) Save(ctx context.Context, s *Store, scopes ...string) (int, error) {
	entries := s.entries(scopes)

	tx, err := sn.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning state save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM state"); err != nil {
		return 0, fmt.Errorf("clearing state table: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO state (name, value, scopes) VALUES (?, ?, ?)")
	if err != nil {
		return 0, fmt.Errorf("preparing state insert: %w", err)
	}
	defer stmt.Close()

	n := 0
	for name, it := range entries {
		data, err := json.Marshal(it.value)
		if err != nil {
			return 0, fmt.Errorf("encoding state %q: %w", name, err)
		}
		if _, err := stmt.ExecContext(ctx, name, string(data), strings.Join(it.scopes, ",")); err != nil {
			return 0, fmt.Errorf("saving state %q: %w", name, err)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing state save: %w", err)
	}
	return n, nil
}

// Restore loads the snapshot into s. Without merge the store is cleared
// first; with merge, loaded entries overwrite same-named ones.
func (sn *Snapshotter) Restore(ctx context.Context, s *Store, merge bool) (int, error) {
	rows, err := sn.db.QueryContext(ctx, "SELECT name, value, scopes FROM state")
	if err != nil {
		return 0, fmt.Errorf("reading state table: %w", err)
	}
	defer rows.Close()

	loaded := make(map[string]item)
	for rows.Next() {
		var name, value, scopes string
		if err := rows.Scan(&name, &value, &scopes); err != nil {
			return 0, fmt.Errorf("scanning state row: %w", err)
		}
		var v any
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			return 0, fmt.Errorf("decoding state %q: %w", name, err)
		}
		it := item{value: v}
		if scopes != "" {
			it.scopes = strings.Split(scopes, ",")
		}
		loaded[name] = it
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("reading state table: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !merge {
		s.items = make(map[string]item, len(loaded))
	}
	for name, it := range loaded {
		s.items[name] = it
	}
	return len(loaded), nil
}
