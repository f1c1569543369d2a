package cache

import (
	"context"
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteStore persists tables in a SQLite database.
// Table membership lives in the `tables` table, entries in `entries`.
type SQLiteStore struct {
	db         *sql.DB
	codec      Codec
	writeMutex *sync.Mutex
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database with the given file name.
// If file name is empty, a new in-memory db is opened.
// Entries are encoded with c; a nil codec selects msgpack.
func NewSQLiteStore(filename string, c Codec) (*SQLiteStore, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	if c == nil {
		c = Msgpack{}
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS tables (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			tbl TEXT,
			key TEXT,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (tbl, key)
		)`,
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &SQLiteStore{
		db:         db,
		codec:      c,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteStore) Open(ctx context.Context, name string) (Table, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO tables (name, created_at) VALUES (?, ?)",
		name, time.Now().UnixNano())
	if err != nil {
		return nil, err
	}
	return &sqliteTable{s: s, name: name}, nil
}

func (s *SQLiteStore) Has(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tables WHERE name = ?", name).Scan(&n)
	return n > 0, err
}

func (s *SQLiteStore) Delete(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, "DELETE FROM tables WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE tbl = ?", name); err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, tx.Commit()
}

func (s *SQLiteStore) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM tables ORDER BY created_at ASC, rowid ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteStore) Match(ctx context.Context, key string) (Entry, bool, error) {
	var bytes []byte
	err := s.db.QueryRowContext(ctx, `SELECT e.bytes
		FROM entries e JOIN tables t ON t.name = e.tbl
		WHERE e.key = ?
		ORDER BY t.created_at ASC, t.rowid ASC LIMIT 1`, key).Scan(&bytes)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	e, err := s.codec.Decode(bytes)
	return e, err == nil, err
}

func (s *SQLiteStore) Purge(ctx context.Context, key string) (int, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	res, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE key = ?", key)
	if err != nil {
		return 0, err
	}
	rows, err := res.RowsAffected()
	return int(rows), err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqliteTable struct {
	s    *SQLiteStore
	name string
}

func (t *sqliteTable) Name() string {
	return t.name
}

func (t *sqliteTable) Get(ctx context.Context, key string) (Entry, bool, error) {
	var bytes []byte
	err := t.s.db.QueryRowContext(ctx,
		"SELECT bytes FROM entries WHERE tbl = ? AND key = ?", t.name, key).Scan(&bytes)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	e, err := t.s.codec.Decode(bytes)
	return e, err == nil, err
}

func (t *sqliteTable) Put(ctx context.Context, key string, e Entry) error {
	e = stamp(e)
	bytes, err := t.s.codec.Encode(e)
	if err != nil {
		return err
	}
	t.s.writeMutex.Lock()
	defer t.s.writeMutex.Unlock()
	// only write into tables that still exist
	res, err := t.s.db.ExecContext(ctx, `INSERT OR REPLACE INTO entries (tbl, key, stored_at, bytes)
		SELECT ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM tables WHERE name = ?)`,
		t.name, key, e.StoredAt.UnixMilli(), bytes, t.name)
	if err != nil {
		return err
	}
	if rows, err := res.RowsAffected(); err != nil {
		return err
	} else if rows == 0 {
		return ErrTableNotFound
	}
	return nil
}

func (t *sqliteTable) Delete(ctx context.Context, key string) (bool, error) {
	t.s.writeMutex.Lock()
	defer t.s.writeMutex.Unlock()
	res, err := t.s.db.ExecContext(ctx, "DELETE FROM entries WHERE tbl = ? AND key = ?", t.name, key)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	return rows > 0, err
}

func (t *sqliteTable) Keys(ctx context.Context) ([]string, error) {
	rows, err := t.s.db.QueryContext(ctx, "SELECT key FROM entries WHERE tbl = ?", t.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
