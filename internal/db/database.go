package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/manpreetbhatti/lattice-collab/internal/store"
)

// Database is the SQLite room store backend. Several server processes may
// share one database file; the lock row is what serializes them.
type Database struct {
	db *sql.DB
}

var _ store.Backend = (*Database)(nil)

func New(dbPath string) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// SQLite has a single writer; one connection avoids SQLITE_BUSY inside
	// this process; busy_timeout covers other processes.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("database initialized", "path", dbPath)
	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS room_documents (
		namespace TEXT NOT NULL,
		room TEXT NOT NULL,
		name TEXT NOT NULL,
		data BLOB NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (namespace, room, name)
	);

	CREATE TABLE IF NOT EXISTS room_locks (
		namespace TEXT NOT NULL,
		room TEXT NOT NULL,
		token TEXT NOT NULL,
		acquired_at INTEGER NOT NULL,
		PRIMARY KEY (namespace, room)
	);

	CREATE INDEX IF NOT EXISTS idx_room_locks_acquired_at ON room_locks(acquired_at);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Lock operations

func (d *Database) TryLock(ctx context.Context, key store.RoomKey, token string) (bool, error) {
	result, err := d.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO room_locks (namespace, room, token, acquired_at) VALUES (?, ?, ?, ?)",
		key.Namespace, key.Room, token, time.Now().UnixNano(),
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (d *Database) Unlock(ctx context.Context, key store.RoomKey, token string) error {
	_, err := d.db.ExecContext(ctx,
		"DELETE FROM room_locks WHERE namespace = ? AND room = ? AND token = ?",
		key.Namespace, key.Room, token,
	)
	return err
}

// ReapLocks deletes lock rows older than olderThan and returns their rooms.
func (d *Database) ReapLocks(ctx context.Context, olderThan time.Duration) ([]store.RoomKey, error) {
	cutoff := time.Now().Add(-olderThan).UnixNano()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		"SELECT namespace, room FROM room_locks WHERE acquired_at < ? ORDER BY namespace, room",
		cutoff,
	)
	if err != nil {
		return nil, err
	}
	var keys []store.RoomKey
	for rows.Next() {
		var key store.RoomKey
		if err := rows.Scan(&key.Namespace, &key.Room); err != nil {
			rows.Close()
			return nil, err
		}
		keys = append(keys, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM room_locks WHERE acquired_at < ?", cutoff); err != nil {
		return nil, err
	}
	return keys, tx.Commit()
}

// Document operations

func (d *Database) Get(ctx context.Context, key store.RoomKey, name string) ([]byte, bool, error) {
	var data []byte
	err := d.db.QueryRowContext(ctx,
		"SELECT data FROM room_documents WHERE namespace = ? AND room = ? AND name = ?",
		key.Namespace, key.Room, name,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (d *Database) Put(ctx context.Context, key store.RoomKey, name string, value []byte) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO room_documents (namespace, room, name, data, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(namespace, room, name) DO UPDATE SET
			data = excluded.data,
			updated_at = CURRENT_TIMESTAMP
	`, key.Namespace, key.Room, name, value)
	return err
}

func (d *Database) Delete(ctx context.Context, key store.RoomKey, names ...string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, name := range names {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM room_documents WHERE namespace = ? AND room = ? AND name = ?",
			key.Namespace, key.Room, name,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListRooms returns every room with at least one persisted document,
// optionally restricted to one namespace.
func (d *Database) ListRooms(ctx context.Context, namespace string) ([]store.RoomKey, error) {
	query := "SELECT DISTINCT namespace, room FROM room_documents"
	var args []any
	if namespace != "" {
		query += " WHERE namespace = ?"
		args = append(args, namespace)
	}
	query += " ORDER BY namespace, room"

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []store.RoomKey
	for rows.Next() {
		var key store.RoomKey
		if err := rows.Scan(&key.Namespace, &key.Room); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Stats

func (d *Database) Stats(ctx context.Context) (map[string]int, error) {
	stats := make(map[string]int)

	var roomCount int
	if err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM (SELECT DISTINCT namespace, room FROM room_documents)",
	).Scan(&roomCount); err != nil {
		return nil, err
	}
	stats["room_count"] = roomCount

	var lockCount int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM room_locks").Scan(&lockCount); err != nil {
		return nil, err
	}
	stats["held_locks"] = lockCount

	return stats, nil
}
