// Package pgdb stores rooms in PostgreSQL. It mirrors the SQLite schema so
// the two backends can be swapped without changing lock semantics.
package pgdb

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/manpreetbhatti/lattice-collab/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS room_documents (
	namespace TEXT NOT NULL,
	room TEXT NOT NULL,
	name TEXT NOT NULL,
	data BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (namespace, room, name)
);

CREATE TABLE IF NOT EXISTS room_locks (
	namespace TEXT NOT NULL,
	room TEXT NOT NULL,
	token TEXT NOT NULL,
	acquired_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (namespace, room)
);
`

type Backend struct {
	pool *pgxpool.Pool
}

var (
	_ store.Backend    = (*Backend)(nil)
	_ store.LockReaper = (*Backend)(nil)
	_ store.RoomLister = (*Backend)(nil)
)

// New connects to databaseURL and creates the tables if needed.
func New(ctx context.Context, databaseURL string) (*Backend, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, err
	}
	return &Backend{pool: pool}, nil
}

func (b *Backend) TryLock(ctx context.Context, key store.RoomKey, token string) (bool, error) {
	tag, err := b.pool.Exec(ctx,
		`INSERT INTO room_locks (namespace, room, token) VALUES ($1, $2, $3)
		 ON CONFLICT (namespace, room) DO NOTHING`,
		key.Namespace, key.Room, token,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (b *Backend) Unlock(ctx context.Context, key store.RoomKey, token string) error {
	_, err := b.pool.Exec(ctx,
		"DELETE FROM room_locks WHERE namespace = $1 AND room = $2 AND token = $3",
		key.Namespace, key.Room, token,
	)
	return err
}

func (b *Backend) Get(ctx context.Context, key store.RoomKey, name string) ([]byte, bool, error) {
	var data []byte
	err := b.pool.QueryRow(ctx,
		"SELECT data FROM room_documents WHERE namespace = $1 AND room = $2 AND name = $3",
		key.Namespace, key.Room, name,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (b *Backend) Put(ctx context.Context, key store.RoomKey, name string, value []byte) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO room_documents (namespace, room, name, data, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (namespace, room, name) DO UPDATE SET
			data = excluded.data,
			updated_at = now()
	`, key.Namespace, key.Room, name, value)
	return err
}

func (b *Backend) Delete(ctx context.Context, key store.RoomKey, names ...string) error {
	if len(names) == 0 {
		return nil
	}
	_, err := b.pool.Exec(ctx,
		"DELETE FROM room_documents WHERE namespace = $1 AND room = $2 AND name = ANY($3)",
		key.Namespace, key.Room, names,
	)
	return err
}

func (b *Backend) ReapLocks(ctx context.Context, olderThan time.Duration) ([]store.RoomKey, error) {
	rows, err := b.pool.Query(ctx,
		`DELETE FROM room_locks WHERE acquired_at < $1
		 RETURNING namespace, room`,
		time.Now().Add(-olderThan),
	)
	if err != nil {
		return nil, err
	}
	return collectKeys(rows)
}

func (b *Backend) ListRooms(ctx context.Context, namespace string) ([]store.RoomKey, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT DISTINCT namespace, room FROM room_documents
		 WHERE $1 = '' OR namespace = $1
		 ORDER BY namespace, room`,
		namespace,
	)
	if err != nil {
		return nil, err
	}
	return collectKeys(rows)
}

func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}

func collectKeys(rows pgx.Rows) ([]store.RoomKey, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.RoomKey, error) {
		var key store.RoomKey
		err := row.Scan(&key.Namespace, &key.Room)
		return key, err
	})
}
