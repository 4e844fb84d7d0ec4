package pgdb

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/lattice-collab/internal/store"
)

// These tests need a live PostgreSQL; point LATTICE_TEST_DATABASE_URL at one.
func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	url := os.Getenv("LATTICE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("LATTICE_TEST_DATABASE_URL not set")
	}
	b, err := New(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func uniqueKey() store.RoomKey {
	return store.RoomKey{Namespace: "/pgdb-test", Room: uuid.NewString()}
}

func TestDocuments(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	key := uniqueKey()

	require.NoError(t, b.Put(ctx, key, store.NameDoc, []byte(`{"version":1}`)))
	require.NoError(t, b.Put(ctx, key, store.NameDoc, []byte(`{"version":2}`)))

	data, ok, err := b.Get(ctx, key, store.NameDoc)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"version":2}`, string(data))

	rooms, err := b.ListRooms(ctx, "/pgdb-test")
	require.NoError(t, err)
	assert.Contains(t, rooms, key)

	require.NoError(t, b.Delete(ctx, key, store.AllNames...))
	_, ok, err = b.Get(ctx, key, store.NameDoc)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocks(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	key := uniqueKey()

	ok, err := b.TryLock(ctx, key, "a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.TryLock(ctx, key, "b")
	require.NoError(t, err)
	assert.False(t, ok)

	time.Sleep(10 * time.Millisecond)
	reaped, err := b.ReapLocks(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Contains(t, reaped, key)

	ok, err = b.TryLock(ctx, key, "c")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, b.Unlock(ctx, key, "c"))
}
