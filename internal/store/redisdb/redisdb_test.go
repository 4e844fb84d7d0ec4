package redisdb

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/lattice-collab/internal/errs"
	"github.com/manpreetbhatti/lattice-collab/internal/store"
)

var testKey = store.RoomKey{Namespace: "/some-namespace", Room: "some-room"}

func newTestBackend(t *testing.T) (*Backend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	b, err := New(context.Background(), mr.Addr(), "test")
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b, mr
}

func TestGetPutDelete(t *testing.T) {
	b, mr := newTestBackend(t)
	ctx := context.Background()

	_, ok, err := b.Get(ctx, testKey, store.NameDoc)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Put(ctx, testKey, store.NameDoc, []byte(`{"version":3}`)))
	assert.True(t, mr.Exists("test:/some-namespace:some-room:doc"))

	data, ok, err := b.Get(ctx, testKey, store.NameDoc)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"version":3}`, string(data))

	require.NoError(t, b.Delete(ctx, testKey, store.AllNames...))
	_, ok, err = b.Get(ctx, testKey, store.NameDoc)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLockIsExclusiveAndTokenScoped(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	ok, err := b.TryLock(ctx, testKey, "token-a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.TryLock(ctx, testKey, "token-b")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Unlock(ctx, testKey, "token-b"))
	ok, _ = b.TryLock(ctx, testKey, "token-c")
	assert.False(t, ok, "foreign token must not unlock")

	require.NoError(t, b.Unlock(ctx, testKey, "token-a"))
	ok, _ = b.TryLock(ctx, testKey, "token-d")
	assert.True(t, ok)
}

func TestReapLocks(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	ok, _ := b.TryLock(ctx, testKey, "stale")
	require.True(t, ok)
	time.Sleep(5 * time.Millisecond)

	reaped, err := b.ReapLocks(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, reaped)

	reaped, err = b.ReapLocks(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []store.RoomKey{testKey}, reaped)

	ok, _ = b.TryLock(ctx, testKey, "fresh")
	assert.True(t, ok)
}

func TestStoreLockTimeoutOverRedis(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()
	s := store.New(b, store.Options{LockDelay: time.Millisecond, LockRetries: 2})

	ok, _ := b.TryLock(ctx, testKey, "other-instance")
	require.True(t, ok)

	_, err := s.Lock(ctx, testKey)
	assert.True(t, errs.IsLockTimeout(err))
}

func TestParseLockValue(t *testing.T) {
	token, acquired, ok := parseLockValue("abc|42")
	assert.True(t, ok)
	assert.Equal(t, "abc", token)
	assert.Equal(t, int64(42), acquired)

	_, _, ok = parseLockValue("garbage")
	assert.False(t, ok)
}
