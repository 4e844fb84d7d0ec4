// Package redisdb stores rooms in Redis so several server instances can share
// room state and room locks.
//
// Layout: "<prefix>:<namespace>:<room>:<name>" holds a document,
// "<prefix>:lock:<namespace>:<room>" holds "<token>|<unix nanos>".
package redisdb

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/manpreetbhatti/lattice-collab/internal/store"
)

const DefaultPrefix = "lattice"

// unlockScript deletes the lock only while it still carries our token.
var unlockScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v and string.sub(v, 1, string.len(ARGV[1]) + 1) == ARGV[1] .. "|" then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Backend struct {
	rdb    *redis.Client
	prefix string
}

var (
	_ store.Backend    = (*Backend)(nil)
	_ store.LockReaper = (*Backend)(nil)
)

// New connects to addr and verifies the connection with PING.
func New(ctx context.Context, addr, prefix string) (*Backend, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		rdb.Close()
		return nil, err
	}
	return NewWithClient(rdb, prefix), nil
}

func NewWithClient(rdb *redis.Client, prefix string) *Backend {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Backend{rdb: rdb, prefix: prefix}
}

func (b *Backend) docKey(key store.RoomKey, name string) string {
	return b.prefix + ":" + key.Namespace + ":" + key.Room + ":" + name
}

func (b *Backend) lockKey(key store.RoomKey) string {
	return b.prefix + ":lock:" + key.Namespace + ":" + key.Room
}

func (b *Backend) TryLock(ctx context.Context, key store.RoomKey, token string) (bool, error) {
	value := token + "|" + strconv.FormatInt(time.Now().UnixNano(), 10)
	return b.rdb.SetNX(ctx, b.lockKey(key), value, 0).Result()
}

func (b *Backend) Unlock(ctx context.Context, key store.RoomKey, token string) error {
	return unlockScript.Run(ctx, b.rdb, []string{b.lockKey(key)}, token).Err()
}

func (b *Backend) Get(ctx context.Context, key store.RoomKey, name string) ([]byte, bool, error) {
	data, err := b.rdb.Get(ctx, b.docKey(key, name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (b *Backend) Put(ctx context.Context, key store.RoomKey, name string, value []byte) error {
	return b.rdb.Set(ctx, b.docKey(key, name), value, 0).Err()
}

func (b *Backend) Delete(ctx context.Context, key store.RoomKey, names ...string) error {
	if len(names) == 0 {
		return nil
	}
	keys := make([]string, len(names))
	for i, name := range names {
		keys[i] = b.docKey(key, name)
	}
	return b.rdb.Del(ctx, keys...).Err()
}

// ReapLocks scans lock keys and deletes those acquired before the cutoff.
func (b *Backend) ReapLocks(ctx context.Context, olderThan time.Duration) ([]store.RoomKey, error) {
	cutoff := time.Now().Add(-olderThan).UnixNano()
	lockPrefix := b.prefix + ":lock:"

	var reaped []store.RoomKey
	iter := b.rdb.Scan(ctx, 0, lockPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		redisKey := iter.Val()
		value, err := b.rdb.Get(ctx, redisKey).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return reaped, err
		}

		token, acquired, ok := parseLockValue(value)
		if !ok || acquired >= cutoff {
			continue
		}
		n, err := unlockScript.Run(ctx, b.rdb, []string{redisKey}, token).Int()
		if err != nil {
			return reaped, err
		}
		if n == 1 {
			if key, ok := parseLockKey(strings.TrimPrefix(redisKey, lockPrefix)); ok {
				reaped = append(reaped, key)
			}
		}
	}
	return reaped, iter.Err()
}

func (b *Backend) Close() error {
	return b.rdb.Close()
}

func parseLockValue(v string) (token string, acquired int64, ok bool) {
	i := strings.LastIndexByte(v, '|')
	if i < 0 {
		return "", 0, false
	}
	acquired, err := strconv.ParseInt(v[i+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return v[:i], acquired, true
}

// parseLockKey splits "<namespace>:<room>". Namespaces never contain ':'
// because the namespace pattern forbids it.
func parseLockKey(s string) (store.RoomKey, bool) {
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return store.RoomKey{}, false
	}
	return store.RoomKey{Namespace: s[:i], Room: s[i+1:]}, true
}
