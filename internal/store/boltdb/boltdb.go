// Package boltdb is a single-file embedded backend on bbolt. bbolt holds an
// exclusive file lock, so one process owns the file; the room lock entry still
// serializes goroutines and survives restarts like the other backends.
package boltdb

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/manpreetbhatti/lattice-collab/internal/store"
)

// lockEntry cannot clash with a document name: documents never start with "__".
var lockEntry = []byte("__lock")

const keySep = "\x00"

type Backend struct {
	db *bolt.DB
}

var (
	_ store.Backend    = (*Backend)(nil)
	_ store.LockReaper = (*Backend)(nil)
	_ store.RoomLister = (*Backend)(nil)
)

func New(path string) (*Backend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	return &Backend{db: db}, nil
}

func bucketName(key store.RoomKey) []byte {
	return []byte(key.Namespace + keySep + key.Room)
}

func parseBucketName(name []byte) (store.RoomKey, bool) {
	i := bytes.Index(name, []byte(keySep))
	if i < 0 {
		return store.RoomKey{}, false
	}
	return store.RoomKey{Namespace: string(name[:i]), Room: string(name[i+1:])}, true
}

func (b *Backend) TryLock(_ context.Context, key store.RoomKey, token string) (bool, error) {
	acquired := false
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketName(key))
		if err != nil {
			return err
		}
		if bucket.Get(lockEntry) != nil {
			return nil
		}
		acquired = true
		value := token + "|" + strconv.FormatInt(time.Now().UnixNano(), 10)
		return bucket.Put(lockEntry, []byte(value))
	})
	return acquired, err
}

func (b *Backend) Unlock(_ context.Context, key store.RoomKey, token string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName(key))
		if bucket == nil {
			return nil
		}
		if held, _, ok := parseLock(bucket.Get(lockEntry)); ok && held == token {
			if err := bucket.Delete(lockEntry); err != nil {
				return err
			}
		}
		return dropIfEmpty(tx, key)
	})
}

func (b *Backend) Get(_ context.Context, key store.RoomKey, name string) ([]byte, bool, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName(key))
		if bucket == nil {
			return nil
		}
		if v := bucket.Get([]byte(name)); v != nil {
			// Values are only valid inside the transaction.
			out = append([]byte{}, v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

func (b *Backend) Put(_ context.Context, key store.RoomKey, name string, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketName(key))
		if err != nil {
			return err
		}
		return bucket.Put([]byte(name), value)
	})
}

func (b *Backend) Delete(_ context.Context, key store.RoomKey, names ...string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName(key))
		if bucket == nil {
			return nil
		}
		for _, name := range names {
			if err := bucket.Delete([]byte(name)); err != nil {
				return err
			}
		}
		return dropIfEmpty(tx, key)
	})
}

func (b *Backend) ReapLocks(_ context.Context, olderThan time.Duration) ([]store.RoomKey, error) {
	cutoff := time.Now().Add(-olderThan).UnixNano()
	var reaped []store.RoomKey

	err := b.db.Update(func(tx *bolt.Tx) error {
		var stale [][]byte
		err := tx.ForEach(func(name []byte, bucket *bolt.Bucket) error {
			if _, acquired, ok := parseLock(bucket.Get(lockEntry)); ok && acquired < cutoff {
				stale = append(stale, append([]byte{}, name...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, name := range stale {
			if err := tx.Bucket(name).Delete(lockEntry); err != nil {
				return err
			}
			if key, ok := parseBucketName(name); ok {
				reaped = append(reaped, key)
				if err := dropIfEmpty(tx, key); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return reaped, err
}

func (b *Backend) ListRooms(_ context.Context, namespace string) ([]store.RoomKey, error) {
	var keys []store.RoomKey
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, bucket *bolt.Bucket) error {
			key, ok := parseBucketName(name)
			if !ok || (namespace != "" && key.Namespace != namespace) {
				return nil
			}
			if hasDocuments(bucket) {
				keys = append(keys, key)
			}
			return nil
		})
	})
	return keys, err
}

func (b *Backend) Close() error {
	return b.db.Close()
}

func dropIfEmpty(tx *bolt.Tx, key store.RoomKey) error {
	bucket := tx.Bucket(bucketName(key))
	if bucket == nil {
		return nil
	}
	if k, _ := bucket.Cursor().First(); k != nil {
		return nil
	}
	return tx.DeleteBucket(bucketName(key))
}

func hasDocuments(bucket *bolt.Bucket) bool {
	c := bucket.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		if !bytes.Equal(k, lockEntry) {
			return true
		}
	}
	return false
}

func parseLock(v []byte) (token string, acquired int64, ok bool) {
	i := bytes.LastIndexByte(v, '|')
	if i < 0 {
		return "", 0, false
	}
	acquired, err := strconv.ParseInt(string(v[i+1:]), 10, 64)
	if err != nil {
		return "", 0, false
	}
	return string(v[:i]), acquired, true
}
