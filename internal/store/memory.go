package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryLock struct {
	token      string
	acquiredAt time.Time
}

// MemoryBackend keeps everything in process memory. Useful for tests and
// single-instance development servers.
type MemoryBackend struct {
	mu     sync.RWMutex
	values map[RoomKey]map[string][]byte
	locks  map[RoomKey]memoryLock

	// Writes counts Put and Delete calls.
	writes int
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		values: make(map[RoomKey]map[string][]byte),
		locks:  make(map[RoomKey]memoryLock),
	}
}

func (m *MemoryBackend) TryLock(_ context.Context, key RoomKey, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, held := m.locks[key]; held {
		return false, nil
	}
	m.locks[key] = memoryLock{token: token, acquiredAt: time.Now()}
	return true, nil
}

func (m *MemoryBackend) Unlock(_ context.Context, key RoomKey, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, held := m.locks[key]; held && l.token == token {
		delete(m.locks, key)
	}
	return nil
}

// Locked reports whether the room lock is currently held.
func (m *MemoryBackend) Locked(key RoomKey) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, held := m.locks[key]
	return held
}

func (m *MemoryBackend) Get(_ context.Context, key RoomKey, name string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.values[key][name]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (m *MemoryBackend) Put(_ context.Context, key RoomKey, name string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.values[key]
	if !ok {
		room = make(map[string][]byte)
		m.values[key] = room
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	room[name] = stored
	m.writes++
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key RoomKey, names ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writes++
	room, ok := m.values[key]
	if !ok {
		return nil
	}
	for _, name := range names {
		delete(room, name)
	}
	if len(room) == 0 {
		delete(m.values, key)
	}
	return nil
}

// Writes returns the number of mutating calls made so far.
func (m *MemoryBackend) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

func (m *MemoryBackend) ReapLocks(_ context.Context, olderThan time.Duration) ([]RoomKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var reaped []RoomKey
	for key, l := range m.locks {
		if l.acquiredAt.Before(cutoff) {
			delete(m.locks, key)
			reaped = append(reaped, key)
		}
	}
	sortKeys(reaped)
	return reaped, nil
}

func (m *MemoryBackend) ListRooms(_ context.Context, namespace string) ([]RoomKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []RoomKey
	for key := range m.values {
		if namespace == "" || key.Namespace == namespace {
			keys = append(keys, key)
		}
	}
	sortKeys(keys)
	return keys, nil
}

func (m *MemoryBackend) Close() error {
	return nil
}

func sortKeys(keys []RoomKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Namespace != keys[j].Namespace {
			return keys[i].Namespace < keys[j].Namespace
		}
		return keys[i].Room < keys[j].Room
	})
}
