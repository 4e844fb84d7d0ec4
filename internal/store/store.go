// Package store is the persistent room store: named JSON documents per room
// plus an advisory, storage-backed lock that serializes every mutation of a
// room across goroutines, processes and server instances.
//
// Drivers implement Backend. Store layers the retry policy, default-on-read
// and JSON encoding on top so every driver behaves the same way.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"github.com/manpreetbhatti/lattice-collab/internal/errs"
)

// Names of the four documents persisted per room.
const (
	NameDoc        = "doc"
	NameSteps      = "steps"
	NameSelections = "selections"
	NameClients    = "clients"
)

// AllNames lists every document a room may own.
var AllNames = []string{NameDoc, NameSteps, NameSelections, NameClients}

const (
	DefaultLockDelay   = 100 * time.Millisecond
	DefaultLockRetries = 10

	releaseTimeout = 5 * time.Second
)

// RoomKey identifies one collaborative document.
type RoomKey struct {
	Namespace string `json:"namespace"`
	Room      string `json:"room"`
}

func (k RoomKey) String() string {
	return k.Namespace + "/" + k.Room
}

// Backend is a storage driver.
type Backend interface {
	// TryLock creates the room's lock entry holding token if no entry exists.
	// It reports false when another holder owns the lock.
	TryLock(ctx context.Context, key RoomKey, token string) (bool, error)

	// Unlock removes the lock entry if it still holds token.
	Unlock(ctx context.Context, key RoomKey, token string) error

	// Get returns the stored value and whether it exists.
	Get(ctx context.Context, key RoomKey, name string) ([]byte, bool, error)

	// Put replaces the stored value.
	Put(ctx context.Context, key RoomKey, name string, value []byte) error

	// Delete removes the named values. Missing names are not an error.
	Delete(ctx context.Context, key RoomKey, names ...string) error

	Close() error
}

// LockReaper is implemented by backends that can release abandoned locks.
type LockReaper interface {
	ReapLocks(ctx context.Context, olderThan time.Duration) ([]RoomKey, error)
}

// RoomLister is implemented by backends that can enumerate persisted rooms.
type RoomLister interface {
	ListRooms(ctx context.Context, namespace string) ([]RoomKey, error)
}

// StatsReporter is implemented by backends that expose storage counters.
type StatsReporter interface {
	Stats(ctx context.Context) (map[string]int, error)
}

var errLockHeld = errors.New("lock held by another operation")

type Options struct {
	LockDelay   time.Duration
	LockRetries int
	Logger      *slog.Logger
}

// Store applies the lock and encoding policy on top of a Backend.
type Store struct {
	backend Backend
	delay   time.Duration
	retries int
	logger  *slog.Logger
}

func New(backend Backend, opts Options) *Store {
	if opts.LockDelay <= 0 {
		opts.LockDelay = DefaultLockDelay
	}
	if opts.LockRetries < 0 {
		opts.LockRetries = 0
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		backend: backend,
		delay:   opts.LockDelay,
		retries: opts.LockRetries,
		logger:  opts.Logger,
	}
}

// Backend returns the underlying driver.
func (s *Store) Backend() Backend {
	return s.backend
}

func (s *Store) Close() error {
	return s.backend.Close()
}

// Lock is a held room lock.
type Lock struct {
	store    *Store
	key      RoomKey
	token    string
	released bool
}

// Lock acquires the room lock. It makes one attempt plus up to LockRetries
// retries spaced LockDelay apart. When every attempt finds the lock held, or
// ctx ends first, it returns an errs.LockTimeout error; a driver failure
// returns errs.Unknown. In both cases nothing is held and nothing must be
// released.
func (s *Store) Lock(ctx context.Context, key RoomKey) (*Lock, error) {
	token := uuid.NewString()

	var (
		attempts   int
		backendErr error
	)
	attempt := func() error {
		attempts++
		ok, err := s.backend.TryLock(ctx, key, token)
		if err != nil {
			// Stop retrying; the failure is reported below.
			backendErr = err
			return nil
		}
		if !ok {
			return errLockHeld
		}
		return nil
	}

	// WithMaxRetries treats 0 as unlimited, so a zero budget needs StopBackOff.
	var policy backoff.BackOff = &backoff.StopBackOff{}
	if s.retries > 0 {
		policy = backoff.WithMaxRetries(backoff.NewConstantBackOff(s.delay), uint64(s.retries))
	}
	err := backoff.Retry(attempt, backoff.WithContext(policy, ctx))

	if backendErr != nil {
		return nil, errs.New(errs.Unknown, "lock", key.String(), backendErr)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		} else if attempts <= s.retries {
			// Retrying stopped before the budget ran out: the next delay
			// would have passed the deadline.
			err = fmt.Errorf("%w before next attempt", context.DeadlineExceeded)
		}
		s.logger.Warn("room lock timeout", "room", key.String(), "attempts", attempts)
		return nil, errs.New(errs.LockTimeout, "lock", key.String(),
			fmt.Errorf("%d attempts: %w", attempts, err))
	}

	return &Lock{store: s, key: key, token: token}, nil
}

// Release frees the lock. Calling it again is a no-op. It keeps working after
// ctx is cancelled so a failed operation never leaves the room locked.
func (l *Lock) Release(ctx context.Context) error {
	if l == nil || l.released {
		return nil
	}
	l.released = true

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	if err := l.store.backend.Unlock(ctx, l.key, l.token); err != nil {
		return errs.New(errs.Unknown, "unlock", l.key.String(), err)
	}
	return nil
}

// WithLock runs fn while holding the room lock and releases it on every exit
// path, including panics. If acquisition fails fn is not called.
func (s *Store) WithLock(ctx context.Context, key RoomKey, fn func(ctx context.Context) error) (err error) {
	lock, err := s.Lock(ctx, key)
	if err != nil {
		return err
	}

	defer func() {
		if relErr := lock.Release(ctx); relErr != nil {
			s.logger.Error("room unlock failed", "room", key.String(), "error", relErr)
			if err == nil {
				err = relErr
			}
		}
	}()

	return fn(ctx)
}

// Read decodes the named value of a room into a T. A missing, unreadable or
// corrupt value yields def, which is how a room that was never written reads
// as the default document.
func Read[T any](ctx context.Context, s *Store, key RoomKey, name string, def T) T {
	raw, ok, err := s.backend.Get(ctx, key, name)
	if err != nil {
		s.logger.Warn("room read failed, using default", "room", key.String(), "name", name, "error", err)
		return def
	}
	if !ok || len(raw) == 0 {
		return def
	}

	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		s.logger.Warn("room value corrupt, using default", "room", key.String(), "name", name, "error", err)
		return def
	}
	return v
}

// Write replaces the named value with the JSON encoding of v.
func (s *Store) Write(ctx context.Context, key RoomKey, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errs.New(errs.Unknown, "write "+name, key.String(), err)
	}
	if err := s.backend.Put(ctx, key, name, data); err != nil {
		return errs.New(errs.Unknown, "write "+name, key.String(), err)
	}
	return nil
}

// DeleteNamed removes each named value independently.
func (s *Store) DeleteNamed(ctx context.Context, key RoomKey, names ...string) error {
	if len(names) == 0 {
		return nil
	}
	if err := s.backend.Delete(ctx, key, names...); err != nil {
		return errs.New(errs.Unknown, "delete", key.String(), err)
	}
	return nil
}
