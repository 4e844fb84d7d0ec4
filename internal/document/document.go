// Package document owns the optimistic-concurrency update protocol for one
// room: a submission either lands exactly on the stored version and advances
// it, or is answered with the steps the client is missing.
package document

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/manpreetbhatti/lattice-collab/internal/errs"
	"github.com/manpreetbhatti/lattice-collab/internal/steplog"
	"github.com/manpreetbhatti/lattice-collab/internal/steps"
	"github.com/manpreetbhatti/lattice-collab/internal/store"
)

// Snapshot is the materialized document at a version.
type Snapshot struct {
	Version int             `json:"version"`
	Doc     json.RawMessage `json:"doc"`
}

var defaultDoc = json.RawMessage(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"Empty document"}]}]}`)

// DefaultSnapshot is what a room that was never written reads as.
func DefaultSnapshot() Snapshot {
	return Snapshot{Version: 0, Doc: append(json.RawMessage(nil), defaultDoc...)}
}

type EventKind int

const (
	// NewVersion means the submitted steps were applied.
	NewVersion EventKind = iota
	// VersionMismatch means the submission was based on a stale version and
	// nothing was written.
	VersionMismatch
)

func (k EventKind) String() string {
	switch k {
	case NewVersion:
		return "NewVersion"
	case VersionMismatch:
		return "VersionMismatch"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is the outcome of UpdateDoc. For NewVersion, Version is the new
// version and Steps the records just written. For VersionMismatch, Version is
// the version the client submitted and Steps every retained record after it.
type Event struct {
	Kind    EventKind
	Version int
	Steps   steplog.Log
}

// Transform rewrites a snapshot during InitDoc. Returning an error aborts the
// init without writing.
type Transform func(Snapshot) (Snapshot, error)

type Options struct {
	Applier        steps.Applier
	MaxStoredSteps int
	Logger         *slog.Logger
}

// Synchronizer serializes every read-modify-write of one room's snapshot and
// step log through the room lock.
type Synchronizer struct {
	store    *store.Store
	key      store.RoomKey
	applier  steps.Applier
	maxSteps int
	logger   *slog.Logger
}

func New(st *store.Store, key store.RoomKey, opts Options) *Synchronizer {
	if opts.Applier == nil {
		opts.Applier = steps.NewProseMirror(nil)
	}
	if opts.MaxStoredSteps <= 0 {
		opts.MaxStoredSteps = steplog.DefaultMaxStoredSteps
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Synchronizer{
		store:    st,
		key:      key,
		applier:  opts.Applier,
		maxSteps: opts.MaxStoredSteps,
		logger:   opts.Logger.With("room", key.String()),
	}
}

func (s *Synchronizer) Key() store.RoomKey {
	return s.key
}

func (s *Synchronizer) readSnapshot(ctx context.Context) Snapshot {
	snap := store.Read(ctx, s.store, s.key, store.NameDoc, DefaultSnapshot())
	if len(snap.Doc) == 0 {
		snap.Doc = DefaultSnapshot().Doc
	}
	return snap
}

func (s *Synchronizer) readLog(ctx context.Context) steplog.Log {
	return store.Read(ctx, s.store, s.key, store.NameSteps, steplog.Log{})
}

// UpdateDoc applies steps submitted against version by clientID. A lock
// timeout returns an errs.LockTimeout error and no Event; apply and storage
// failures return errs.Unknown. In every case the lock is released before
// returning.
func (s *Synchronizer) UpdateDoc(ctx context.Context, version int, clientID string, submitted []json.RawMessage) (Event, error) {
	var event Event
	err := s.store.WithLock(ctx, s.key, func(ctx context.Context) error {
		snap := s.readSnapshot(ctx)
		log := s.readLog(ctx)

		if version != snap.Version {
			event = Event{Kind: VersionMismatch, Version: version, Steps: log.Since(version)}
			s.logger.Debug("version mismatch",
				"code", errs.VersionMismatch,
				"submitted", version,
				"stored", snap.Version,
				"replay", len(event.Steps))
			return nil
		}

		doc, err := steps.ApplyAll(s.applier, snap.Doc, submitted)
		if err != nil {
			return errs.New(errs.Unknown, "updateDoc", s.key.String(), err)
		}

		next := Snapshot{Version: version + len(submitted), Doc: doc}
		if err := s.store.Write(ctx, s.key, store.NameDoc, next); err != nil {
			return err
		}
		log = log.Append(version, clientID, submitted, s.maxSteps)
		if err := s.store.Write(ctx, s.key, store.NameSteps, log); err != nil {
			return err
		}

		event = Event{Kind: NewVersion, Version: next.Version, Steps: log.Since(version)}
		return nil
	})
	if err != nil {
		return Event{}, err
	}
	return event, nil
}

// InitDoc reads the snapshot (or the default), passes it through transform and
// persists the result. A transform error is returned unchanged and nothing is
// written.
func (s *Synchronizer) InitDoc(ctx context.Context, transform Transform) (Snapshot, error) {
	var out Snapshot
	err := s.store.WithLock(ctx, s.key, func(ctx context.Context) error {
		snap := s.readSnapshot(ctx)
		if transform != nil {
			next, err := transform(snap)
			if err != nil {
				return err
			}
			if len(next.Doc) == 0 {
				next.Doc = snap.Doc
			}
			snap = next
		}
		if err := s.store.Write(ctx, s.key, store.NameDoc, snap); err != nil {
			return err
		}
		out = snap
		return nil
	})
	return out, err
}

// GetDoc reads the current snapshot under the room lock.
func (s *Synchronizer) GetDoc(ctx context.Context) (Snapshot, error) {
	var out Snapshot
	err := s.store.WithLock(ctx, s.key, func(ctx context.Context) error {
		out = s.readSnapshot(ctx)
		return nil
	})
	return out, err
}

// StepsSince returns the retained records after version. It does not take the
// lock; the log is always replaced whole, so a read sees one consistent value.
func (s *Synchronizer) StepsSince(ctx context.Context, version int) steplog.Log {
	return s.readLog(ctx).Since(version)
}

// Replay re-derives a snapshot by applying every record after base.Version in
// order. It fails if the log has a gap, which happens once retention has
// evicted records base still needs.
func Replay(base Snapshot, log steplog.Log, applier steps.Applier) (Snapshot, error) {
	snap := base
	for _, r := range log {
		if r.Version <= snap.Version {
			continue
		}
		if r.Version != snap.Version+1 {
			return Snapshot{}, fmt.Errorf("replay: missing steps between version %d and %d", snap.Version, r.Version)
		}
		doc, err := applier.Apply(snap.Doc, r.Step)
		if err != nil {
			return Snapshot{}, fmt.Errorf("replay version %d: %w", r.Version, err)
		}
		snap = Snapshot{Version: r.Version, Doc: doc}
	}
	return snap, nil
}
