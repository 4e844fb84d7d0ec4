// Package presence tracks who is in a room and where their cursors are. Both
// lists are keyed by connection id, persisted per room and mutated only under
// the room lock.
package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"reflect"

	"github.com/manpreetbhatti/lattice-collab/internal/store"
)

// Selection is one connection's cursor or range. The value is opaque to the
// server.
type Selection struct {
	ClientID  string          `json:"clientID"`
	Selection json.RawMessage `json:"selection"`
}

// Equal compares selections by decoded value, so formatting differences in
// the client's JSON do not count as a change.
func (s Selection) Equal(o Selection) bool {
	if s.ClientID != o.ClientID {
		return false
	}
	var a, b any
	if json.Unmarshal(s.Selection, &a) != nil || json.Unmarshal(o.Selection, &b) != nil {
		return string(s.Selection) == string(o.Selection)
	}
	return reflect.DeepEqual(a, b)
}

// Update is the result of a presence mutation. List is the full list in
// insertion order; it is only worth broadcasting when Changed is true.
type Update[T any] struct {
	Changed bool
	List    []T
}

type (
	selectionMap = OrderedMap[string, Selection]
	clientMap    = OrderedMap[string, string]
)

type Tracker struct {
	store  *store.Store
	key    store.RoomKey
	logger *slog.Logger
}

func NewTracker(st *store.Store, key store.RoomKey, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: st, key: key, logger: logger.With("room", key.String())}
}

func (t *Tracker) selections(ctx context.Context) *selectionMap {
	return readMap[Selection](ctx, t, store.NameSelections)
}

func (t *Tracker) clients(ctx context.Context) *clientMap {
	return readMap[string](ctx, t, store.NameClients)
}

func readMap[V any](ctx context.Context, t *Tracker, name string) *OrderedMap[string, V] {
	m := store.Read(ctx, t.store, t.key, name, NewOrderedMap[string, V]())
	if m == nil {
		// A stored JSON null decodes to a nil map.
		m = NewOrderedMap[string, V]()
	}
	return m
}

// mutate runs fn on the stored map under the room lock and writes it back
// only if fn reports a change.
func mutate[V any](ctx context.Context, t *Tracker, name string, fn func(*OrderedMap[string, V]) bool) (Update[V], error) {
	var upd Update[V]
	err := t.store.WithLock(ctx, t.key, func(ctx context.Context) error {
		m := readMap[V](ctx, t, name)
		changed := fn(m)
		if changed {
			if err := t.store.Write(ctx, t.key, name, m); err != nil {
				return err
			}
		}
		upd = Update[V]{Changed: changed, List: m.Values()}
		return nil
	})
	return upd, err
}

// UpsertSelection records sel for connID. It writes nothing when sel equals
// the connection's current selection.
func (t *Tracker) UpsertSelection(ctx context.Context, connID string, sel Selection) (Update[Selection], error) {
	return mutate(ctx, t, store.NameSelections, func(m *selectionMap) bool {
		if cur, ok := m.Get(connID); ok && cur.Equal(sel) {
			return false
		}
		m.Set(connID, sel)
		return true
	})
}

func (t *Tracker) RemoveSelection(ctx context.Context, connID string) (Update[Selection], error) {
	return mutate(ctx, t, store.NameSelections, func(m *selectionMap) bool {
		return m.Delete(connID)
	})
}

// AddClient records clientID for connID. The first recorded identity of a
// connection wins.
func (t *Tracker) AddClient(ctx context.Context, connID, clientID string) (Update[string], error) {
	return mutate(ctx, t, store.NameClients, func(m *clientMap) bool {
		if _, ok := m.Get(connID); ok {
			return false
		}
		m.Set(connID, clientID)
		return true
	})
}

func (t *Tracker) RemoveClient(ctx context.Context, connID string) (Update[string], error) {
	return mutate(ctx, t, store.NameClients, func(m *clientMap) bool {
		return m.Delete(connID)
	})
}

func (t *Tracker) Selections(ctx context.Context) []Selection {
	return t.selections(ctx).Values()
}

func (t *Tracker) Clients(ctx context.Context) []string {
	return t.clients(ctx).Values()
}

// Reconcile drops every selection and client entry whose connection is not in
// live. Entries of live connections are left as stored.
func (t *Tracker) Reconcile(ctx context.Context, live []string) (Update[Selection], Update[string], error) {
	alive := make(map[string]bool, len(live))
	for _, id := range live {
		alive[id] = true
	}

	var (
		sels    Update[Selection]
		clients Update[string]
	)
	err := t.store.WithLock(ctx, t.key, func(ctx context.Context) error {
		sm := t.selections(ctx)
		if prune(sm, alive) {
			if err := t.store.Write(ctx, t.key, store.NameSelections, sm); err != nil {
				return err
			}
			sels.Changed = true
		}
		sels.List = sm.Values()

		cm := t.clients(ctx)
		if prune(cm, alive) {
			if err := t.store.Write(ctx, t.key, store.NameClients, cm); err != nil {
				return err
			}
			clients.Changed = true
		}
		clients.List = cm.Values()
		return nil
	})
	if err == nil && (sels.Changed || clients.Changed) {
		t.logger.Info("purged stale presence", "selections", len(sels.List), "clients", len(clients.List))
	}
	return sels, clients, err
}

func prune[V any](m *OrderedMap[string, V], alive map[string]bool) bool {
	changed := false
	for _, k := range m.Keys() {
		if !alive[k] {
			m.Delete(k)
			changed = true
		}
	}
	return changed
}
