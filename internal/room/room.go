// Package room coordinates live editing sessions: it turns transport events
// (join, update, selection, leave) into document and presence operations and
// their results into broadcasts.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/manpreetbhatti/lattice-collab/internal/document"
	"github.com/manpreetbhatti/lattice-collab/internal/errs"
	"github.com/manpreetbhatti/lattice-collab/internal/presence"
	"github.com/manpreetbhatti/lattice-collab/internal/protocol"
	"github.com/manpreetbhatti/lattice-collab/internal/steps"
	"github.com/manpreetbhatti/lattice-collab/internal/store"
)

// ErrNotJoined is returned for events from a connection that has not joined a
// room.
var ErrNotJoined = errors.New("connection has not joined a room")

// ErrRoomActive is returned when deleting a room that has connections.
var ErrRoomActive = errors.New("room has connected clients")

// Transport is the connection layer the coordinator drives.
type Transport interface {
	// JoinRoom and LeaveRoom change room membership. Both are idempotent.
	JoinRoom(key store.RoomKey, connID string)
	LeaveRoom(key store.RoomKey, connID string)

	// Members lists the connections currently in the room.
	Members(key store.RoomKey) []string

	// Send delivers one event to one connection.
	Send(connID, event string, data any)

	// Broadcast delivers one event to every member of the room except the
	// connection named by except, if any.
	Broadcast(key store.RoomKey, event string, data any, except string)

	// Disconnect closes the connection after pending events are flushed.
	Disconnect(connID string)
}

// Session is a live room: the document and presence of one room key.
type Session struct {
	Key      store.RoomKey
	Doc      *document.Synchronizer
	Presence *presence.Tracker
	Created  time.Time
}

type JoinRequest struct {
	Namespace string
	Room      string
	ClientID  string
	ConnID    string
	Options   map[string]any
}

type Options struct {
	Applier        steps.Applier
	MaxStoredSteps int
	Logger         *slog.Logger
}

// member is what the coordinator remembers about a joined connection so the
// leave flow can run without the client's help.
type member struct {
	key       store.RoomKey
	clientID  string
	options   map[string]any
	connected bool
}

type Coordinator struct {
	store     *store.Store
	transport Transport
	hooks     Hooks
	opts      Options
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[store.RoomKey]*Session
	members  map[string]*member
}

func NewCoordinator(st *store.Store, transport Transport, hooks Hooks, opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Applier == nil {
		opts.Applier = steps.NewProseMirror(nil)
	}
	return &Coordinator{
		store:     st,
		transport: transport,
		hooks:     hooks,
		opts:      opts,
		logger:    opts.Logger,
		sessions:  make(map[store.RoomKey]*Session),
		members:   make(map[string]*member),
	}
}

func (c *Coordinator) newSession(key store.RoomKey) *Session {
	return &Session{
		Key: key,
		Doc: document.New(c.store, key, document.Options{
			Applier:        c.opts.Applier,
			MaxStoredSteps: c.opts.MaxStoredSteps,
			Logger:         c.logger,
		}),
		Presence: presence.NewTracker(c.store, key, c.logger),
		Created:  time.Now(),
	}
}

// session returns the live session for key, creating it on first use.
func (c *Coordinator) session(key store.RoomKey) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[key]
	if !ok {
		s = c.newSession(key)
		c.sessions[key] = s
		c.logger.Info("room session created", "room", key.String())
	}
	return s
}

func (c *Coordinator) lookup(key store.RoomKey) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[key]
}

func (c *Coordinator) member(connID string) (*member, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.members[connID]
	return m, ok
}

func (c *Coordinator) forget(connID string) (*member, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.members[connID]
	delete(c.members, connID)
	return m, ok
}

// Document returns the synchronizer of key, whether or not a session is live.
func (c *Coordinator) Document(key store.RoomKey) *document.Synchronizer {
	if s := c.lookup(key); s != nil {
		return s.Doc
	}
	return c.newSession(key).Doc
}

func (hc HookContext) room() string {
	return hc.Namespace + "/" + hc.Room
}

// reject turns a hook error into a HookRejected error, keeping errors that
// already carry a code.
func reject(op string, hc HookContext, err error) error {
	if err == nil {
		return nil
	}
	var e *errs.Error
	if errors.As(err, &e) {
		return err
	}
	return errs.Reject(op, hc.room(), err)
}

// Join runs the join flow for one connection. On any failure the client gets
// initFailed, is removed from the room and disconnected, and the error is
// returned.
func (c *Coordinator) Join(ctx context.Context, req JoinRequest) error {
	key := store.RoomKey{Namespace: req.Namespace, Room: req.Room}
	logger := c.logger.With("room", key.String(), "conn", req.ConnID, "client", req.ClientID)

	if prev, ok := c.member(req.ConnID); ok && prev.key != key {
		// One room per connection: move it.
		if err := c.Leave(ctx, req.ConnID); err != nil {
			logger.Warn("leaving previous room failed", "error", err)
		}
	}

	m := &member{key: key, clientID: req.ClientID, options: req.Options}
	if err := c.join(ctx, key, req, m); err != nil {
		logger.Warn("join failed", "code", errs.CodeOf(err), "error", err)
		c.failJoin(ctx, req.ConnID, m, err)
		return err
	}
	logger.Info("client joined", "clients", len(c.transport.Members(key)))
	return nil
}

func (c *Coordinator) join(ctx context.Context, key store.RoomKey, req JoinRequest, m *member) error {
	hc := HookContext{
		Namespace:    req.Namespace,
		Room:         req.Room,
		ClientID:     req.ClientID,
		ClientsCount: len(c.transport.Members(key)) + 1,
		Options:      req.Options,
	}

	if guard := c.hooks.ConnectionGuard; guard != nil {
		if err := reject("connectionGuard", hc, guard(ctx, hc)); err != nil {
			return err
		}
	}

	c.transport.JoinRoom(key, req.ConnID)
	c.mu.Lock()
	c.members[req.ConnID] = m
	c.mu.Unlock()

	sess := c.session(key)

	// Purge entries left behind by connections that died without a leave.
	live := c.transport.Members(key)
	sels, clients, err := sess.Presence.Reconcile(ctx, live)
	if err != nil {
		return err
	}
	if sels.Changed {
		c.transport.Broadcast(key, protocol.EventGetSelections, sels.List, "")
	}
	if clients.Changed {
		c.transport.Broadcast(key, protocol.EventGetClients, clients.List, "")
	}

	hc.ClientsCount = len(live)
	if hook := c.hooks.OnClientConnect; hook != nil {
		if err := reject("onClientConnect", hc, hook(ctx, hc)); err != nil {
			return err
		}
	}
	m.connected = true

	snap, err := sess.Doc.InitDoc(ctx, func(snap document.Snapshot) (document.Snapshot, error) {
		hook := c.hooks.InitDocument
		if hook == nil {
			return snap, nil
		}
		hc := hc
		hc.Version, hc.Doc = snap.Version, snap.Doc
		next, err := hook(ctx, hc)
		if err != nil {
			return snap, reject("initDocument", hc, err)
		}
		if next == nil {
			return snap, nil
		}
		return *next, nil
	})
	if err != nil {
		return err
	}

	added, err := sess.Presence.AddClient(ctx, req.ConnID, req.ClientID)
	if err != nil {
		return err
	}
	if added.Changed {
		c.transport.Broadcast(key, protocol.EventGetClients, added.List, "")
	}

	c.transport.Send(req.ConnID, protocol.EventInit, protocol.InitPayload{Version: snap.Version, Doc: snap.Doc})
	c.transport.Send(req.ConnID, protocol.EventGetSelections, sess.Presence.Selections(ctx))
	return nil
}

func (c *Coordinator) failJoin(ctx context.Context, connID string, m *member, cause error) {
	c.transport.Send(connID, protocol.EventInitFailed, cause.Error())
	c.transport.LeaveRoom(m.key, connID)

	c.mu.Lock()
	if c.members[connID] == m {
		delete(c.members, connID)
	}
	c.mu.Unlock()

	if err := c.leave(ctx, connID, m); err != nil {
		c.logger.Warn("cleanup after failed join", "room", m.key.String(), "conn", connID, "error", err)
	}
	c.transport.Disconnect(connID)
}

// Update applies a step submission and broadcasts the outcome to the whole
// room. Records are attributed to the client id given at join. A lock timeout
// sends nothing; the client retries.
func (c *Coordinator) Update(ctx context.Context, connID string, version int, submitted []json.RawMessage) error {
	m, ok := c.member(connID)
	if !ok {
		return ErrNotJoined
	}

	event, err := c.session(m.key).Doc.UpdateDoc(ctx, version, m.clientID, submitted)
	if err != nil {
		if errs.IsLockTimeout(err) {
			c.logger.Warn("update dropped", "room", m.key.String(), "conn", connID, "error", err)
		}
		return err
	}

	c.transport.Broadcast(m.key, protocol.EventUpdate, protocol.StepsPayload{
		Version: event.Version,
		Steps:   event.Steps,
	}, "")
	return nil
}

// UpdateSelection stores a cursor change and echoes it to everyone else. The
// selection always carries the client id given at join.
func (c *Coordinator) UpdateSelection(ctx context.Context, connID string, sel presence.Selection) error {
	m, ok := c.member(connID)
	if !ok {
		return ErrNotJoined
	}
	sel.ClientID = m.clientID

	upd, err := c.session(m.key).Presence.UpsertSelection(ctx, connID, sel)
	if err != nil {
		return err
	}
	if upd.Changed {
		c.transport.Broadcast(m.key, protocol.EventGetSelections, upd.List, connID)
	}
	return nil
}

// Leave runs the leave flow for a connection. Calling it for a connection
// that is not in a room does nothing.
func (c *Coordinator) Leave(ctx context.Context, connID string) error {
	m, ok := c.forget(connID)
	if !ok {
		return nil
	}
	c.transport.LeaveRoom(m.key, connID)
	return c.leave(ctx, connID, m)
}

func (c *Coordinator) leave(ctx context.Context, connID string, m *member) error {
	key := m.key
	sess := c.lookup(key)
	if sess == nil {
		return nil
	}
	logger := c.logger.With("room", key.String(), "conn", connID)

	var failures []error
	sels, err := sess.Presence.RemoveSelection(ctx, connID)
	if err != nil {
		failures = append(failures, err)
	} else if sels.Changed {
		c.transport.Broadcast(key, protocol.EventGetSelections, sels.List, "")
	}

	clients, err := sess.Presence.RemoveClient(ctx, connID)
	if err != nil {
		failures = append(failures, err)
	} else if clients.Changed {
		c.transport.Broadcast(key, protocol.EventGetClients, clients.List, "")
	}

	remaining := len(c.transport.Members(key))
	hc := HookContext{
		Namespace:    key.Namespace,
		Room:         key.Room,
		ClientID:     m.clientID,
		ClientsCount: remaining,
		Options:      m.options,
	}
	if snap, err := sess.Doc.GetDoc(ctx); err != nil {
		failures = append(failures, err)
	} else {
		hc.Version, hc.Doc = snap.Version, snap.Doc
	}

	leaveHook := c.hooks.LeaveDocument
	if leaveHook == nil {
		leaveHook = DeleteWhenEmpty
	}
	deleted := false
	deleteRoom := func(ctx context.Context) error {
		err := c.DeleteRoom(ctx, key)
		if errors.Is(err, ErrRoomActive) {
			return nil
		}
		if err == nil {
			deleted = true
		}
		return err
	}
	if err := leaveHook(ctx, hc, deleteRoom); err != nil {
		failures = append(failures, fmt.Errorf("leaveDocument: %w", err))
	}

	if hook := c.hooks.OnClientDisconnect; hook != nil && m.connected {
		if err := hook(ctx, hc); err != nil {
			failures = append(failures, fmt.Errorf("onClientDisconnect: %w", err))
		}
	}

	if remaining == 0 {
		// The last one out always removes the room's persisted state.
		if !deleted {
			if err := deleteRoom(ctx); err != nil {
				failures = append(failures, fmt.Errorf("delete room: %w", err))
			}
		}
		c.dropSession(key)
	}
	logger.Info("client left", "remaining", remaining)
	return errors.Join(failures...)
}

// DeleteRoom removes the persisted state of key. It fails with ErrRoomActive
// if the room has connections. The membership check runs under the room lock,
// which every join also needs before it touches storage.
func (c *Coordinator) DeleteRoom(ctx context.Context, key store.RoomKey) error {
	err := c.store.WithLock(ctx, key, func(ctx context.Context) error {
		if len(c.transport.Members(key)) > 0 {
			return ErrRoomActive
		}
		return c.store.DeleteNamed(ctx, key, store.AllNames...)
	})
	if err == nil {
		c.logger.Info("room deleted", "room", key.String())
	}
	return err
}

func (c *Coordinator) dropSession(key store.RoomKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.transport.Members(key)) > 0 {
		return
	}
	if _, ok := c.sessions[key]; ok {
		delete(c.sessions, key)
		c.logger.Info("room session closed", "room", key.String())
	}
}

// RoomInfo describes one live session.
type RoomInfo struct {
	Namespace   string    `json:"namespace"`
	Room        string    `json:"room"`
	Connections int       `json:"connections"`
	Created     time.Time `json:"created"`
}

// ActiveRooms lists live sessions, optionally filtered by namespace.
func (c *Coordinator) ActiveRooms(namespace string) []RoomInfo {
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for key, s := range c.sessions {
		if namespace == "" || key.Namespace == namespace {
			sessions = append(sessions, s)
		}
	}
	c.mu.Unlock()

	out := make([]RoomInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, RoomInfo{
			Namespace:   s.Key.Namespace,
			Room:        s.Key.Room,
			Connections: len(c.transport.Members(s.Key)),
			Created:     s.Created,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Namespace != out[j].Namespace {
			return out[i].Namespace < out[j].Namespace
		}
		return out[i].Room < out[j].Room
	})
	return out
}

// Stats reports live session and connection counts.
func (c *Coordinator) Stats() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]int{
		"active_rooms":       len(c.sessions),
		"active_connections": len(c.members),
	}
}
