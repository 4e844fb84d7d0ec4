package room

import (
	"context"
	"encoding/json"

	"github.com/manpreetbhatti/lattice-collab/internal/document"
)

// HookContext is what every hook sees about the connection and room.
type HookContext struct {
	Namespace string
	Room      string
	ClientID  string

	// ClientsCount is the number of connections in the room, including the
	// joining one on connect and excluding the leaving one on leave.
	ClientsCount int

	// Version and Doc hold the stored snapshot for InitDocument and
	// LeaveDocument. On leave they are what the room held after the
	// connection's last edit.
	Version int
	Doc     json.RawMessage

	// Options are the join options sent by the client.
	Options map[string]any
}

// Hooks are the extension points of the join and leave flows. A nil hook
// approves. A hook that returns an error rejects: on join the client gets
// initFailed and is disconnected.
type Hooks struct {
	// ConnectionGuard runs before the connection is added to the room.
	ConnectionGuard func(ctx context.Context, hc HookContext) error

	// InitDocument runs under the room lock with the stored snapshot in hc.
	// Returning a non-nil snapshot replaces it; nil keeps it.
	InitDocument func(ctx context.Context, hc HookContext) (*document.Snapshot, error)

	// LeaveDocument runs after a connection left. deleteRoom removes the
	// room's persisted state, but only if nobody is in the room any more.
	// When the room is empty its state is removed after the hook returns
	// either way, so the hook is the place to save the final document.
	// A nil LeaveDocument behaves like DeleteWhenEmpty.
	LeaveDocument func(ctx context.Context, hc HookContext, deleteRoom func(context.Context) error) error

	OnClientConnect    func(ctx context.Context, hc HookContext) error
	OnClientDisconnect func(ctx context.Context, hc HookContext) error
}

// DeleteWhenEmpty is the default leave hook: the last one out deletes the
// room's document, step log and presence.
func DeleteWhenEmpty(ctx context.Context, hc HookContext, deleteRoom func(context.Context) error) error {
	if hc.ClientsCount > 0 {
		return nil
	}
	return deleteRoom(ctx)
}

// SeedDocument installs seed for the first client of a room that has never
// been edited. Later joins see whatever the room holds.
func SeedDocument(seed document.Snapshot) func(context.Context, HookContext) (*document.Snapshot, error) {
	return func(_ context.Context, hc HookContext) (*document.Snapshot, error) {
		if hc.ClientsCount != 1 || hc.Version != 0 {
			return nil, nil
		}
		s := seed
		return &s, nil
	}
}
