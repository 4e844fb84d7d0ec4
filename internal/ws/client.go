package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/lattice-collab/internal/errs"
	"github.com/manpreetbhatti/lattice-collab/internal/presence"
	"github.com/manpreetbhatti/lattice-collab/internal/protocol"
	"github.com/manpreetbhatti/lattice-collab/internal/ratelimit"
	"github.com/manpreetbhatti/lattice-collab/internal/room"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
	sendBuffer     = 512

	// DefaultNamespacePattern accepts any non-empty path of letters, digits,
	// '_', '-' and '/'.
	DefaultNamespacePattern = `^/[a-zA-Z0-9_/-]+$`

	// Frames dropped by the rate limiter before the connection is closed.
	maxRateLimitViolations = 1000
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Coordinator receives the events of joined connections.
type Coordinator interface {
	Join(ctx context.Context, req room.JoinRequest) error
	Update(ctx context.Context, connID string, version int, steps []json.RawMessage) error
	UpdateSelection(ctx context.Context, connID string, sel presence.Selection) error
	Leave(ctx context.Context, connID string) error
}

type ServerConfig struct {
	// NamespacePattern is matched against the path below /ws.
	NamespacePattern string

	// Limiters rate limits inbound frames per connection. Nil disables
	// limiting.
	Limiters *ratelimit.ClientLimiters

	Logger *slog.Logger
}

// Server upgrades /ws/<namespace> requests and runs one client per socket.
type Server struct {
	ctx       context.Context
	hub       *Hub
	coord     Coordinator
	namespace *regexp.Regexp
	limiters  *ratelimit.ClientLimiters
	logger    *slog.Logger

	// Running read pumps
	wg sync.WaitGroup
}

// NewServer builds a websocket endpoint. Connections live until they close or
// ctx is done, independent of the upgrade request.
func NewServer(ctx context.Context, hub *Hub, coord Coordinator, cfg ServerConfig) (*Server, error) {
	if cfg.NamespacePattern == "" {
		cfg.NamespacePattern = DefaultNamespacePattern
	}
	re, err := regexp.Compile(cfg.NamespacePattern)
	if err != nil {
		return nil, fmt.Errorf("namespace pattern: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		ctx:       ctx,
		hub:       hub,
		coord:     coord,
		namespace: re,
		limiters:  cfg.Limiters,
		logger:    cfg.Logger,
	}, nil
}

// Namespace maps a request path to its namespace: "/ws/app/notes" is
// "/app/notes". It reports false when the path is outside /ws or the
// namespace does not match the configured pattern.
func (s *Server) Namespace(path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, "/ws")
	if !ok {
		return "", false
	}
	if rest == "" {
		rest = "/"
	}
	if !strings.HasPrefix(rest, "/") || !s.namespace.MatchString(rest) {
		return "", false
	}
	return rest, true
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	namespace, ok := s.Namespace(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}

	id := uuid.NewString()
	client := &Client{
		hub:       s.hub,
		coord:     s.coord,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		id:        id,
		namespace: namespace,
		limiters:  s.limiters,
		logger:    s.logger.With("conn", id, "namespace", namespace),
	}
	if s.limiters != nil {
		client.limiter = s.limiters.Get(id)
	}

	s.hub.add(client)

	s.wg.Add(1)
	go client.writePump()
	go func() {
		defer s.wg.Done()
		client.readPump(s.ctx)
	}()
}

// Wait blocks until every connection has finished its leave flow or ctx is
// done.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Client is one websocket connection.
type Client struct {
	hub       *Hub
	coord     Coordinator
	conn      *websocket.Conn
	send      chan []byte
	id        string
	namespace string
	limiters  *ratelimit.ClientLimiters
	limiter   *ratelimit.Limiter
	logger    *slog.Logger
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
		if c.limiters != nil {
			c.limiters.Remove(c.id)
		}
		if err := c.coord.Leave(ctx, c.id); err != nil {
			c.logger.Warn("leave failed", "error", err)
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	violations := 0

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket error", "error", err)
			}
			return
		}

		if c.limiter != nil && !c.limiter.Allow() {
			violations++
			if violations%100 == 1 {
				c.logger.Warn("rate limit exceeded", "violations", violations)
			}
			if violations > maxRateLimitViolations {
				c.logger.Warn("disconnecting for excessive rate limit violations")
				return
			}
			continue
		}

		if err := c.handle(ctx, message); err != nil {
			c.logger.Warn("event failed", "code", errs.CodeOf(err), "error", err)
		}
	}
}

// handle dispatches one inbound frame. Events are processed in arrival order.
func (c *Client) handle(ctx context.Context, frame []byte) error {
	env, err := protocol.Decode(frame)
	if err != nil {
		return err
	}

	switch env.Event {
	case protocol.EventJoin:
		p, err := env.Join()
		if err != nil {
			return err
		}
		err = c.coord.Join(ctx, room.JoinRequest{
			Namespace: c.namespace,
			Room:      p.RoomName,
			ClientID:  string(p.ClientID),
			ConnID:    c.id,
			Options:   p.Options,
		})
		if errs.IsHookRejected(err) {
			// The client was told and is being disconnected.
			return nil
		}
		return err

	case protocol.EventUpdate:
		p, err := env.Update()
		if err != nil {
			return err
		}
		err = c.coord.Update(ctx, c.id, p.Version, p.Steps)
		if errs.IsLockTimeout(err) || errors.Is(err, room.ErrNotJoined) {
			// The client resubmits on its next change.
			c.logger.Debug("update not applied", "error", err)
			return nil
		}
		return err

	case protocol.EventUpdateSelection:
		p, err := env.Selection()
		if err != nil {
			return err
		}
		err = c.coord.UpdateSelection(ctx, c.id, presence.Selection{Selection: p.Selection})
		if errors.Is(err, room.ErrNotJoined) {
			return nil
		}
		return err

	default:
		return fmt.Errorf("%w: unknown event %q", protocol.ErrInvalidPayload, env.Event)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
