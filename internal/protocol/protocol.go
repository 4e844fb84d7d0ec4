// Package protocol is the JSON event framing spoken over the websocket. Every
// frame is {"event": <name>, "data": <payload>}.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/manpreetbhatti/lattice-collab/internal/steplog"
)

// Inbound events.
const (
	EventJoin            = "join"
	EventUpdate          = "update"
	EventUpdateSelection = "updateSelection"
)

// Outbound events. EventUpdate is used in both directions.
const (
	EventInit          = "init"
	EventGetSelections = "getSelections"
	EventGetClients    = "getClients"
	EventInitFailed    = "initFailed"
)

var ErrInvalidPayload = errors.New("invalid payload")

// ClientID is the caller-supplied client identity. Clients send it as a
// string or a number; it is always carried as a string.
type ClientID string

func (id *ClientID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ClientID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("clientID must be a string or number: %w", err)
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return fmt.Errorf("clientID must be a string or number: %w", err)
	}
	*id = ClientID(n.String())
	return nil
}

// Envelope is one frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type JoinPayload struct {
	RoomName string         `json:"roomName"`
	ClientID ClientID       `json:"clientID"`
	Options  map[string]any `json:"options,omitempty"`
}

type UpdatePayload struct {
	Version  int               `json:"version"`
	ClientID ClientID          `json:"clientID"`
	Steps    []json.RawMessage `json:"steps"`
}

type SelectionPayload struct {
	ClientID  ClientID        `json:"clientID"`
	Selection json.RawMessage `json:"selection"`
}

// InitPayload is sent to a joining connection only.
type InitPayload struct {
	Version int             `json:"version"`
	Doc     json.RawMessage `json:"doc"`
}

// StepsPayload is the room-wide update broadcast.
type StepsPayload struct {
	Version int         `json:"version"`
	Steps   steplog.Log `json:"steps"`
}

// Encode frames data under event.
func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// Decode parses one frame. It does not look at the payload.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event", ErrInvalidPayload)
	}
	return env, nil
}

func (e Envelope) decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s without data", ErrInvalidPayload, e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, e.Event, err)
	}
	return nil
}

func (e Envelope) Join() (JoinPayload, error) {
	var p JoinPayload
	if err := e.decode(&p); err != nil {
		return p, err
	}
	if p.RoomName == "" {
		return p, fmt.Errorf("%w: join without roomName", ErrInvalidPayload)
	}
	return p, nil
}

func (e Envelope) Update() (UpdatePayload, error) {
	var p UpdatePayload
	if err := e.decode(&p); err != nil {
		return p, err
	}
	if p.Version < 0 {
		return p, fmt.Errorf("%w: negative version %d", ErrInvalidPayload, p.Version)
	}
	return p, nil
}

func (e Envelope) Selection() (SelectionPayload, error) {
	var p SelectionPayload
	err := e.decode(&p)
	return p, err
}
