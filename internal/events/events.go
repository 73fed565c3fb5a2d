// Package events defines the relay's wire protocol and the inbound queue
// that serializes connection events for the coordinator.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"roomrelay/internal/rooms"
)

// Inbound event names.
const (
	JoinRoom       = "joinRoom"
	PlayerMovement = "playerMovement"
	IsKeyValid     = "isKeyValid"
	GetRoomCode    = "getRoomCode"
	// Disconnect is raised by the transport, never sent by clients.
	Disconnect = "disconnect"
)

// Outbound event names.
const (
	SetState       = "setState"
	CurrentPlayers = "currentPlayers"
	NewPlayer      = "newPlayer"
	PlayerMoved    = "playerMoved"
	Disconnected   = "disconnected"
	KeyIsValid     = "keyIsValid"
	KeyNotValid    = "keyNotValid"
	RoomCreated    = "roomCreated"
	RoomNotFound   = "roomNotFound"
	PlayerNotFound = "playerNotFound"
	Error          = "error"
)

// Envelope is the JSON frame exchanged in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type JoinRoomRequest struct {
	Username string `json:"username"`
	Code     string `json:"code"`
}

type MovementRequest struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Rotation float64 `json:"rotation"`
	RoomKey  string  `json:"roomKey"`
}

type KeyCheckRequest struct {
	Username string `json:"username"`
	Code     string `json:"code"`
}

type CurrentPlayersPayload struct {
	Players    map[string]rooms.Player `json:"players"`
	NumPlayers int                     `json:"numPlayers"`
}

type NewPlayerPayload struct {
	PlayerInfo rooms.Player `json:"playerInfo"`
	NumPlayers int          `json:"numPlayers"`
}

type DisconnectedPayload struct {
	PlayerID   string `json:"playerId"`
	NumPlayers int    `json:"numPlayers"`
}

type RoomNotFoundPayload struct {
	RoomKey string `json:"roomKey"`
}

type PlayerNotFoundPayload struct {
	RoomKey string `json:"roomKey"`
}

type ErrorPayload struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

// Encode marshals an outbound envelope. A nil data produces a frame
// without a data field.
func Encode(event string, data any) ([]byte, error) {
	env := Envelope{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", event, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// Inbound is one event from a connection, queued for the coordinator.
type Inbound struct {
	ConnID string
	Event  string
	Data   json.RawMessage
}

// Decode unmarshals the event payload into v.
func (in Inbound) Decode(v any) error {
	if len(in.Data) == 0 {
		return fmt.Errorf("%s: missing payload", in.Event)
	}
	if err := json.Unmarshal(in.Data, v); err != nil {
		return fmt.Errorf("%s: decoding payload: %w", in.Event, err)
	}
	return nil
}

// Bus is the single queue all connections publish into. Exactly one
// consumer drains it, which gives every room one total event order.
type Bus struct {
	Inbound chan Inbound
}

func NewBus(size int) *Bus {
	return &Bus{
		Inbound: make(chan Inbound, size),
	}
}

// Publish enqueues ev, blocking while the queue is full.
func (b *Bus) Publish(ctx context.Context, ev Inbound) error {
	select {
	case b.Inbound <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
