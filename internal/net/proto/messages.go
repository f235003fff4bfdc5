package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"spacetime-relay/internal/entity"
)

// Client message type identifiers.
const (
	TypeCreateEntity = "create_entity"
	TypeUpdateEntity = "update_entity"
)

// Relay message type identifiers.
const (
	TypeInitialState     = "initial_state"
	TypeConnectionStatus = "connection_status"
	TypeEntityUpdate     = "entity_update"
)

// MalformedMessageError reports an inbound client message that could not be
// turned into an intent. The session drops the message and keeps reading.
type MalformedMessageError struct {
	Reason string
	Err    error
}

func (e *MalformedMessageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed client message: %s: %v", e.Reason, e.Err)
	}
	return "malformed client message: " + e.Reason
}

func (e *MalformedMessageError) Unwrap() error { return e.Err }

func malformed(reason string, err error) error {
	return &MalformedMessageError{Reason: reason, Err: err}
}

// IsMalformed reports whether err is a MalformedMessageError.
func IsMalformed(err error) bool {
	var target *MalformedMessageError
	return errors.As(err, &target)
}

// Intent is a validated client request to mutate the backing store.
type Intent struct {
	Type     string
	ID       entity.ID
	Position entity.Position
}

type clientPosition struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
	Z *float64 `json:"z"`
}

func (p *clientPosition) resolve() entity.Position {
	var pos entity.Position
	if p == nil {
		return pos
	}
	if p.X != nil {
		pos.X = *p.X
	}
	if p.Y != nil {
		pos.Y = *p.Y
	}
	if p.Z != nil {
		pos.Z = *p.Z
	}
	return pos
}

// ClientMessage captures an inbound websocket message from the client.
type ClientMessage struct {
	Type     string          `json:"type"`
	ID       json.RawMessage `json:"id,omitempty"`
	Position *clientPosition `json:"position,omitempty"`
}

// DecodeClientMessage validates a raw websocket payload. It returns ok=false
// with a nil error for well-formed messages whose type the relay does not
// handle, and a MalformedMessageError for anything it cannot use.
func DecodeClientMessage(payload []byte) (Intent, bool, error) {
	var msg ClientMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Intent{}, false, malformed("invalid json", err)
	}

	switch msg.Type {
	case TypeCreateEntity:
		pos := msg.Position.resolve()
		if !pos.Finite() {
			return Intent{}, false, malformed("position must be finite", nil)
		}
		return Intent{Type: TypeCreateEntity, Position: pos}, true, nil
	case TypeUpdateEntity:
		if len(msg.ID) == 0 || bytes.Equal(msg.ID, []byte("null")) {
			return Intent{}, false, malformed("update_entity requires id", nil)
		}
		var id entity.ID
		if err := json.Unmarshal(msg.ID, &id); err != nil {
			return Intent{}, false, malformed("invalid id", err)
		}
		if msg.Position == nil {
			return Intent{}, false, malformed("update_entity requires position", nil)
		}
		pos := msg.Position.resolve()
		if !pos.Finite() {
			return Intent{}, false, malformed("position must be finite", nil)
		}
		return Intent{Type: TypeUpdateEntity, ID: id, Position: pos}, true, nil
	default:
		return Intent{Type: msg.Type}, false, nil
	}
}

// InitialState is the catch-up snapshot sent when a session starts.
type InitialState struct {
	Type string          `json:"type"`
	Data []entity.Entity `json:"data"`
}

// ConnectionStatus reports whether the relay can currently reach the backing store.
type ConnectionStatus struct {
	Type      string `json:"type"`
	Connected bool   `json:"connected"`
}

// EntityUpdate carries one mirrored change. The entity fields are flattened
// next to the operation tag inside data.
type EntityUpdate struct {
	Type string           `json:"type"`
	Data EntityUpdateData `json:"data"`
}

type EntityUpdateData struct {
	entity.Entity
	Operation entity.Operation `json:"operation"`
}

// MarshalInitialState renders an initial_state message.
func MarshalInitialState(entities []entity.Entity) ([]byte, error) {
	if entities == nil {
		entities = []entity.Entity{}
	}
	return json.Marshal(InitialState{Type: TypeInitialState, Data: entities})
}

// MarshalConnectionStatus renders a connection_status message.
func MarshalConnectionStatus(connected bool) ([]byte, error) {
	return json.Marshal(ConnectionStatus{Type: TypeConnectionStatus, Connected: connected})
}

// MarshalEntityUpdate renders an entity_update message.
func MarshalEntityUpdate(e entity.Entity, op entity.Operation) ([]byte, error) {
	return json.Marshal(EntityUpdate{
		Type: TypeEntityUpdate,
		Data: EntityUpdateData{Entity: e, Operation: op},
	})
}
