package entity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Operation identifies the kind of row change reported by the backing store.
type Operation string

const (
	OperationInsert Operation = "insert"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// ParseOperation validates a wire operation tag.
func ParseOperation(value string) (Operation, error) {
	switch Operation(value) {
	case OperationInsert, OperationUpdate, OperationDelete:
		return Operation(value), nil
	default:
		return "", fmt.Errorf("unknown operation %q", value)
	}
}

// ID is the backing store's primary key for an entity. It holds the JSON
// token the key arrived as, so numbers keep their literal digits, strings
// keep their quotes, and the relay re-emits the key exactly as received.
type ID string

var errEmptyID = errors.New("entity id must not be empty")

// MarshalJSON emits the id token unchanged. An id built in code from a bare
// value that is not a JSON number or string is emitted as a string.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.quoted() || id.number() {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// UnmarshalJSON accepts both JSON numbers and strings.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return errEmptyID
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			return errEmptyID
		}
		canonical, err := json.Marshal(s)
		if err != nil {
			return err
		}
		*id = ID(canonical)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("entity id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// String returns the key without JSON quoting.
func (id ID) String() string {
	if id.quoted() {
		var s string
		if err := json.Unmarshal([]byte(id), &s); err == nil {
			return s
		}
	}
	return string(id)
}

func (id ID) quoted() bool {
	return len(id) >= 2 && id[0] == '"' && json.Valid([]byte(id))
}

func (id ID) number() bool {
	if id == "" || (id[0] != '-' && (id[0] < '0' || id[0] > '9')) {
		return false
	}
	return json.Valid([]byte(id))
}

// Position is a point in world space.
type Position struct {
	X float64
	Y float64
	Z float64
}

// Finite reports whether every coordinate is a finite number.
func (p Position) Finite() bool {
	for _, v := range [...]float64{p.X, p.Y, p.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Entity mirrors one row of the backing store's entity table.
// Owner and CreatedAt are opaque tokens passed through verbatim.
type Entity struct {
	ID        ID              `json:"id"`
	PositionX float64         `json:"position_x"`
	PositionY float64         `json:"position_y"`
	PositionZ float64         `json:"position_z"`
	Owner     json.RawMessage `json:"owner"`
	CreatedAt json.RawMessage `json:"created_at"`
}

// Position returns the entity coordinates.
func (e Entity) Position() Position {
	return Position{X: e.PositionX, Y: e.PositionY, Z: e.PositionZ}
}

// Validate checks the invariants a row must satisfy before it is mirrored.
func (e Entity) Validate() error {
	if e.ID == "" {
		return errEmptyID
	}
	if !e.Position().Finite() {
		return fmt.Errorf("entity %s has a non-finite position", e.ID)
	}
	return nil
}

// Merge folds an incoming row onto the previously known row for the same id.
// Only the position is mutable; created_at never changes once set and owner
// is carried forward when the incoming row omits it.
func Merge(prev, next Entity) Entity {
	merged := next
	if len(prev.CreatedAt) > 0 {
		merged.CreatedAt = prev.CreatedAt
	}
	if len(merged.Owner) == 0 {
		merged.Owner = prev.Owner
	}
	return merged
}

// Clone returns a copy that shares no memory with e.
func (e Entity) Clone() Entity {
	cloned := e
	if e.Owner != nil {
		cloned.Owner = append(json.RawMessage(nil), e.Owner...)
	}
	if e.CreatedAt != nil {
		cloned.CreatedAt = append(json.RawMessage(nil), e.CreatedAt...)
	}
	return cloned
}
