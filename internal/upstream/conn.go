package upstream

import (
	"context"
	"encoding/json"

	"spacetime-relay/internal/entity"
)

// Change is one row change pushed by the backing store. Seq orders it
// against query results received on the same connection.
type Change struct {
	Seq       uint64
	Table     string
	Operation entity.Operation
	Row       entity.Entity
}

// QueryResult holds the rows returned by a bulk query.
type QueryResult struct {
	Seq  uint64
	Rows []entity.Entity
}

// Conn is one live connection to the backing store.
type Conn interface {
	// Subscribe performs the subscription handshake for tables of module.
	Subscribe(ctx context.Context, module string, tables []string) error
	// Query runs a named bulk query and returns its rows.
	Query(ctx context.Context, name string, args ...any) (QueryResult, error)
	// Call invokes a reducer with positional arguments.
	Call(ctx context.Context, name string, args ...any) (json.RawMessage, error)
	// Changes delivers subscribed row changes in the order the store sent
	// them. It is closed once the connection has failed and every
	// received change has been delivered.
	Changes() <-chan Change
	// Err reports why the connection ended.
	Err() error
	Close() error
}

// Dialer opens connections to the backing store.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerFunc adapts a function into a Dialer.
type DialerFunc func(ctx context.Context, url string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) {
	return f(ctx, url)
}
