package upstream

import (
	"context"

	"spacetime-relay/logging"
)

const (
	// EventConnected is emitted once the link has subscribed and loaded the initial rows.
	EventConnected logging.EventType = "upstream.connected"
	// EventDisconnected is emitted when an established link drops.
	EventDisconnected logging.EventType = "upstream.disconnected"
	// EventConnectFailed is emitted for every failed connect attempt.
	EventConnectFailed logging.EventType = "upstream.connect_failed"
	// EventRetriesExhausted is emitted when the bounded retry budget runs out.
	EventRetriesExhausted logging.EventType = "upstream.retries_exhausted"
	// EventReducerFailed is emitted when a reducer call fails.
	EventReducerFailed logging.EventType = "upstream.reducer_failed"
)

// ConnectedPayload describes a successful connect.
type ConnectedPayload struct {
	URL      string `json:"url"`
	Module   string `json:"module"`
	Entities int    `json:"entities"`
}

// ConnectFailedPayload describes a failed connect attempt.
type ConnectFailedPayload struct {
	Attempt int    `json:"attempt"`
	Stage   string `json:"stage"`
	Error   string `json:"error"`
}

// DisconnectedPayload captures why an established link dropped.
type DisconnectedPayload struct {
	Reason string `json:"reason"`
}

// RetriesExhaustedPayload records the size of the spent retry budget.
type RetriesExhaustedPayload struct {
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

// ReducerFailedPayload captures a failed reducer invocation.
type ReducerFailedPayload struct {
	Reducer string `json:"reducer"`
	Error   string `json:"error"`
}

func subject(id string) logging.SubjectRef {
	return logging.SubjectRef{ID: id, Kind: logging.SubjectKindUpstream}
}

// Connected publishes an info event for an established link.
func Connected(ctx context.Context, pub logging.Publisher, module string, payload ConnectedPayload) {
	publish(ctx, pub, EventConnected, logging.SeverityInfo, module, payload)
}

// Disconnected publishes a warning when an established link drops.
func Disconnected(ctx context.Context, pub logging.Publisher, module string, payload DisconnectedPayload) {
	publish(ctx, pub, EventDisconnected, logging.SeverityWarn, module, payload)
}

// ConnectFailed publishes a warning for a failed connect attempt.
func ConnectFailed(ctx context.Context, pub logging.Publisher, module string, payload ConnectFailedPayload) {
	publish(ctx, pub, EventConnectFailed, logging.SeverityWarn, module, payload)
}

// RetriesExhausted publishes the terminal failure at critical severity.
func RetriesExhausted(ctx context.Context, pub logging.Publisher, module string, payload RetriesExhaustedPayload) {
	publish(ctx, pub, EventRetriesExhausted, logging.SeverityCritical, module, payload)
}

// ReducerFailed publishes an error event for a failed reducer call.
func ReducerFailed(ctx context.Context, pub logging.Publisher, module string, payload ReducerFailedPayload) {
	publish(ctx, pub, EventReducerFailed, logging.SeverityError, module, payload)
}

func publish(ctx context.Context, pub logging.Publisher, eventType logging.EventType, severity logging.Severity, module string, payload any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     eventType,
		Subject:  subject(module),
		Severity: severity,
		Category: logging.CategoryUpstream,
		Payload:  payload,
	})
}
