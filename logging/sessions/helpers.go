package sessions

import (
	"context"

	"spacetime-relay/logging"
)

const (
	// EventOpened is emitted when a client session is registered.
	EventOpened logging.EventType = "session.opened"
	// EventClosed is emitted when a client session ends.
	EventClosed logging.EventType = "session.closed"
	// EventMalformedMessage is emitted when an inbound message cannot be decoded.
	EventMalformedMessage logging.EventType = "session.malformed_message"
	// EventIntentDropped is emitted when a client intent is not forwarded upstream.
	EventIntentDropped logging.EventType = "session.intent_dropped"
	// EventSendFailed is emitted when an outbound message cannot be delivered to a session.
	EventSendFailed logging.EventType = "session.send_failed"
)

// OpenedPayload captures connection metadata for a new session.
type OpenedPayload struct {
	RemoteAddr string `json:"remoteAddr,omitempty"`
	Entities   int    `json:"entities"`
	Connected  bool   `json:"connected"`
}

// ClosedPayload captures why a session ended.
type ClosedPayload struct {
	Reason string `json:"reason"`
}

// MalformedMessagePayload describes a rejected inbound message.
type MalformedMessagePayload struct {
	Reason string `json:"reason"`
	Size   int    `json:"size"`
}

// IntentDroppedPayload explains why an intent was not forwarded.
type IntentDroppedPayload struct {
	Intent string `json:"intent"`
	Reason string `json:"reason"`
}

// SendFailedPayload captures a failed outbound delivery.
type SendFailedPayload struct {
	Error string `json:"error"`
}

func subject(id string) logging.SubjectRef {
	return logging.SubjectRef{ID: id, Kind: logging.SubjectKindSession}
}

// Opened publishes a session open event.
func Opened(ctx context.Context, pub logging.Publisher, sessionID string, payload OpenedPayload) {
	publish(ctx, pub, EventOpened, logging.SeverityInfo, sessionID, payload)
}

// Closed publishes a session close event.
func Closed(ctx context.Context, pub logging.Publisher, sessionID string, payload ClosedPayload) {
	publish(ctx, pub, EventClosed, logging.SeverityInfo, sessionID, payload)
}

// MalformedMessage publishes a warning for a dropped inbound message.
func MalformedMessage(ctx context.Context, pub logging.Publisher, sessionID string, payload MalformedMessagePayload) {
	publish(ctx, pub, EventMalformedMessage, logging.SeverityWarn, sessionID, payload)
}

// IntentDropped publishes a warning for an intent that was not forwarded.
func IntentDropped(ctx context.Context, pub logging.Publisher, sessionID string, payload IntentDroppedPayload) {
	publish(ctx, pub, EventIntentDropped, logging.SeverityWarn, sessionID, payload)
}

// SendFailed publishes a warning for a failed outbound delivery.
func SendFailed(ctx context.Context, pub logging.Publisher, sessionID string, payload SendFailedPayload) {
	publish(ctx, pub, EventSendFailed, logging.SeverityWarn, sessionID, payload)
}

func publish(ctx context.Context, pub logging.Publisher, eventType logging.EventType, severity logging.Severity, sessionID string, payload any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     eventType,
		Subject:  subject(sessionID),
		Severity: severity,
		Category: logging.CategorySessions,
		Payload:  payload,
	})
}
