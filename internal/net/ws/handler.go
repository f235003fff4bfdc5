package ws

import (
	"context"
	"errors"
	nethttp "net/http"

	"github.com/gorilla/websocket"

	"spacetime-relay/internal/net/proto"
	"spacetime-relay/internal/telemetry"
	"spacetime-relay/logging"
	sessionlog "spacetime-relay/logging/sessions"
)

const defaultMaxMessageBytes = 64 * 1024

// Relay is what a session needs from the relay core.
type Relay interface {
	// Join sends the catch-up messages and registers s for broadcasts.
	Join(ctx context.Context, s *Session) error
	// Leave unregisters s and ends it.
	Leave(ctx context.Context, s *Session)
	// HandleIntent forwards a decoded client intent upstream.
	HandleIntent(ctx context.Context, s *Session, intent proto.Intent)
}

type HandlerConfig struct {
	Logger          telemetry.Logger
	Publisher       logging.Publisher
	Metrics         telemetry.Metrics
	Session         SessionConfig
	MaxMessageBytes int64
}

// Handler accepts client websocket connections and runs their sessions.
type Handler struct {
	relay     Relay
	cfg       HandlerConfig
	logger    telemetry.Logger
	publisher logging.Publisher
	metrics   telemetry.Metrics
	upgrader  websocket.Upgrader
}

func NewHandler(relay Relay, cfg HandlerConfig) *Handler {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	logger := telemetry.DefaultLogger(cfg.Logger)
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	if cfg.Session.Logger == nil {
		cfg.Session.Logger = logger
	}
	if cfg.Session.Publisher == nil {
		cfg.Session.Publisher = publisher
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *nethttp.Request) bool {
			return true
		},
	}

	return &Handler{
		relay:     relay,
		cfg:       cfg,
		logger:    logger,
		publisher: publisher,
		metrics:   telemetry.DefaultMetrics(cfg.Metrics),
		upgrader:  upgrader,
	}
}

func (h *Handler) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}
	conn.SetReadLimit(h.cfg.MaxMessageBytes)

	session := NewSession(conn, r.RemoteAddr, h.cfg.Session)
	h.Serve(r.Context(), session)
}

// Serve runs an accepted session until its stream closes.
func (h *Handler) Serve(ctx context.Context, session *Session) {
	if err := h.relay.Join(ctx, session); err != nil {
		h.logger.Printf("failed to start session %s: %v", session.ID(), err)
		session.Close("join failed")
		return
	}
	defer h.relay.Leave(ctx, session)

	intentCtx := context.WithoutCancel(ctx)
	for {
		_, payload, err := session.conn.ReadMessage()
		if err != nil {
			session.Close("stream closed")
			return
		}

		intent, ok, err := proto.DecodeClientMessage(payload)
		if err != nil {
			h.metrics.Add(telemetry.MetricMalformedMessages, 1)
			h.logger.Printf("discarding malformed message from %s: %v", session.ID(), err)
			sessionlog.MalformedMessage(ctx, h.publisher, session.ID(), sessionlog.MalformedMessagePayload{
				Reason: malformedReason(err),
				Size:   len(payload),
			})
			continue
		}
		if !ok {
			continue
		}

		if !session.AllowIntent() {
			h.metrics.Add(telemetry.MetricIntentsDropped, 1)
			sessionlog.IntentDropped(ctx, h.publisher, session.ID(), sessionlog.IntentDroppedPayload{
				Intent: intent.Type,
				Reason: "rate limited",
			})
			continue
		}

		h.relay.HandleIntent(intentCtx, session, intent)
	}
}

func malformedReason(err error) string {
	var malformed *proto.MalformedMessageError
	if errors.As(err, &malformed) {
		return malformed.Reason
	}
	return err.Error()
}
