package ws

import (
	"context"
	"sync"

	"spacetime-relay/internal/telemetry"
	"spacetime-relay/logging"
	sessionlog "spacetime-relay/logging/sessions"
)

// RegistryConfig wires the registry's logging and metrics.
type RegistryConfig struct {
	Logger    telemetry.Logger
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
}

// Registry is the set of active sessions keyed by handle.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	logger    telemetry.Logger
	publisher logging.Publisher
	metrics   telemetry.Metrics
}

func NewRegistry(cfg RegistryConfig) *Registry {
	r := &Registry{
		sessions:  make(map[string]*Session),
		logger:    telemetry.DefaultLogger(cfg.Logger),
		publisher: cfg.Publisher,
		metrics:   telemetry.DefaultMetrics(cfg.Metrics),
	}
	if r.publisher == nil {
		r.publisher = logging.NopPublisher()
	}
	return r
}

// Register adds s to the broadcast set.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID()] = s
	count := len(r.sessions)
	r.mu.Unlock()
	r.metrics.Store(telemetry.MetricSessionsActive, uint64(count))
}

// Unregister removes s and reports whether it was present.
func (r *Registry) Unregister(s *Session) bool {
	r.mu.Lock()
	_, ok := r.sessions[s.ID()]
	delete(r.sessions, s.ID())
	count := len(r.sessions)
	r.mu.Unlock()
	r.metrics.Store(telemetry.MetricSessionsActive, uint64(count))
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sessions returns the currently registered sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Broadcast queues data on every registered session and returns how many
// accepted it. Per-session failures are logged and never stop delivery to
// the rest; failed sessions are cleaned up by their own lifecycle.
func (r *Registry) Broadcast(data []byte) int {
	delivered := 0
	for _, s := range r.Sessions() {
		if err := s.Enqueue(data); err != nil {
			r.metrics.Add(telemetry.MetricBroadcastFailures, 1)
			r.logger.Printf("failed to queue broadcast for session %s: %v", s.ID(), err)
			sessionlog.SendFailed(context.Background(), r.publisher, s.ID(), sessionlog.SendFailedPayload{Error: err.Error()})
			continue
		}
		delivered++
	}
	r.metrics.Add(telemetry.MetricBroadcasts, 1)
	return delivered
}
