package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"spacetime-relay/internal/cache"
	"spacetime-relay/internal/net/proto"
	"spacetime-relay/internal/net/ws"
	"spacetime-relay/internal/telemetry"
	"spacetime-relay/internal/upstream"
	"spacetime-relay/logging"
	sessionlog "spacetime-relay/logging/sessions"
)

// Reducer names invoked for client intents.
const (
	ReducerCreateEntity         = "create_entity"
	ReducerUpdateEntityPosition = "update_entity_position"
)

// Upstream is the part of the upstream link the core calls into.
type Upstream interface {
	CallReducer(ctx context.Context, name string, args ...any) (json.RawMessage, error)
	State() upstream.State
}

type Config struct {
	Logger    telemetry.Logger
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
}

// Core routes upstream events into the cache and out to every session, and
// client intents into reducer calls.
type Core struct {
	cache     *cache.Cache
	registry  *ws.Registry
	upstream  Upstream
	logger    telemetry.Logger
	publisher logging.Publisher
	metrics   telemetry.Metrics

	// mu orders cache writes with their broadcasts and with session joins,
	// so a joining session sees every change either in its snapshot or as
	// a later broadcast.
	mu        sync.Mutex
	connected bool
}

func NewCore(c *cache.Cache, registry *ws.Registry, up Upstream, cfg Config) *Core {
	core := &Core{
		cache:     c,
		registry:  registry,
		upstream:  up,
		logger:    telemetry.DefaultLogger(cfg.Logger),
		publisher: cfg.Publisher,
		metrics:   telemetry.DefaultMetrics(cfg.Metrics),
	}
	if core.publisher == nil {
		core.publisher = logging.NopPublisher()
	}
	return core
}

// Run consumes link events in order until the stream closes or ctx ends.
func (c *Core) Run(ctx context.Context, events <-chan upstream.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return nil
			}
			c.apply(event)
		}
	}
}

func (c *Core) apply(event upstream.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch event.Kind {
	case upstream.EventSnapshot:
		c.cache.Replace(event.Entities)
		c.metrics.Store(telemetry.MetricEntitiesCached, uint64(c.cache.Len()))
		data, err := proto.MarshalInitialState(c.cache.Snapshot())
		if err != nil {
			c.logger.Printf("failed to marshal initial state: %v", err)
			return
		}
		c.registry.Broadcast(data)
	case upstream.EventStatus:
		if event.Connected == c.connected {
			return
		}
		c.connected = event.Connected
		data, err := proto.MarshalConnectionStatus(event.Connected)
		if err != nil {
			c.logger.Printf("failed to marshal connection status: %v", err)
			return
		}
		c.registry.Broadcast(data)
	case upstream.EventChange:
		merged := c.cache.Apply(event.Entity, event.Operation)
		c.metrics.Store(telemetry.MetricEntitiesCached, uint64(c.cache.Len()))
		data, err := proto.MarshalEntityUpdate(merged, event.Operation)
		if err != nil {
			c.logger.Printf("failed to marshal update for entity %s: %v", merged.ID, err)
			return
		}
		c.registry.Broadcast(data)
	}
}

// Join sends s its catch-up snapshot and connection status and registers it
// for broadcasts in one step.
func (c *Core) Join(ctx context.Context, s *ws.Session) error {
	c.mu.Lock()
	snapshot := c.cache.Snapshot()
	connected := c.connected
	initial, err := proto.MarshalInitialState(snapshot)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	status, err := proto.MarshalConnectionStatus(connected)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if err := s.Enqueue(initial); err != nil {
		c.mu.Unlock()
		return err
	}
	if err := s.Enqueue(status); err != nil {
		c.mu.Unlock()
		return err
	}
	c.registry.Register(s)
	c.mu.Unlock()

	sessionlog.Opened(ctx, c.publisher, s.ID(), sessionlog.OpenedPayload{
		RemoteAddr: s.RemoteAddr(),
		Entities:   len(snapshot),
		Connected:  connected,
	})
	return nil
}

// Leave unregisters s and ends it.
func (c *Core) Leave(ctx context.Context, s *ws.Session) {
	registered := c.registry.Unregister(s)
	s.Close("left")
	if !registered {
		return
	}
	sessionlog.Closed(ctx, c.publisher, s.ID(), sessionlog.ClosedPayload{Reason: s.CloseReason()})
}

// HandleIntent forwards a client intent as a reducer call. Intents that
// arrive while the link is down are dropped, and reducer failures are only
// logged; nothing is reported back to the client.
func (c *Core) HandleIntent(ctx context.Context, s *ws.Session, intent proto.Intent) {
	if c.upstream.State() != upstream.StateConnected {
		c.dropIntent(ctx, s, intent, "upstream not connected")
		return
	}

	var (
		name string
		args []any
	)
	pos := intent.Position
	switch intent.Type {
	case proto.TypeCreateEntity:
		name = ReducerCreateEntity
		args = []any{pos.X, pos.Y, pos.Z}
	case proto.TypeUpdateEntity:
		name = ReducerUpdateEntityPosition
		args = []any{intent.ID, pos.X, pos.Y, pos.Z}
	default:
		return
	}

	result, err := c.upstream.CallReducer(ctx, name, args...)
	if err != nil {
		if errors.Is(err, upstream.ErrNotConnected) {
			c.dropIntent(ctx, s, intent, "upstream not connected")
			return
		}
		c.logger.Printf("reducer %s for session %s failed: %v", name, s.ID(), err)
		return
	}
	c.logger.Printf("reducer %s for session %s returned %s", name, s.ID(), result)
}

func (c *Core) dropIntent(ctx context.Context, s *ws.Session, intent proto.Intent, reason string) {
	c.metrics.Add(telemetry.MetricIntentsDropped, 1)
	c.logger.Printf("dropping %s from session %s: %s", intent.Type, s.ID(), reason)
	sessionlog.IntentDropped(ctx, c.publisher, s.ID(), sessionlog.IntentDroppedPayload{
		Intent: intent.Type,
		Reason: reason,
	})
}

// Diagnostics is a point-in-time view of the relay.
type Diagnostics struct {
	UpstreamState string `json:"upstream_state"`
	Connected     bool   `json:"connected"`
	Sessions      int    `json:"sessions"`
	Entities      int    `json:"entities"`
}

func (c *Core) Diagnostics() Diagnostics {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	return Diagnostics{
		UpstreamState: c.upstream.State().String(),
		Connected:     connected,
		Sessions:      c.registry.Len(),
		Entities:      c.cache.Len(),
	}
}
