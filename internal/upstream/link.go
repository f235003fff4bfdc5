package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"spacetime-relay/internal/entity"
	"spacetime-relay/internal/telemetry"
	"spacetime-relay/logging"
	upstreamlog "spacetime-relay/logging/upstream"
)

// State is the connection state of the upstream link.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// RetryPolicy controls reconnect-with-backoff.
type RetryPolicy struct {
	// Interval is the fixed wait between failed attempts.
	Interval time.Duration
	// MaxAttempts bounds consecutive failed attempts unless Unbounded is set.
	MaxAttempts int
	// Unbounded retries forever.
	Unbounded bool
}

// DefaultRetryPolicy retries ten times, five seconds apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Interval: 5 * time.Second, MaxAttempts: 10}
}

func (p RetryPolicy) exhausted(failures int) bool {
	return !p.Unbounded && failures >= p.MaxAttempts
}

// EventKind distinguishes the messages a Link emits to its subscriber.
type EventKind int

const (
	// EventSnapshot carries the full entity set loaded on connect.
	EventSnapshot EventKind = iota + 1
	// EventChange carries one row change.
	EventChange
	// EventStatus reports a connection status transition.
	EventStatus
)

// Event is delivered, in order, on the channel returned by Subscribe.
type Event struct {
	Kind      EventKind
	Entities  []entity.Entity
	Entity    entity.Entity
	Operation entity.Operation
	Connected bool
}

// Config describes how a Link reaches the backing store.
type Config struct {
	URL            string
	Module         string
	InitialQuery   string
	ConnectTimeout time.Duration
	Retry          RetryPolicy

	Clock     clock.Clock
	Logger    telemetry.Logger
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
}

const eventBuffer = 256

// Link owns the relay's single connection to the backing store. Run drives
// connect, subscribe, initial load, change forwarding and reconnects from
// one goroutine; CallReducer may be used concurrently.
type Link struct {
	cfg       Config
	dialer    Dialer
	clock     clock.Clock
	logger    telemetry.Logger
	publisher logging.Publisher
	metrics   telemetry.Metrics

	state atomic.Int32

	mu     sync.Mutex
	conn   Conn
	table  string
	events chan Event
}

// NewLink builds a Link. A zero Retry policy falls back to DefaultRetryPolicy.
func NewLink(cfg Config, dialer Dialer) *Link {
	if cfg.Retry.Interval <= 0 {
		cfg.Retry.Interval = DefaultRetryPolicy().Interval
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	l := &Link{
		cfg:       cfg,
		dialer:    dialer,
		clock:     cfg.Clock,
		logger:    telemetry.DefaultLogger(cfg.Logger),
		publisher: cfg.Publisher,
		metrics:   telemetry.DefaultMetrics(cfg.Metrics),
	}
	if l.clock == nil {
		l.clock = clock.New()
	}
	if l.publisher == nil {
		l.publisher = logging.NopPublisher()
	}
	return l
}

// Subscribe registers interest in table and returns the ordered event
// stream. A Link carries exactly one subscription.
func (l *Link) Subscribe(table string) (<-chan Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.events != nil {
		return nil, ErrAlreadySubscribed
	}
	l.table = table
	l.events = make(chan Event, eventBuffer)
	return l.events, nil
}

// State reports the current connection state.
func (l *Link) State() State {
	return State(l.state.Load())
}

func (l *Link) setState(s State) {
	l.state.Store(int32(s))
	if s == StateConnected {
		l.metrics.Store(telemetry.MetricUpstreamConnected, 1)
	} else {
		l.metrics.Store(telemetry.MetricUpstreamConnected, 0)
	}
}

// Run connects and keeps the link connected until ctx is cancelled or the
// bounded retry budget is exhausted. The event channel is closed on return.
func (l *Link) Run(ctx context.Context) error {
	l.mu.Lock()
	events := l.events
	table := l.table
	l.mu.Unlock()
	if events == nil {
		return ErrNoSubscription
	}
	defer close(events)

	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		l.metrics.Add(telemetry.MetricConnectAttempts, 1)
		l.setState(StateConnecting)
		conn, snapshot, err := l.connect(ctx, table)
		if err != nil {
			l.setState(StateDisconnected)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			l.reportConnectFailure(ctx, failures, err)

			if l.cfg.Retry.exhausted(failures) {
				l.logger.Printf("upstream: giving up on %s after %d attempts: %v", l.cfg.Module, failures, err)
				upstreamlog.RetriesExhausted(ctx, l.publisher, l.cfg.Module, upstreamlog.RetriesExhaustedPayload{
					Attempts: failures,
					Error:    err.Error(),
				})
				l.emit(ctx, events, Event{Kind: EventStatus, Connected: false})
				return fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, failures, err)
			}

			timer := l.clock.Timer(l.cfg.Retry.Interval)
			l.emit(ctx, events, Event{Kind: EventStatus, Connected: false})
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			continue
		}

		failures = 0
		l.mu.Lock()
		l.conn = conn
		l.mu.Unlock()

		l.emit(ctx, events, Event{Kind: EventSnapshot, Entities: snapshot.Rows})
		l.setState(StateConnected)
		l.logger.Printf("upstream: connected to %s (%d entities)", l.cfg.Module, len(snapshot.Rows))
		upstreamlog.Connected(ctx, l.publisher, l.cfg.Module, upstreamlog.ConnectedPayload{
			URL:      l.cfg.URL,
			Module:   l.cfg.Module,
			Entities: len(snapshot.Rows),
		})
		l.emit(ctx, events, Event{Kind: EventStatus, Connected: true})

		err = l.forward(ctx, events, conn, table, snapshot.Seq)

		l.setState(StateDisconnected)
		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()
		conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.logger.Printf("upstream: lost connection to %s: %v", l.cfg.Module, err)
		upstreamlog.Disconnected(ctx, l.publisher, l.cfg.Module, upstreamlog.DisconnectedPayload{Reason: errorString(err)})
		l.emit(ctx, events, Event{Kind: EventStatus, Connected: false})
	}
}

func (l *Link) connect(ctx context.Context, table string) (Conn, QueryResult, error) {
	dialCtx := ctx
	if l.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, l.cfg.ConnectTimeout)
		defer cancel()
	}

	conn, err := l.dialer.Dial(dialCtx, l.cfg.URL)
	if err != nil {
		return nil, QueryResult{}, &ConnectError{Stage: StageDial, Err: err}
	}
	if err := conn.Subscribe(ctx, l.cfg.Module, []string{table}); err != nil {
		conn.Close()
		return nil, QueryResult{}, &ConnectError{Stage: StageSubscribe, Err: err}
	}
	snapshot, err := conn.Query(ctx, l.cfg.InitialQuery)
	if err != nil {
		conn.Close()
		return nil, QueryResult{}, &ConnectError{Stage: StageQuery, Err: err}
	}
	return conn, snapshot, nil
}

// forward relays changes until the connection ends. Changes received before
// the initial query result are already part of the snapshot and are skipped.
func (l *Link) forward(ctx context.Context, events chan<- Event, conn Conn, table string, after uint64) error {
	changes := conn.Changes()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case change, ok := <-changes:
			if !ok {
				if err := conn.Err(); err != nil {
					return err
				}
				return ErrDisconnected
			}
			if change.Seq < after || change.Table != table {
				continue
			}
			l.metrics.Add(telemetry.MetricUpstreamChangesSeen, 1)
			l.emit(ctx, events, Event{Kind: EventChange, Entity: change.Row, Operation: change.Operation})
		}
	}
}

func (l *Link) emit(ctx context.Context, events chan<- Event, event Event) {
	select {
	case events <- event:
	case <-ctx.Done():
	}
}

func (l *Link) reportConnectFailure(ctx context.Context, attempt int, err error) {
	stage := ""
	var connectErr *ConnectError
	if errors.As(err, &connectErr) {
		stage = connectErr.Stage
	}
	l.logger.Printf("upstream: connect attempt %d to %s failed: %v", attempt, l.cfg.URL, err)
	upstreamlog.ConnectFailed(ctx, l.publisher, l.cfg.Module, upstreamlog.ConnectFailedPayload{
		Attempt: attempt,
		Stage:   stage,
		Error:   err.Error(),
	})
}

// CallReducer invokes a reducer on the backing store. Every failure is
// returned as a *RemoteCallError.
func (l *Link) CallReducer(ctx context.Context, name string, args ...any) (json.RawMessage, error) {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil || l.State() != StateConnected {
		return nil, &RemoteCallError{Name: name, Err: ErrNotConnected}
	}

	l.metrics.Add(telemetry.MetricReducerCalls, 1)
	result, err := conn.Call(ctx, name, args...)
	if err != nil {
		l.metrics.Add(telemetry.MetricReducerFailures, 1)
		upstreamlog.ReducerFailed(ctx, l.publisher, l.cfg.Module, upstreamlog.ReducerFailedPayload{
			Reducer: name,
			Error:   err.Error(),
		})
		return nil, &RemoteCallError{Name: name, Err: err}
	}
	return result, nil
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
