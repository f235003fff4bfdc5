package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spacetime-relay/internal/entity"
	"spacetime-relay/internal/telemetry"
	"spacetime-relay/logging/sinks"
	upstreamlog "spacetime-relay/logging/upstream"
)

type recordedCall struct {
	name string
	args []any
}

type fakeConn struct {
	rows     []entity.Entity
	querySeq uint64
	callErr  error

	changes   chan Change
	closed    chan struct{}
	closeOnce sync.Once
	dropOnce  sync.Once

	mu    sync.Mutex
	err   error
	calls []recordedCall
}

func newFakeConn(querySeq uint64, rows ...entity.Entity) *fakeConn {
	return &fakeConn{
		rows:     rows,
		querySeq: querySeq,
		changes:  make(chan Change),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) Subscribe(context.Context, string, []string) error { return nil }

func (c *fakeConn) Query(context.Context, string, ...any) (QueryResult, error) {
	return QueryResult{Seq: c.querySeq, Rows: c.rows}, nil
}

func (c *fakeConn) Call(_ context.Context, name string, args ...any) (json.RawMessage, error) {
	c.mu.Lock()
	c.calls = append(c.calls, recordedCall{name: name, args: args})
	c.mu.Unlock()
	if c.callErr != nil {
		return nil, c.callErr
	}
	return json.RawMessage(`null`), nil
}

func (c *fakeConn) Changes() <-chan Change { return c.changes }

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// drop simulates the store going away.
func (c *fakeConn) drop(err error) {
	c.dropOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.changes)
	})
}

func (c *fakeConn) recordedCalls() []recordedCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]recordedCall(nil), c.calls...)
}

// scriptedDialer hands out conns in order and fails once the script runs out.
type scriptedDialer struct {
	mu    sync.Mutex
	conns []Conn
	dials atomic.Int32
}

func (d *scriptedDialer) Dial(context.Context, string) (Conn, error) {
	d.dials.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	next := d.conns[0]
	d.conns = d.conns[1:]
	return next, nil
}

func newTestLink(t *testing.T, mock *clock.Mock, dialer Dialer, retry RetryPolicy) (*Link, <-chan Event, *sinks.Memory) {
	t.Helper()
	memory := sinks.NewMemory()
	link := NewLink(Config{
		URL:          "ws://store.test/v1/database/game/subscribe",
		Module:       "game",
		InitialQuery: "get_all_entities",
		Retry:        retry,
		Clock:        mock,
		Logger:       telemetry.LoggerFunc(t.Logf),
		Publisher:    memory,
	}, dialer)
	events, err := link.Subscribe("GameEntity")
	require.NoError(t, err)
	return link, events, memory
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case event, ok := <-events:
		require.True(t, ok, "event stream closed unexpectedly")
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for link event")
		return Event{}
	}
}

func runLink(ctx context.Context, link *Link) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- link.Run(ctx) }()
	return errCh
}

func waitRun(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run to return")
		return nil
	}
}

func TestLinkBoundedRetriesEndInTerminalFailure(t *testing.T) {
	mock := clock.NewMock()
	dialer := &scriptedDialer{}
	link, events, memory := newTestLink(t, mock, dialer, RetryPolicy{Interval: 5 * time.Second, MaxAttempts: 10})

	errCh := runLink(context.Background(), link)
	for attempt := 1; attempt <= 10; attempt++ {
		event := nextEvent(t, events)
		require.Equal(t, EventStatus, event.Kind)
		require.False(t, event.Connected)
		if attempt < 10 {
			mock.Add(5 * time.Second)
		}
	}

	err := waitRun(t, errCh)
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, int32(10), dialer.dials.Load())
	assert.Equal(t, StateDisconnected, link.State())

	_, open := <-events
	assert.False(t, open, "event stream must close when Run returns")

	exhausted := memory.OfType(upstreamlog.EventRetriesExhausted)
	require.Len(t, exhausted, 1)
	assert.Equal(t, 10, exhausted[0].Payload.(upstreamlog.RetriesExhaustedPayload).Attempts)
	assert.Len(t, memory.OfType(upstreamlog.EventConnectFailed), 10)
}

func TestLinkWaitsIntervalBetweenAttempts(t *testing.T) {
	mock := clock.NewMock()
	dialer := &scriptedDialer{}
	link, events, _ := newTestLink(t, mock, dialer, RetryPolicy{Interval: 5 * time.Second, MaxAttempts: 3})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := runLink(ctx, link)

	nextEvent(t, events)
	mock.Add(4 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), dialer.dials.Load(), "no retry before the interval elapses")

	mock.Add(time.Second)
	nextEvent(t, events)
	assert.Equal(t, int32(2), dialer.dials.Load())

	cancel()
	require.ErrorIs(t, waitRun(t, errCh), context.Canceled)
}

func TestLinkUnboundedRetriesKeepGoing(t *testing.T) {
	mock := clock.NewMock()
	dialer := &scriptedDialer{}
	link, events, memory := newTestLink(t, mock, dialer, RetryPolicy{Interval: time.Second, MaxAttempts: 2, Unbounded: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := runLink(ctx, link)

	for attempt := 0; attempt < 25; attempt++ {
		event := nextEvent(t, events)
		require.Equal(t, EventStatus, event.Kind)
		mock.Add(time.Second)
	}
	cancel()

	require.ErrorIs(t, waitRun(t, errCh), context.Canceled)
	assert.GreaterOrEqual(t, dialer.dials.Load(), int32(25))
	assert.Empty(t, memory.OfType(upstreamlog.EventRetriesExhausted))
}

func TestLinkEmitsSnapshotBeforeConnectedStatus(t *testing.T) {
	mock := clock.NewMock()
	conn := newFakeConn(5,
		entity.Entity{ID: "1", PositionX: 1},
		entity.Entity{ID: "2", PositionY: 2},
	)
	dialer := &scriptedDialer{conns: []Conn{conn}}
	link, events, memory := newTestLink(t, mock, dialer, DefaultRetryPolicy())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := runLink(ctx, link)

	snapshot := nextEvent(t, events)
	require.Equal(t, EventSnapshot, snapshot.Kind)
	assert.Len(t, snapshot.Entities, 2)

	status := nextEvent(t, events)
	require.Equal(t, EventStatus, status.Kind)
	assert.True(t, status.Connected)
	assert.Equal(t, StateConnected, link.State())
	assert.Len(t, memory.OfType(upstreamlog.EventConnected), 1)

	cancel()
	require.ErrorIs(t, waitRun(t, errCh), context.Canceled)
}

func TestLinkSkipsChangesCoveredBySnapshot(t *testing.T) {
	mock := clock.NewMock()
	conn := newFakeConn(5, entity.Entity{ID: "1"})
	dialer := &scriptedDialer{conns: []Conn{conn}}
	link, events, _ := newTestLink(t, mock, dialer, DefaultRetryPolicy())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := runLink(ctx, link)

	nextEvent(t, events)
	nextEvent(t, events)

	conn.changes <- Change{Seq: 3, Table: "GameEntity", Operation: entity.OperationUpdate, Row: entity.Entity{ID: "1", PositionX: 9}}
	conn.changes <- Change{Seq: 6, Table: "OtherTable", Operation: entity.OperationInsert, Row: entity.Entity{ID: "99"}}
	conn.changes <- Change{Seq: 7, Table: "GameEntity", Operation: entity.OperationInsert, Row: entity.Entity{ID: "2", PositionZ: 4}}

	change := nextEvent(t, events)
	require.Equal(t, EventChange, change.Kind)
	assert.Equal(t, entity.ID("2"), change.Entity.ID)
	assert.Equal(t, entity.OperationInsert, change.Operation)

	cancel()
	require.ErrorIs(t, waitRun(t, errCh), context.Canceled)
}

func TestLinkReconnectsAfterDrop(t *testing.T) {
	mock := clock.NewMock()
	first := newFakeConn(1, entity.Entity{ID: "1"})
	second := newFakeConn(1, entity.Entity{ID: "1"}, entity.Entity{ID: "2"})
	dialer := &scriptedDialer{conns: []Conn{first, second}}
	link, events, memory := newTestLink(t, mock, dialer, DefaultRetryPolicy())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := runLink(ctx, link)

	require.Equal(t, EventSnapshot, nextEvent(t, events).Kind)
	require.True(t, nextEvent(t, events).Connected)

	first.drop(errors.New("store restarted"))

	down := nextEvent(t, events)
	require.Equal(t, EventStatus, down.Kind)
	assert.False(t, down.Connected)

	snapshot := nextEvent(t, events)
	require.Equal(t, EventSnapshot, snapshot.Kind)
	assert.Len(t, snapshot.Entities, 2)
	assert.True(t, nextEvent(t, events).Connected)

	assert.Equal(t, int32(2), dialer.dials.Load())
	assert.Len(t, memory.OfType(upstreamlog.EventDisconnected), 1)
	select {
	case <-first.closed:
	default:
		t.Fatal("dropped connection must be closed")
	}

	cancel()
	require.ErrorIs(t, waitRun(t, errCh), context.Canceled)
}

func TestLinkCallReducerRequiresConnection(t *testing.T) {
	mock := clock.NewMock()
	link, _, _ := newTestLink(t, mock, &scriptedDialer{}, DefaultRetryPolicy())

	_, err := link.CallReducer(context.Background(), "create_entity", 1.0, 2.0, 3.0)
	require.ErrorIs(t, err, ErrNotConnected)
	var callErr *RemoteCallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, "create_entity", callErr.Name)
}

func TestLinkCallReducerForwardsArguments(t *testing.T) {
	mock := clock.NewMock()
	conn := newFakeConn(1)
	link, events, _ := newTestLink(t, mock, &scriptedDialer{conns: []Conn{conn}}, DefaultRetryPolicy())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := runLink(ctx, link)
	nextEvent(t, events)
	nextEvent(t, events)

	_, err := link.CallReducer(context.Background(), "update_entity_position", "7", 1.5, 2.5, 3.5)
	require.NoError(t, err)
	calls := conn.recordedCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "update_entity_position", calls[0].name)
	assert.Equal(t, []any{"7", 1.5, 2.5, 3.5}, calls[0].args)

	conn.callErr = &RemoteError{Message: "no such entity"}
	_, err = link.CallReducer(context.Background(), "update_entity_position", "8", 0.0, 0.0, 0.0)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "no such entity", remote.Message)

	cancel()
	require.ErrorIs(t, waitRun(t, errCh), context.Canceled)
}

func TestLinkSubscribeOnce(t *testing.T) {
	link, _, _ := newTestLink(t, clock.NewMock(), &scriptedDialer{}, DefaultRetryPolicy())
	_, err := link.Subscribe("GameEntity")
	require.ErrorIs(t, err, ErrAlreadySubscribed)

	bare := NewLink(Config{}, &scriptedDialer{})
	require.ErrorIs(t, bare.Run(context.Background()), ErrNoSubscription)
}
