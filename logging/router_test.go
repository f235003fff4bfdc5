package logging_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"spacetime-relay/logging"
	"spacetime-relay/logging/sinks"
)

func TestRouterDeliversToEverySinkAndFlushesOnClose(t *testing.T) {
	memory := sinks.NewMemory()
	var console bytes.Buffer

	cfg := logging.DefaultConfig()
	cfg.Fields = map[string]any{"relay": "test"}
	fixed := time.Unix(1700000000, 0)
	mock := clock.NewMock()
	mock.Set(fixed)
	router := logging.NewRouter(mock, cfg, nil, []logging.NamedSink{
		{Name: "memory", Sink: memory},
		{Name: "console", Sink: sinks.NewConsole(&console)},
	})

	router.Publish(context.Background(), logging.Event{
		Type:     "upstream.connected",
		Severity: logging.SeverityInfo,
		Subject:  logging.SubjectRef{ID: "game", Kind: logging.SubjectKindUpstream},
	})
	router.Publish(context.Background(), logging.Event{Type: "ignored.debug", Severity: logging.SeverityDebug})
	router.Publish(context.Background(), logging.Event{Severity: logging.SeverityError})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, router.Close(ctx))

	events := memory.Events()
	require.Len(t, events, 1)
	require.Equal(t, logging.EventType("upstream.connected"), events[0].Type)
	require.True(t, fixed.Equal(events[0].Time))
	require.Equal(t, "test", events[0].Extra["relay"])

	require.True(t, strings.Contains(console.String(), "[upstream.connected] info subject=upstream:game"), console.String())
	require.Equal(t, uint64(1), router.Stats().EventsTotal)
	require.Same(t, memory, router.Sink("memory"))

	router.Publish(context.Background(), logging.Event{Type: "after.close", Severity: logging.SeverityError})
	require.Len(t, memory.Events(), 1)
}

type flakySink struct {
	mu       sync.Mutex
	failures int
	written  []logging.Event
	closeErr error
}

func (s *flakySink) Write(event logging.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("disk full")
	}
	s.written = append(s.written, event)
	return nil
}

func (s *flakySink) Close(context.Context) error { return s.closeErr }

func (s *flakySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.written)
}

func TestRouterBacksOffAfterSinkFailure(t *testing.T) {
	mock := clock.NewMock()
	sink := &flakySink{failures: 1}
	router := logging.NewRouter(mock, logging.DefaultConfig(), log.New(io.Discard, "", 0), []logging.NamedSink{
		{Name: "flaky", Sink: sink},
	})

	router.Publish(context.Background(), logging.Event{Type: "session.opened", Severity: logging.SeverityInfo})
	router.Publish(context.Background(), logging.Event{Type: "session.closed", Severity: logging.SeverityInfo})

	// The second event waits out the backoff on the router clock.
	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return sink.count() == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, router.Close(context.Background()))
	require.Equal(t, logging.EventType("session.closed"), sink.written[0].Type)
}

func TestRouterCloseCombinesSinkErrors(t *testing.T) {
	first := &flakySink{closeErr: errors.New("first")}
	second := &flakySink{closeErr: errors.New("second")}
	router := logging.NewRouter(nil, logging.DefaultConfig(), log.New(io.Discard, "", 0), []logging.NamedSink{
		{Name: "a", Sink: first},
		{Name: "b", Sink: second},
	})

	err := router.Close(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "first")
	require.Contains(t, err.Error(), "second")
	require.NoError(t, router.Close(context.Background()), "second close is a no-op")
}

func TestRouterFieldsDoNotOverwriteEventExtra(t *testing.T) {
	memory := sinks.NewMemory()
	cfg := logging.DefaultConfig()
	cfg.Fields = map[string]any{"module": "game", "relay": "eu-1"}
	router := logging.NewRouter(nil, cfg, nil, []logging.NamedSink{{Name: "memory", Sink: memory}})

	router.Publish(context.Background(), logging.Event{
		Type:     "upstream.connected",
		Severity: logging.SeverityInfo,
		Extra:    map[string]any{"module": "override"},
	})
	require.NoError(t, router.Close(context.Background()))

	events := memory.Events()
	require.Len(t, events, 1)
	require.Equal(t, "override", events[0].Extra["module"])
	require.Equal(t, "eu-1", events[0].Extra["relay"])
}

func TestParseSeverity(t *testing.T) {
	sev, err := logging.ParseSeverity("WARN")
	require.NoError(t, err)
	require.Equal(t, logging.SeverityWarn, sev)

	_, err = logging.ParseSeverity("loud")
	require.Error(t, err)
}
