package logging

import (
	"context"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
)

type Sink interface {
	Write(Event) error
	Close(context.Context) error
}

type NamedSink struct {
	Name string
	Sink Sink
}

// Router fans published events out to every configured sink. Publish never
// blocks the caller: when the intake queue or a sink backlog is full the
// event is dropped and counted.
type Router struct {
	cfg      Config
	clock    clock.Clock
	fallback *log.Logger

	intake  chan Event
	stop    chan struct{}
	workers []*sinkWorker
	wg      sync.WaitGroup

	closing  atomic.Bool
	accepted atomic.Uint64
	dropped  atomic.Uint64
	quietTil atomic.Int64
}

// RouterStats summarises router throughput since it started.
type RouterStats struct {
	EventsTotal  uint64
	DroppedTotal uint64
	// SinkDropped counts events a sink lost because its backlog was full.
	SinkDropped map[string]uint64
}

// NewRouter starts a router over sinks. A nil clk uses wall time and a nil
// fallback writes router diagnostics to stderr.
func NewRouter(clk clock.Clock, cfg Config, fallback *log.Logger, sinks []NamedSink) *Router {
	if clk == nil {
		clk = clock.New()
	}
	if fallback == nil {
		fallback = log.New(os.Stderr, "[logging] ", log.LstdFlags)
	}
	cfg = cfg.withDefaults()

	r := &Router{
		cfg:      cfg,
		clock:    clk,
		fallback: fallback,
		intake:   make(chan Event, cfg.QueueSize),
		stop:     make(chan struct{}),
	}
	for _, named := range sinks {
		if named.Sink == nil {
			continue
		}
		r.workers = append(r.workers, &sinkWorker{
			name:     named.Name,
			sink:     named.Sink,
			backlog:  make(chan Event, cfg.SinkBacklog),
			clock:    clk,
			fallback: fallback,
		})
	}

	for _, w := range r.workers {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			w.run()
		}()
	}
	r.wg.Add(1)
	go r.dispatch()
	return r
}

func (r *Router) dispatch() {
	defer r.wg.Done()
	defer func() {
		for _, w := range r.workers {
			close(w.backlog)
		}
	}()
	for {
		select {
		case event := <-r.intake:
			r.fanOut(event)
		case <-r.stop:
			for {
				select {
				case event := <-r.intake:
					r.fanOut(event)
				default:
					return
				}
			}
		}
	}
}

func (r *Router) fanOut(event Event) {
	if event.Time.IsZero() {
		event.Time = r.clock.Now()
	}
	event = withFields(event, r.cfg.Fields)
	r.accepted.Add(1)
	for _, w := range r.workers {
		w.offer(event)
	}
}

// Publish implements Publisher.
func (r *Router) Publish(_ context.Context, event Event) {
	if event.Type == "" || event.Severity < r.cfg.MinimumSeverity || r.closing.Load() {
		return
	}
	select {
	case r.intake <- event:
	default:
		r.dropped.Add(1)
		r.reportDrop(event)
	}
}

func (r *Router) reportDrop(event Event) {
	now := r.clock.Now().UnixNano()
	quiet := r.quietTil.Load()
	if now < quiet {
		return
	}
	if r.quietTil.CompareAndSwap(quiet, now+r.cfg.DropReportInterval.Nanoseconds()) {
		r.fallback.Printf("intake full, dropping %s for %s:%s", event.Type, event.Subject.Kind, event.Subject.ID)
	}
}

// Close stops accepting events, delivers what is queued and closes every sink.
func (r *Router) Close(ctx context.Context) error {
	if !r.closing.CompareAndSwap(false, true) {
		return nil
	}
	close(r.stop)

	drained := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return ctx.Err()
	}

	var err error
	for _, w := range r.workers {
		if closeErr := w.sink.Close(ctx); closeErr != nil {
			err = multierr.Append(err, closeErr)
		}
	}
	return err
}

func (r *Router) Stats() RouterStats {
	stats := RouterStats{
		EventsTotal:  r.accepted.Load(),
		DroppedTotal: r.dropped.Load(),
		SinkDropped:  make(map[string]uint64, len(r.workers)),
	}
	for _, w := range r.workers {
		stats.SinkDropped[w.name] = w.dropped.Load()
	}
	return stats
}

// Sink returns the sink registered under name, or nil.
func (r *Router) Sink(name string) Sink {
	for _, w := range r.workers {
		if w.name == name {
			return w.sink
		}
	}
	return nil
}

type sinkWorker struct {
	name     string
	sink     Sink
	backlog  chan Event
	clock    clock.Clock
	fallback *log.Logger
	dropped  atomic.Uint64

	failures int
}

func (w *sinkWorker) offer(event Event) {
	select {
	case w.backlog <- cloneEvent(event):
	default:
		w.dropped.Add(1)
	}
}

func (w *sinkWorker) run() {
	for event := range w.backlog {
		if w.failures > 0 {
			w.clock.Sleep(w.backoff())
		}
		if err := w.sink.Write(event); err != nil {
			w.failures++
			w.fallback.Printf("sink %s write failed (%d in a row): %v", w.name, w.failures, err)
			continue
		}
		w.failures = 0
	}
}

// backoff doubles from one second per consecutive failure, capped at 32s.
func (w *sinkWorker) backoff() time.Duration {
	return time.Duration(1<<min(w.failures-1, 5)) * time.Second
}
