package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"spacetime-relay/internal/entity"
	"spacetime-relay/internal/telemetry"
)

const (
	frameSubscribe   = "subscribe"
	frameQuery       = "query"
	frameCallReducer = "call_reducer"
	frameResult      = "result"
	frameTableUpdate = "table_update"

	writeWait = 10 * time.Second
)

var errClosedLocally = errors.New("closed by relay")

// SubscribeURL builds the websocket endpoint for module on host:port.
func SubscribeURL(host, port, module string) string {
	u := url.URL{
		Scheme: "ws",
		Host:   host + ":" + port,
		Path:   "/v1/database/" + url.PathEscape(module) + "/subscribe",
	}
	return u.String()
}

type outboundFrame struct {
	Type      string   `json:"type"`
	RequestID string   `json:"request_id"`
	Module    string   `json:"module,omitempty"`
	Tables    []string `json:"tables,omitempty"`
	Name      string   `json:"name,omitempty"`
	Args      []any    `json:"args,omitempty"`
}

type inboundFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Result    json.RawMessage `json:"result"`
	Error     string          `json:"error"`
	Table     string          `json:"table"`
	Operation string          `json:"operation"`
	Row       json.RawMessage `json:"row"`
}

type reply struct {
	seq    uint64
	result json.RawMessage
	err    error
}

// WebsocketDialer connects to the backing store over a JSON websocket.
type WebsocketDialer struct {
	Dialer      *websocket.Dialer
	Header      http.Header
	CallTimeout time.Duration
	Logger      telemetry.Logger
}

// Dial implements Dialer.
func (d WebsocketDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, rawURL, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	c := &wsConn{
		ws:          ws,
		callTimeout: d.CallTimeout,
		logger:      telemetry.DefaultLogger(d.Logger),
		pending:     make(map[string]chan reply),
		changes:     make(chan Change),
		notify:      make(chan struct{}, 1),
		abandon:     make(chan struct{}),
	}
	go c.readLoop()
	go c.pump()
	return c, nil
}

type wsConn struct {
	ws          *websocket.Conn
	writeMu     sync.Mutex
	callTimeout time.Duration
	logger      telemetry.Logger

	mu      sync.Mutex
	pending map[string]chan reply
	backlog []Change
	err     error

	seq     uint64
	changes chan Change
	notify  chan struct{}
	abandon chan struct{}

	failOnce    sync.Once
	abandonOnce sync.Once
}

func (c *wsConn) Subscribe(ctx context.Context, module string, tables []string) error {
	_, err := c.request(ctx, outboundFrame{Type: frameSubscribe, Module: module, Tables: tables})
	return err
}

func (c *wsConn) Query(ctx context.Context, name string, args ...any) (QueryResult, error) {
	r, err := c.request(ctx, outboundFrame{Type: frameQuery, Name: name, Args: args})
	if err != nil {
		return QueryResult{}, err
	}
	var rows []entity.Entity
	if len(r.result) > 0 && string(r.result) != "null" {
		if err := json.Unmarshal(r.result, &rows); err != nil {
			return QueryResult{}, fmt.Errorf("decode %s rows: %w", name, err)
		}
	}
	for _, row := range rows {
		if err := row.Validate(); err != nil {
			return QueryResult{}, fmt.Errorf("query %s: %w", name, err)
		}
	}
	return QueryResult{Seq: r.seq, Rows: rows}, nil
}

func (c *wsConn) Call(ctx context.Context, name string, args ...any) (json.RawMessage, error) {
	r, err := c.request(ctx, outboundFrame{Type: frameCallReducer, Name: name, Args: args})
	if err != nil {
		return nil, err
	}
	return r.result, nil
}

func (c *wsConn) Changes() <-chan Change { return c.changes }

func (c *wsConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *wsConn) Close() error {
	c.abandonOnce.Do(func() { close(c.abandon) })
	c.fail(errClosedLocally)
	return nil
}

func (c *wsConn) request(ctx context.Context, frame outboundFrame) (reply, error) {
	frame.RequestID = uuid.NewString()
	ch := make(chan reply, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return reply{}, err
	}
	c.pending[frame.RequestID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.pending != nil {
			delete(c.pending, frame.RequestID)
		}
		c.mu.Unlock()
	}()

	data, err := json.Marshal(frame)
	if err != nil {
		return reply{}, fmt.Errorf("encode %s: %w", frame.Type, err)
	}

	c.writeMu.Lock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	err = c.ws.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.fail(err)
		return reply{}, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	select {
	case r := <-ch:
		return r, r.err
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

func (c *wsConn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		c.seq++

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Printf("upstream: discarding undecodable frame: %v", err)
			continue
		}

		switch frame.Type {
		case frameResult:
			c.resolve(frame)
		case frameTableUpdate:
			change, err := decodeChange(c.seq, frame)
			if err != nil {
				c.logger.Printf("upstream: discarding table update for %s: %v", frame.Table, err)
				continue
			}
			c.mu.Lock()
			c.backlog = append(c.backlog, change)
			c.mu.Unlock()
			c.wake()
		default:
			c.logger.Printf("upstream: ignoring frame type %q", frame.Type)
		}
	}
}

func (c *wsConn) resolve(frame inboundFrame) {
	c.mu.Lock()
	ch, ok := c.pending[frame.RequestID]
	if ok {
		delete(c.pending, frame.RequestID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	r := reply{seq: c.seq, result: frame.Result}
	if frame.Error != "" {
		r.err = &RemoteError{Message: frame.Error}
	}
	ch <- r
}

func decodeChange(seq uint64, frame inboundFrame) (Change, error) {
	op, err := entity.ParseOperation(frame.Operation)
	if err != nil {
		return Change{}, err
	}
	var row entity.Entity
	if err := json.Unmarshal(frame.Row, &row); err != nil {
		return Change{}, err
	}
	if err := row.Validate(); err != nil {
		return Change{}, err
	}
	return Change{Seq: seq, Table: frame.Table, Operation: op, Row: row}, nil
}

func (c *wsConn) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// pump moves buffered changes onto the unbuffered Changes channel so the read
// loop never blocks on a slow consumer while replies are outstanding.
func (c *wsConn) pump() {
	for {
		c.mu.Lock()
		if len(c.backlog) == 0 {
			failed := c.err != nil
			c.mu.Unlock()
			if failed {
				close(c.changes)
				return
			}
			select {
			case <-c.notify:
				continue
			case <-c.abandon:
				return
			}
		}
		next := c.backlog[0]
		c.backlog[0] = Change{}
		c.backlog = c.backlog[1:]
		c.mu.Unlock()

		select {
		case c.changes <- next:
		case <-c.abandon:
			return
		}
	}
}

func (c *wsConn) fail(cause error) {
	c.failOnce.Do(func() {
		err := fmt.Errorf("%w: %v", ErrDisconnected, cause)
		c.mu.Lock()
		c.err = err
		pending := c.pending
		c.pending = nil
		c.mu.Unlock()

		for _, ch := range pending {
			ch <- reply{err: err}
		}
		c.ws.Close()
		c.wake()
	})
}
