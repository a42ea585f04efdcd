// Package websocket provides a resilient, codec-driven WebSocket client.
// The client owns the connection lifecycle (dial, keepalive, reconnect with
// jittered backoff, subscription replay) while a venue-specific Codec owns
// the wire format.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"basis_arb/internal/core"
	apperrors "basis_arb/pkg/errors"
	"basis_arb/pkg/telemetry"
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateActive
	StateReconnecting
	// StateFailed is terminal: authentication was rejected and the client
	// stopped retrying.
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateActive:
		return "ACTIVE"
	case StateReconnecting:
		return "RECONNECTING"
	case StateFailed:
		return "FAILED"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(s))
	}
}

// MessageHandler receives every decoded non-control message. Handlers run on
// the read goroutine and must not block.
type MessageHandler func(Message)

// StateHandler observes state transitions.
type StateHandler func(State)

// Config configures a Client.
type Config struct {
	// Name identifies the connection in logs and metrics, e.g. "mexc-public".
	Name string
	// URL resolves the dial target. Called before every dial so venues with
	// dynamic endpoints (listen keys) can refresh them per attempt.
	URL func(ctx context.Context) (string, error)
	// Codec translates frames for this venue.
	Codec Codec

	// PingInterval is the keepalive cadence. Zero disables keepalives.
	PingInterval time.Duration
	// PongWait is the read deadline; any inbound traffic resets it.
	PongWait time.Duration
	// WriteWait bounds each write.
	WriteWait time.Duration
	// AckWait bounds the wait for a subscription ack.
	AckWait time.Duration

	// SoloSubscribe sends one subscribe request per channel for venue
	// protocols that cannot batch channels in a single frame.
	SoloSubscribe bool

	// BackoffMin and BackoffMax bound the jittered reconnect delay.
	BackoffMin time.Duration
	BackoffMax time.Duration
}

func (cfg *Config) applyDefaults() {
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 10 * time.Second
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
}

// ErrConnectionLost is returned for requests that were in flight when the
// connection dropped.
var ErrConnectionLost = errors.New("websocket: connection lost")

// ErrClosed is returned for operations on a closed client.
var ErrClosed = errors.New("websocket: client closed")

// Client is a reconnecting WebSocket client. All exported methods are safe
// for concurrent use.
type Client struct {
	cfg    Config
	logger core.ILogger

	state   atomic.Int32
	started atomic.Bool
	onMsg   atomic.Value // MessageHandler
	onState atomic.Value // StateHandler

	mu   sync.Mutex // guards conn, subs, pending, reqID
	conn *websocket.Conn
	// subs is the desired subscription set, replayed after every reconnect.
	subs    map[string]struct{}
	pending map[int64]chan error
	reqID   int64

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// ready is closed when the client first reaches ACTIVE; fatalErr holds
	// the terminal error when it never does.
	ready     chan struct{}
	readyOnce sync.Once
	fatalErr  error

	tracer      trace.Tracer
	msgCounter  metric.Int64Counter
	connCounter metric.Int64Counter
	latencyHist metric.Float64Histogram
}

// NewClient creates a client. Connect starts it.
func NewClient(cfg Config, logger core.ILogger) *Client {
	cfg.applyDefaults()

	tracer := telemetry.GetTracer("ws-client")
	meter := telemetry.GetMeter("ws-client")

	msgCounter, _ := meter.Int64Counter("ws_messages_total",
		metric.WithDescription("Total number of WebSocket messages received"))
	connCounter, _ := meter.Int64Counter("ws_connections_total",
		metric.WithDescription("Total number of WebSocket connections initiated"))
	latencyHist, _ := meter.Float64Histogram("ws_message_processing_latency_seconds",
		metric.WithDescription("Latency of processing WebSocket messages in seconds"))

	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		cfg:         cfg,
		logger:      logger,
		subs:        make(map[string]struct{}),
		pending:     make(map[int64]chan error),
		ctx:         ctx,
		cancel:      cancel,
		ready:       make(chan struct{}),
		tracer:      tracer,
		msgCounter:  msgCounter,
		connCounter: connCounter,
		latencyHist: latencyHist,
	}
	c.state.Store(int32(StateDisconnected))
	return c
}

// OnMessage sets the handler for decoded messages. Set before Connect.
func (c *Client) OnMessage(h MessageHandler) {
	c.onMsg.Store(h)
}

// OnStateChange sets the observer for state transitions. Set before Connect.
func (c *Client) OnStateChange(h StateHandler) {
	c.onState.Store(h)
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Connect starts the connection loop and blocks until the client first
// reaches ACTIVE, the client fails terminally, or ctx is done. The loop keeps
// reconnecting in the background until Close.
func (c *Client) Connect(ctx context.Context) error {
	if c.State() == StateClosed {
		return ErrClosed
	}

	if c.started.CompareAndSwap(false, true) {
		c.wg.Add(1)
		go c.runLoop()
	}

	select {
	case <-c.ready:
		if c.fatalErr != nil {
			return c.fatalErr
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClosed
	}
}

// Subscribe adds channels to the desired set and, when connected, sends the
// subscribe request and waits for the ack. Channels stay in the set across
// reconnects until Unsubscribe.
func (c *Client) Subscribe(ctx context.Context, channels ...string) error {
	if len(channels) == 0 {
		return nil
	}

	c.mu.Lock()
	for _, ch := range channels {
		c.subs[ch] = struct{}{}
	}
	connected := c.conn != nil
	c.mu.Unlock()

	if !connected {
		// Recorded; the replay after connect will send it.
		return nil
	}
	return c.sendAll(ctx, channels, true)
}

// Unsubscribe removes channels from the desired set and, when connected,
// sends the unsubscribe request.
func (c *Client) Unsubscribe(ctx context.Context, channels ...string) error {
	if len(channels) == 0 {
		return nil
	}

	c.mu.Lock()
	for _, ch := range channels {
		delete(c.subs, ch)
	}
	connected := c.conn != nil
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.sendAll(ctx, channels, false)
}

// Kick drops the current connection so the run loop redials with a freshly
// resolved URL. Used when dial parameters (listen keys) rotate. No-op when
// not connected.
func (c *Client) Kick() {
	c.closeConn(nil)
}

// Close stops the loop and closes the connection. Safe to call more than once.
func (c *Client) Close() error {
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		if c.logger != nil {
			c.logger.Warn("websocket close: goroutines did not exit within timeout", "name", c.cfg.Name)
		}
	}

	c.closeConn(nil)
	c.setState(StateClosed)
	return nil
}

func (c *Client) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev == s {
		return
	}
	if h, ok := c.onState.Load().(StateHandler); ok && h != nil {
		h(s)
	}
}

func (c *Client) nextReqID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqID++
	return c.reqID
}

// sendAll routes a channel batch through one frame, or one frame per channel
// under SoloSubscribe.
func (c *Client) sendAll(ctx context.Context, channels []string, subscribe bool) error {
	if !c.cfg.SoloSubscribe {
		return c.sendSubscribe(ctx, channels, subscribe)
	}
	for _, ch := range channels {
		if err := c.sendSubscribe(ctx, []string{ch}, subscribe); err != nil {
			return err
		}
	}
	return nil
}

// sendSubscribe encodes and writes a subscribe/unsubscribe frame, then waits
// for the ack.
func (c *Client) sendSubscribe(ctx context.Context, channels []string, subscribe bool) error {
	id := c.nextReqID()

	var frame []byte
	var err error
	if subscribe {
		frame, err = c.cfg.Codec.EncodeSubscribe(channels, id)
	} else {
		frame, err = c.cfg.Codec.EncodeUnsubscribe(channels, id)
	}
	if err != nil {
		return fmt.Errorf("encode subscription: %w", err)
	}

	ackCh := make(chan error, 1)
	c.mu.Lock()
	c.pending[id] = ackCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(websocket.TextMessage, frame); err != nil {
		return err
	}

	timer := time.NewTimer(c.cfg.AckWait)
	defer timer.Stop()

	select {
	case err := <-ackCh:
		return err
	case <-timer.C:
		return fmt.Errorf("subscription ack timeout for %v", channels)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClosed
	}
}

func (c *Client) write(messageType int, frame []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrConnectionLost
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	return conn.WriteMessage(messageType, frame)
}

func (c *Client) runLoop() {
	defer c.wg.Done()

	bo := &backoff.Backoff{
		Min:    c.cfg.BackoffMin,
		Max:    c.cfg.BackoffMax,
		Factor: 2,
		Jitter: true,
	}

	first := true
	for {
		select {
		case <-c.ctx.Done():
			c.setState(StateDisconnected)
			return
		default:
		}

		if first {
			c.setState(StateConnecting)
		} else {
			c.setState(StateReconnecting)
			telemetry.GetGlobalMetrics().RecordWsReconnect(c.ctx, c.cfg.Name, "reconnect")
		}

		err := c.runConnection()
		if err != nil && errors.Is(err, apperrors.ErrAuthenticationFailed) {
			// Retrying with the same credentials will not help.
			c.logger.Error("websocket authentication rejected, giving up", "name", c.cfg.Name, "error", err)
			c.fatalErr = err
			c.setState(StateFailed)
			c.readyOnce.Do(func() { close(c.ready) })
			return
		}
		if err != nil {
			c.logger.Warn("websocket connection ended", "name", c.cfg.Name, "error", err)
		}
		first = false

		select {
		case <-c.ctx.Done():
			c.setState(StateDisconnected)
			return
		case <-time.After(bo.Duration()):
		}
	}
}

// runConnection performs one dial-serve cycle: dial, start the read pump and
// keepalive, replay subscriptions, hold ACTIVE until the connection drops.
func (c *Client) runConnection() error {
	dialCtx, cancelDial := context.WithTimeout(c.ctx, 15*time.Second)
	defer cancelDial()

	url, err := c.cfg.URL(dialCtx)
	if err != nil {
		return fmt.Errorf("resolve url: %w", err)
	}

	ctx, span := c.tracer.Start(c.ctx, "WS Connect",
		trace.WithAttributes(
			attribute.String("ws.name", c.cfg.Name),
			attribute.String("ws.url", url),
		),
	)
	defer span.End()

	c.connCounter.Add(ctx, 1)

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("dial %s: %w", c.cfg.Name, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	connCtx, cancelConn := context.WithCancel(c.ctx)
	defer cancelConn()

	readDone := make(chan error, 1)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		readDone <- c.readLoop(conn)
	}()

	if c.cfg.PingInterval > 0 {
		c.wg.Add(1)
		go c.heartbeat(connCtx, conn)
	}

	// The read pump is running, so acks for the replay can arrive.
	replayErr := c.replaySubscriptions()
	if replayErr != nil && errors.Is(replayErr, apperrors.ErrAuthenticationFailed) {
		c.closeConn(conn)
		<-readDone
		return replayErr
	}
	if replayErr != nil {
		c.logger.Warn("subscription replay incomplete", "name", c.cfg.Name, "error", replayErr)
	}

	c.setState(StateActive)
	c.readyOnce.Do(func() { close(c.ready) })

	var serveErr error
	select {
	case serveErr = <-readDone:
	case <-c.ctx.Done():
		c.closeConn(conn)
		<-readDone
		serveErr = nil
	}

	c.closeConn(conn)
	c.failPending()
	return serveErr
}

// replaySubscriptions re-sends every desired channel on a fresh connection.
func (c *Client) replaySubscriptions() error {
	c.mu.Lock()
	channels := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	if len(channels) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.AckWait+time.Second)
	defer cancel()

	if err := c.sendAll(ctx, channels, true); err != nil {
		return fmt.Errorf("replay %d channels: %w", len(channels), err)
	}
	c.logger.Debug("subscriptions replayed", "name", c.cfg.Name, "channels", len(channels))
	return nil
}

func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if frame, ok := c.cfg.Codec.EncodePing(); ok {
				if err := c.write(websocket.TextMessage, frame); err != nil {
					c.closeConn(conn)
					return
				}
				continue
			}
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait))
			c.writeMu.Unlock()
			if err != nil {
				// A failed ping means the connection is gone; closing it
				// unblocks the read loop and triggers the reconnect.
				c.closeConn(conn)
				return
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		messageType, frame, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.ctx.Done():
				return nil
			default:
				return err
			}
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

		start := time.Now()
		c.msgCounter.Add(c.ctx, 1)

		msg, err := c.cfg.Codec.Decode(messageType, frame)
		if err != nil {
			telemetry.GetGlobalMetrics().RecordWsDecodeError(c.ctx, c.cfg.Name)
			c.logger.Warn("websocket decode failed", "name", c.cfg.Name, "error", err)
			continue
		}

		c.dispatch(msg)
		c.latencyHist.Record(c.ctx, time.Since(start).Seconds())
	}
}

func (c *Client) dispatch(msg Message) {
	switch msg.Kind {
	case KindHeartbeat:
		return
	case KindSubscriptionAck, KindSubscriptionError:
		c.resolveAck(msg)
		return
	case KindUnknown:
		c.logger.Debug("unrecognized websocket frame", "name", c.cfg.Name, "channel", msg.Channel)
		return
	}

	if h, ok := c.onMsg.Load().(MessageHandler); ok && h != nil {
		h(msg)
	}
}

func (c *Client) resolveAck(msg Message) {
	c.mu.Lock()
	ch, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.mu.Unlock()

	if !ok {
		if msg.Kind == KindSubscriptionError {
			c.logger.Warn("unmatched subscription error", "name", c.cfg.Name, "channel", msg.Channel, "error", msg.Err)
		}
		return
	}
	if msg.Kind == KindSubscriptionError {
		ch <- msg.Err
		return
	}
	ch <- nil
}

// failPending resolves every in-flight ack wait with ErrConnectionLost.
func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		select {
		case ch <- ErrConnectionLost:
		default:
		}
		delete(c.pending, id)
	}
}

// closeConn closes conn if it is still the active connection (or any current
// connection when conn is nil).
func (c *Client) closeConn(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return
	}
	if conn != nil && c.conn != conn {
		return
	}
	_ = c.conn.Close()
	c.conn = nil
}
