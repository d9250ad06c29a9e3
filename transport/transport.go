// Package transport implements spec §4.A/§4.B: one owned WebSocket
// connection, its request registry, its receive loop, and its reconnect
// loop. It is the "Connection" of spec §3's data model; the Go type is
// named Transport to avoid colliding with the net package's Conn-ish
// vocabulary used by gorilla/websocket.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/arvindmahta/derivrt-go/apierr"
	"github.com/arvindmahta/derivrt-go/eventbus"
)

// ReadinessState is spec §3's Connection readiness state.
type ReadinessState int

const (
	StatePending ReadinessState = iota
	StateOpen
	StateClosedError
	StateClosedOk
)

func (s ReadinessState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateOpen:
		return "open"
	case StateClosedError:
		return "closed-error"
	case StateClosedOk:
		return "closed-ok"
	default:
		return "unknown"
	}
}

// EventPublisher is the subset of eventbus.Bus that Transport needs. It
// is an interface (rather than a concrete *eventbus.Bus field) so tests
// can inject a recording double, matching the teacher's
// dependency-injected messageHandler/middleware style.
type EventPublisher interface {
	Publish(eventbus.Event)
}

// Option configures a Transport at construction time.
type Option func(*config)

type config struct {
	connectionID  int
	endpoint      string
	appID         string
	lang          string
	brand         string
	conn          *websocket.Conn // pre-opened socket, ownership stays with caller
	dialer        *websocket.Dialer
	autoReconnect bool
	maxRetries    int
	logger        zerolog.Logger
	bus           EventPublisher
	limiter       *rate.Limiter
}

func defaultConfig() config {
	return config{
		lang:          DefaultLang,
		brand:         DefaultBrand,
		dialer:        &websocket.Dialer{HandshakeTimeout: 30 * time.Second},
		autoReconnect: true,
		maxRetries:    5,
		logger:        zerolog.Nop(),
	}
}

// WithConnectionID tags every event this transport emits with id. Set by
// the owning Pool.
func WithConnectionID(id int) Option { return func(c *config) { c.connectionID = id } }

// WithEndpoint sets the endpoint used to build the WebSocket URL (spec §6).
func WithEndpoint(endpoint, appID, lang, brand string) Option {
	return func(c *config) {
		c.endpoint = endpoint
		c.appID = appID
		if lang != "" {
			c.lang = lang
		}
		c.brand = brand
	}
}

// WithConn injects a pre-opened socket. Ownership stays with the caller:
// the transport will not close it from its reconnect path (spec §4.A
// construction contract).
func WithConn(conn *websocket.Conn) Option { return func(c *config) { c.conn = conn } }

// WithAutoReconnect toggles the reconnect loop.
func WithAutoReconnect(enabled bool) Option { return func(c *config) { c.autoReconnect = enabled } }

// WithMaxRetries overrides the default of 5 reconnect attempts.
func WithMaxRetries(n int) Option { return func(c *config) { c.maxRetries = n } }

// WithLogger attaches a zerolog logger. Defaults to a no-op logger.
func WithLogger(logger zerolog.Logger) Option { return func(c *config) { c.logger = logger } }

// WithEventBus attaches the pool-wide event publisher.
func WithEventBus(bus EventPublisher) Option { return func(c *config) { c.bus = bus } }

// WithSendRateLimit attaches an optional outbound send throttle, grounded
// on the teacher's internal/limiter/http_limiter.go use of
// golang.org/x/time/rate. Off by default.
func WithSendRateLimit(limiter *rate.Limiter) Option { return func(c *config) { c.limiter = limiter } }

// Transport owns one WebSocket connection end to end.
type Transport struct {
	cfg config

	connMu sync.RWMutex
	conn   *websocket.Conn

	// writeMu serializes WriteMessage calls: gorilla/websocket allows at
	// most one concurrent writer per *websocket.Conn.
	writeMu sync.Mutex

	connectMu sync.Mutex

	reqCounter atomic.Int64
	registry   *Registry

	stateMu      sync.Mutex
	state        ReadinessState
	transitionCh chan struct{}
	closing      bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Transport. If no socket is injected via WithConn, the
// URL is built from WithEndpoint's fields and dialed lazily on Connect.
func New(opts ...Option) (*Transport, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.conn == nil {
		if cfg.endpoint == "" || cfg.appID == "" {
			return nil, apierr.NewConstructionError("either a pre-opened connection or endpoint+app_id must be supplied")
		}
		if _, err := BuildURL(URLOptions{Endpoint: cfg.endpoint, AppID: cfg.appID, Lang: cfg.lang, Brand: cfg.brand}); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:          cfg,
		conn:         cfg.conn,
		registry:     NewRegistry(),
		transitionCh: make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

func (t *Transport) publish(name string, payload map[string]any) {
	if t.cfg.bus == nil {
		return
	}
	t.cfg.bus.Publish(eventbus.Event{Name: name, ConnectionID: t.cfg.connectionID, Payload: payload})
}

func (t *Transport) setState(s ReadinessState) {
	t.stateMu.Lock()
	t.state = s
	old := t.transitionCh
	t.transitionCh = make(chan struct{})
	t.stateMu.Unlock()
	close(old)
}

// State returns the current readiness state.
func (t *Transport) State() ReadinessState {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.state
}

// IsOpen reports whether the transport is ready to send.
func (t *Transport) IsOpen() bool { return t.State() == StateOpen }

func (t *Transport) waitOpen(ctx context.Context) error {
	for {
		t.stateMu.Lock()
		state := t.state
		ch := t.transitionCh
		t.stateMu.Unlock()

		switch state {
		case StateOpen:
			return nil
		case StateClosedOk, StateClosedError:
			return apierr.NewConnectionError(t.cfg.connectionID, "transport closed")
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Connect is idempotent. If a socket is already present (injected, or
// from a prior Connect), it transitions to open and starts the receive
// loop without redialing. Otherwise it dials, using cfg.endpoint/appID.
// Returns once readiness is open.
//
// The whole dial-setState-spawn sequence runs under connectMu: two
// concurrent Connect calls (reachable via Pool.ConnectAll racing a
// caller-driven Connect on the same still-pending transport) must not
// both dial and both spawn a receive loop, since gorilla/websocket
// forbids concurrent readers on one *websocket.Conn and spec §3 requires
// at most one receive loop per connection.
func (t *Transport) Connect(ctx context.Context) error {
	t.connectMu.Lock()
	defer t.connectMu.Unlock()

	if t.State() == StateOpen {
		return nil
	}

	t.publish(eventbus.Connect, nil)

	t.connMu.RLock()
	existing := t.conn
	t.connMu.RUnlock()

	if existing == nil {
		conn, err := t.dial(ctx)
		if err != nil {
			return fmt.Errorf("transport: dial failed: %w", err)
		}
		t.connMu.Lock()
		t.conn = conn
		t.connMu.Unlock()
	}

	t.setState(StateOpen)
	t.wg.Add(1)
	go t.receiveLoop()
	return nil
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	url, err := BuildURL(URLOptions{Endpoint: t.cfg.endpoint, AppID: t.cfg.appID, Lang: t.cfg.lang, Brand: t.cfg.brand})
	if err != nil {
		return nil, err
	}
	conn, _, err := t.cfg.dialer.DialContext(ctx, url, nil)
	return conn, err
}

// receiveLoop is spec §4.A's single receive loop: reads frames until the
// socket ends, dispatching each to dispatchFrame. On a read error that is
// not caused by Disconnect it publishes connection_closed, then either
// enters the reconnect loop or, if auto-reconnect is off, moves to
// closed-error. A frame read after Disconnect is dropped and ends the loop.
func (t *Transport) receiveLoop() {
	defer t.wg.Done()

	for {
		t.connMu.RLock()
		conn := t.conn
		t.connMu.RUnlock()
		if conn == nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.onReadError(err)
			return
		}
		t.stateMu.Lock()
		closing := t.closing
		t.stateMu.Unlock()
		if closing {
			return
		}
		t.dispatchFrame(raw)
	}
}

func (t *Transport) onReadError(err error) {
	t.stateMu.Lock()
	closing := t.closing
	t.stateMu.Unlock()

	if closing {
		return
	}

	t.publish(eventbus.ConnectionClosed, map[string]any{"error": err.Error()})

	if t.cfg.autoReconnect {
		t.setState(StatePending)
		t.wg.Add(1)
		go t.reconnectLoop()
		return
	}

	t.setState(StateClosedError)
}

// dispatchFrame implements spec §4.A's receive-loop dispatch rules.
func (t *Transport) dispatchFrame(raw []byte) {
	var response map[string]any
	if err := json.Unmarshal(raw, &response); err != nil {
		t.publish(eventbus.UnmatchedResponse, map[string]any{"error": "invalid JSON frame"})
		return
	}

	t.publish(eventbus.Message, map[string]any{"data": response})

	reqID, ok := extractReqID(response)
	if !ok {
		t.publish(eventbus.UnmatchedResponse, nil)
		return
	}

	sink, ok := t.registry.Lookup(reqID)
	if !ok {
		t.publish(eventbus.UnmatchedResponse, map[string]any{"req_id": reqID})
		return
	}

	if errBody, hasErr := response["error"]; hasErr && errBody != nil && !isParentSubscription(response) {
		sink.PushError(apierr.NewResponseError(response))
		return
	}

	if sink.IsCompleted() {
		if subsID, ok := subscriptionID(response); ok {
			t.publish(eventbus.ForgetSubscription, map[string]any{"subscription_id": subsID})
		}
		return
	}

	sink.PushNext(response)
}

// isParentSubscription reports whether the response echoes a request
// for proposal_open_contract without a contract_id: such a request's
// per-element errors are delivered as data, not stream termination
// (spec §4.A "Parent subscription exception").
func isParentSubscription(response map[string]any) bool {
	echo, ok := response["echo_req"].(map[string]any)
	if !ok {
		return false
	}
	_, hasPOC := echo["proposal_open_contract"]
	_, hasContractID := echo["contract_id"]
	return hasPOC && !hasContractID
}

func subscriptionID(response map[string]any) (string, bool) {
	sub, ok := response["subscription"].(map[string]any)
	if !ok {
		return "", false
	}
	id, ok := sub["id"].(string)
	return id, ok
}

func extractReqID(response map[string]any) (int64, bool) {
	v, ok := response["req_id"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

// SendAndGetSource implements spec §4.A: assigns a req_id if absent,
// registers a fresh sink, and schedules a background send task that
// awaits readiness, transmits, emits `send`, and on transmission error
// pushes that error into the sink. Returns the sink synchronously.
func (t *Transport) SendAndGetSource(request map[string]any) *Sink {
	return t.sendAndGetSource(request, false)
}

func (t *Transport) sendAndGetSource(request map[string]any, oneShot bool) *Sink {
	reqID, req := t.assignReqID(request)
	sink := NewSink(oneShot)
	t.registry.Insert(reqID, sink)

	go func() {
		<-sink.Done()
		t.registry.Delete(reqID)
	}()

	go t.sendTask(reqID, req, sink)

	return sink
}

func (t *Transport) assignReqID(request map[string]any) (int64, map[string]any) {
	req := make(map[string]any, len(request)+1)
	for k, v := range request {
		req[k] = v
	}

	if existing, ok := extractReqID(req); ok {
		return existing, req
	}

	id := t.reqCounter.Add(1)
	req["req_id"] = id
	return id, req
}

func (t *Transport) sendTask(reqID int64, request map[string]any, sink *Sink) {
	if err := t.waitOpen(t.ctx); err != nil {
		sink.PushError(fmt.Errorf("transport: %w", err))
		return
	}

	if t.cfg.limiter != nil {
		if err := t.cfg.limiter.Wait(t.ctx); err != nil {
			sink.PushError(fmt.Errorf("transport: rate limit wait: %w", err))
			return
		}
	}

	payload, err := json.Marshal(request)
	if err != nil {
		sink.PushError(fmt.Errorf("transport: marshal request: %w", err))
		return
	}

	t.connMu.RLock()
	conn := t.conn
	t.connMu.RUnlock()
	if conn == nil {
		sink.PushError(apierr.NewConnectionError(t.cfg.connectionID, "no socket"))
		return
	}

	t.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, payload)
	t.writeMu.Unlock()
	if err != nil {
		sink.PushError(fmt.Errorf("transport: write failed: %w", err))
		return
	}

	t.publish(eventbus.Send, map[string]any{"data": request, "req_id": reqID})
}

// Send is the convenience wrapper: the first emission of
// SendAndGetSource's sink, or its error. The sink it uses is one-shot, so
// it completes (and leaves the registry) after that first emission.
func (t *Transport) Send(ctx context.Context, request map[string]any) (map[string]any, error) {
	sink := t.sendAndGetSource(request, true)
	ch, unsubscribe := sink.Subscribe()
	defer unsubscribe()

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("transport: sink closed with no emission")
		}
		if msg.Err != nil {
			return nil, msg.Err
		}
		return msg.Response, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// reconnectLoop implements spec §4.A's reconnect loop: exponential
// backoff starting at 1s, doubling, capped at 60s, stopping after
// maxRetries (default 5); the 6th attempt is never made.
func (t *Transport) reconnectLoop() {
	defer t.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 60 * time.Second
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	for attempt := 1; attempt <= t.cfg.maxRetries; attempt++ {
		t.stateMu.Lock()
		closing := t.closing
		t.stateMu.Unlock()
		if closing {
			return
		}

		t.publish(eventbus.Reconnecting, map[string]any{"attempt": attempt})

		delay := bo.NextBackOff()
		select {
		case <-time.After(delay):
		case <-t.ctx.Done():
			return
		}

		conn, err := t.dial(t.ctx)
		if err != nil {
			t.publish(eventbus.ReconnectFailed, map[string]any{"attempt": attempt, "error": err.Error()})
			continue
		}

		t.connMu.Lock()
		t.conn = conn
		t.connMu.Unlock()

		t.setState(StateOpen)
		t.publish(eventbus.Reconnected, nil)

		t.wg.Add(1)
		go t.receiveLoop()
		return
	}

	t.publish(eventbus.ReconnectMaxRetriesExceeded, nil)
	t.setState(StateClosedError)
}

// Disconnect sets the closing flag (disabling reconnect), transitions to
// closed, cancels the receive/reconnect loops, emits `close`, and closes
// the socket iff the transport owns it (it was not injected). Idempotent:
// calling it twice emits exactly one `close` event.
func (t *Transport) Disconnect() error {
	t.stateMu.Lock()
	if t.closing {
		t.stateMu.Unlock()
		return nil
	}
	t.closing = true
	t.stateMu.Unlock()

	t.cancel()
	t.setState(StateClosedOk)
	t.publish(eventbus.Close, nil)

	if t.cfg.conn == nil { // transport owns the socket it dialed itself
		t.connMu.Lock()
		if t.conn != nil {
			t.conn.Close()
		}
		t.conn = nil
		t.connMu.Unlock()
	}

	return nil
}

// ConnectionID returns the id this transport tags its events with.
func (t *Transport) ConnectionID() int { return t.cfg.connectionID }
