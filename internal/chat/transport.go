package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	v1 "murmur/contracts/chat/v1"

	"github.com/coder/websocket"
)

const wsSubprotocolV1 = "murmur.chat.v1"

// ConnState is the channel connection lifecycle state. It is owned
// exclusively by the transport; the session manager only observes it.
type ConnState uint8

// Connection lifecycle states.
const (
	StateIdle ConnState = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// TransportEventKind discriminates transport notifications.
type TransportEventKind uint8

// Transport event kinds. Exactly one state-transition notification is
// emitted per actual transition: no duplicate EventOpen without an
// intervening EventClose.
const (
	EventOpen TransportEventKind = iota
	EventClose
	EventFrame
	EventError
)

// TransportEvent is one observable transport notification.
type TransportEvent struct {
	Kind   TransportEventKind
	Reason string
	Frame  v1.Envelope
	Err    error
}

// Transport is the channel abstraction consumed by the session manager.
type Transport interface {
	// Open starts the connect/reconnect loop. Non-blocking; progress is
	// reported through Events.
	Open(ctx context.Context)
	// Send writes one frame. Only valid in StateOpen; any other state
	// returns ErrNotConnected without side effects.
	Send(ctx context.Context, env v1.Envelope) error
	// Close tears the channel down explicitly and cancels any pending
	// reconnect. Terminal and idempotent.
	Close()
	// State reports the current lifecycle state.
	State() ConnState
	// Events delivers state transitions, inbound frames, and errors.
	Events() <-chan TransportEvent
}

// Conn is the minimal connection surface the transport needs. The real
// implementation wraps coder/websocket; tests substitute a scripted conn.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Dialer establishes one connection attempt. The credential is already
// attached to the URL.
type Dialer func(ctx context.Context, wsURL string) (Conn, error)

// TransportConfig configures a ChannelTransport.
type TransportConfig struct {
	// URL is the channel endpoint for one conversation, without credential.
	URL string
	// Credentials supplies the handshake token per attempt, so a refreshed
	// token is picked up on reconnect.
	Credentials CredentialProvider

	Log *slog.Logger

	// Dial overrides the websocket dialer (tests).
	Dial Dialer

	// BackoffBase/BackoffCap bound the reconnect delay. Zero values take
	// the defaults (3s base doubling to a 30s cap).
	BackoffBase time.Duration
	BackoffCap  time.Duration

	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// ChannelTransport owns one bidirectional real-time connection per open
// conversation and implements the reconnect state machine:
//
//	Idle -> Connecting -> Open -> Closed(reason) -> Connecting -> ...
//
// On any non-explicit close it schedules a reconnect after a bounded
// backoff, indefinitely, until Close is called. An explicit Close is
// terminal: Closing -> Closed(explicit), no auto-retry.
type ChannelTransport struct {
	cfg  TransportConfig
	log  *slog.Logger
	dial Dialer

	events chan TransportEvent

	mu     sync.Mutex
	state  ConnState
	reason string
	conn   Conn

	runCtx    context.Context
	runCancel context.CancelFunc
	openOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// NewChannelTransport constructs a transport in StateIdle.
func NewChannelTransport(cfg TransportConfig) *ChannelTransport {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = defaultBackoffCap
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	t := &ChannelTransport{
		cfg:    cfg,
		log:    cfg.Log,
		dial:   cfg.Dial,
		events: make(chan TransportEvent, 64),
		state:  StateIdle,
		done:   make(chan struct{}),
	}
	if t.dial == nil {
		t.dial = wsDial
	}
	return t
}

// Open starts the connect/reconnect loop. Subsequent calls are no-ops.
func (t *ChannelTransport) Open(ctx context.Context) {
	t.openOnce.Do(func() {
		t.runCtx, t.runCancel = context.WithCancel(ctx)
		go t.run()
	})
}

// State reports the current lifecycle state.
func (t *ChannelTransport) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Events delivers transport notifications.
func (t *ChannelTransport) Events() <-chan TransportEvent {
	return t.events
}

// Send writes one frame over the open channel.
func (t *ChannelTransport) Send(ctx context.Context, env v1.Envelope) error {
	t.mu.Lock()
	conn := t.conn
	open := t.state == StateOpen
	t.mu.Unlock()

	if !open || conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	wctx, cancel := context.WithTimeout(ctx, t.cfg.WriteTimeout)
	defer cancel()

	if err := conn.Write(wctx, data); err != nil {
		// The read loop observes the broken conn and drives the state
		// machine; Send only reports.
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	metricFrames.WithLabelValues("out", env.Type).Inc()
	return nil
}

// Close tears the channel down explicitly. Idempotent, terminal.
func (t *ChannelTransport) Close() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.state = StateClosing
		t.reason = "explicit"
		conn := t.conn
		t.conn = nil
		t.mu.Unlock()

		if t.runCancel != nil {
			t.runCancel()
		}
		if conn != nil {
			_ = conn.Close("bye")
		}

		t.setState(StateClosed, "explicit")
		t.emit(TransportEvent{Kind: EventClose, Reason: "explicit"})
		close(t.done)
	})
}

// ---- run loop ----

func (t *ChannelTransport) run() {
	attempt := 0

	for {
		if t.closing() {
			return
		}

		t.setState(StateConnecting, "")

		cred, err := t.cfg.Credentials.Credential(t.runCtx)
		if err != nil {
			if errors.Is(err, ErrCredentialExpired) {
				// Equivalent to a forced close, but never retried with a
				// stale token: the session surfaces it and tears down.
				t.emit(TransportEvent{Kind: EventError, Err: ErrCredentialExpired})
				t.setState(StateClosed, "credential expired")
				t.emit(TransportEvent{Kind: EventClose, Reason: "credential expired"})
				return
			}
			t.log.Info("transport.credential.fail", "err", err)
			t.setState(StateClosed, "credential error")
			t.emit(TransportEvent{Kind: EventClose, Reason: "credential error", Err: err})
			if !t.backoff(&attempt) {
				return
			}
			continue
		}

		dialCtx, cancel := context.WithTimeout(t.runCtx, t.cfg.DialTimeout)
		conn, err := t.dial(dialCtx, attachCredential(t.cfg.URL, cred))
		cancel()

		if err != nil {
			if t.closing() {
				return
			}
			metricReconnects.Inc()
			t.log.Info("transport.dial.fail", "attempt", attempt, "err", err)
			t.setState(StateClosed, "dial failed")
			t.emit(TransportEvent{Kind: EventClose, Reason: "dial failed", Err: err})
			if !t.backoff(&attempt) {
				return
			}
			continue
		}

		attempt = 0

		t.mu.Lock()
		if t.state == StateClosing || t.state == StateClosed {
			t.mu.Unlock()
			_ = conn.Close("bye")
			return
		}
		t.conn = conn
		t.state = StateOpen
		t.reason = ""
		t.mu.Unlock()

		t.log.Info("transport.open", "url", t.cfg.URL)
		t.emit(TransportEvent{Kind: EventOpen})

		reason, err := t.readLoop(conn)
		if t.closing() {
			return
		}

		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()

		t.log.Info("transport.closed", "reason", reason, "err", err)
		t.setState(StateClosed, reason)
		t.emit(TransportEvent{Kind: EventClose, Reason: reason, Err: err})

		if !t.backoff(&attempt) {
			return
		}
	}
}

// readLoop pumps inbound frames until the connection breaks.
func (t *ChannelTransport) readLoop(conn Conn) (string, error) {
	for {
		data, err := conn.Read(t.runCtx)
		if err != nil {
			switch {
			case errors.Is(err, context.Canceled):
				return "context done", nil
			case websocket.CloseStatus(err) != -1:
				return "peer closed", err
			default:
				return "read failed", err
			}
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.log.Info("transport.frame.bad_json", "err", err)
			t.emit(TransportEvent{Kind: EventError, Err: fmt.Errorf("bad frame: %w", err)})
			continue
		}
		if err := env.Validate(); err != nil {
			t.log.Info("transport.frame.invalid", "err", err)
			t.emit(TransportEvent{Kind: EventError, Err: fmt.Errorf("invalid frame: %w", err)})
			continue
		}

		metricFrames.WithLabelValues("in", env.Type).Inc()
		t.emit(TransportEvent{Kind: EventFrame, Frame: env})
	}
}

// backoff sleeps for the capped exponential delay. Returns false when the
// transport was closed while waiting.
func (t *ChannelTransport) backoff(attempt *int) bool {
	d := backoffDelay(t.cfg.BackoffBase, t.cfg.BackoffCap, *attempt)
	*attempt++

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-t.runCtx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (t *ChannelTransport) closing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateClosing || (t.state == StateClosed && t.reason == "explicit")
}

func (t *ChannelTransport) setState(s ConnState, reason string) {
	t.mu.Lock()
	if t.state == StateClosing && s != StateClosed {
		// Explicit close is terminal; the run loop must not resurrect.
		t.mu.Unlock()
		return
	}
	t.state = s
	t.reason = reason
	t.mu.Unlock()
}

// emit delivers an event unless the transport is already closed.
func (t *ChannelTransport) emit(ev TransportEvent) {
	select {
	case <-t.done:
	case t.events <- ev:
	}
}

// backoffDelay is the capped exponential reconnect delay for an attempt.
// attempt 0 waits base, each further attempt doubles, bounded by limit.
func backoffDelay(base, limit time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}

// attachCredential appends the bearer token to the handshake URL, matching
// the server's query-parameter scheme.
func attachCredential(wsURL, token string) string {
	if token == "" {
		return wsURL
	}
	u, err := url.Parse(wsURL)
	if err != nil {
		return wsURL
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

// ---- websocket conn ----

type wsConn struct {
	conn *websocket.Conn
}

func wsDial(ctx context.Context, wsURL string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
	})
	if err != nil {
		return nil, err
	}
	c.SetReadLimit(maxFrameBytes)
	return &wsConn{conn: c}, nil
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	mt, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return nil, fmt.Errorf("unsupported message type: %v", mt)
	}
	return data, nil
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close(reason string) error {
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}
