package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	v1 "murmur/contracts/chat/v1"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %v: %s", timeout, msg)
}

// scriptConn is a scripted Conn for transport tests.
type scriptConn struct {
	inbound chan []byte

	mu     sync.Mutex
	writes [][]byte

	closed chan struct{}
	once   sync.Once
}

func newScriptConn() *scriptConn {
	return &scriptConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *scriptConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, errors.New("conn closed")
	case data := <-c.inbound:
		return data, nil
	}
}

func (c *scriptConn) Write(_ context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("conn closed")
	default:
	}
	c.mu.Lock()
	c.writes = append(c.writes, data)
	c.mu.Unlock()
	return nil
}

func (c *scriptConn) Close(string) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// drop simulates a network failure.
func (c *scriptConn) drop() { _ = c.Close("") }

func (c *scriptConn) deliver(t *testing.T, env v1.Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	c.inbound <- data
}

// flakyDialer fails a fixed number of attempts before handing out conns.
type flakyDialer struct {
	mu       sync.Mutex
	failures int
	attempts int
	conns    []*scriptConn
	lastURL  string
}

func (d *flakyDialer) dial(_ context.Context, wsURL string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.attempts++
	d.lastURL = wsURL
	if d.attempts <= d.failures {
		return nil, errors.New("dial refused")
	}
	c := newScriptConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *flakyDialer) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *flakyDialer) conn(i int) *scriptConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

// testTransport builds a ChannelTransport with millisecond backoff.
func testTransport(t *testing.T, dial Dialer, creds CredentialProvider) *ChannelTransport {
	t.Helper()
	if creds == nil {
		creds = StaticCredential("tok")
	}
	return NewChannelTransport(TransportConfig{
		URL:          "ws://host/ws/chat/c1/",
		Credentials:  creds,
		Dial:         dial,
		BackoffBase:  time.Millisecond,
		BackoffCap:   4 * time.Millisecond,
		DialTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
}

// fakeTransport substitutes the channel in session tests.
type fakeTransport struct {
	mu      sync.Mutex
	state   ConnState
	sent    []v1.Envelope
	sendErr error

	events chan TransportEvent
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		state:  StateIdle,
		events: make(chan TransportEvent, 64),
	}
}

func (f *fakeTransport) Open(context.Context) {}

func (f *fakeTransport) Send(_ context.Context, env v1.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateOpen {
		return ErrNotConnected
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	f.state = StateClosed
	f.mu.Unlock()
}

func (f *fakeTransport) State() ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) Events() <-chan TransportEvent { return f.events }

func (f *fakeTransport) setOpen() {
	f.mu.Lock()
	f.state = StateOpen
	f.mu.Unlock()
	f.events <- TransportEvent{Kind: EventOpen}
}

func (f *fakeTransport) deliver(t *testing.T, typ string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	f.events <- TransportEvent{Kind: EventFrame, Frame: v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      "e1",
		TS:      time.Now().UTC(),
		Payload: raw,
	}}
}

func (f *fakeTransport) sentFrames(typ string) []v1.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []v1.Envelope
	for _, env := range f.sent {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

// fakeBackend substitutes the REST collaborators in session tests.
type fakeBackend struct {
	mu sync.Mutex

	history    HistoryPage
	historyErr error

	sendFn    func(convID ConversationID, content string) (Message, error)
	sendCalls int

	convs    []ConversationSummary
	likeErr  error
	likeLast string
}

func (b *fakeBackend) History(_ context.Context, _ ConversationID, _ int) (HistoryPage, error) {
	if b.historyErr != nil {
		return HistoryPage{}, b.historyErr
	}
	return b.history, nil
}

func (b *fakeBackend) SendMessage(_ context.Context, convID ConversationID, content string) (Message, error) {
	b.mu.Lock()
	b.sendCalls++
	fn := b.sendFn
	b.mu.Unlock()

	if fn == nil {
		return Message{}, errors.New("no fallback configured")
	}
	return fn(convID, content)
}

func (b *fakeBackend) Conversations(context.Context) ([]ConversationSummary, error) {
	return b.convs, nil
}

func (b *fakeBackend) SetLiked(_ context.Context, postID string, _ bool) error {
	b.mu.Lock()
	b.likeLast = postID
	b.mu.Unlock()
	return b.likeErr
}

func (b *fakeBackend) fallbackCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sendCalls
}

// testManager builds a Manager wired to the given fakes.
func testManager(t *testing.T, backend *fakeBackend, transport *fakeTransport) *Manager {
	t.Helper()
	m, err := NewManager(ManagerConfig{
		SelfID:      "me",
		WSBase:      "ws://host",
		Backend:     backend,
		Credentials: StaticCredential("tok"),
		NewTransport: func(ConversationID) Transport {
			return transport
		},
		TypingTTL:     60 * time.Millisecond,
		TypingQuiet:   40 * time.Millisecond,
		PresenceSweep: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}
