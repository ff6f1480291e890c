package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	v1 "murmur/contracts/chat/v1"
)

// EventKind discriminates session notifications delivered to subscribers.
// The session pushes change notifications instead of having the UI poll;
// subscribers re-read the relevant snapshot (Messages, CurrentlyTyping,
// ConnState) on each notification, so dropped notifications coalesce.
type EventKind uint8

// Session event kinds.
const (
	// EventMessages signals the message log changed.
	EventMessages EventKind = iota
	// EventTyping signals the currently-typing set changed.
	EventTyping
	// EventConn signals a channel connection state transition.
	EventConn
	// EventFailure surfaces a non-fatal or fatal error (history load,
	// send failure, credential expiry).
	EventFailure
)

// Event is one session notification.
type Event struct {
	Kind  EventKind
	State ConnState
	Err   error
}

// ManagerConfig configures a session Manager.
type ManagerConfig struct {
	// SelfID is the authenticated participant id; IsOwn derives from it.
	SelfID string

	// WSBase is the channel endpoint root, e.g. "wss://host".
	WSBase string

	Backend     Backend
	Credentials CredentialProvider
	Log         *slog.Logger

	// NewTransport overrides transport construction (tests). The default
	// dials WSBase/ws/chat/{conversation}/ with the credential attached.
	NewTransport func(convID ConversationID) Transport

	HistoryPageSize int

	TypingTTL     time.Duration
	TypingQuiet   time.Duration
	PresenceSweep time.Duration

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Manager binds conversation ids to live sessions. One session per
// conversation: overlapping opens are rejected with ErrSessionBusy.
type Manager struct {
	cfg ManagerConfig
	log *slog.Logger

	mu   sync.Mutex
	open map[ConversationID]*Session
}

// NewManager constructs a Manager. Backend and Credentials are required;
// everything else has defaults.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Backend == nil {
		return nil, errors.New("chat: nil backend")
	}
	if cfg.Credentials == nil {
		return nil, errors.New("chat: nil credential provider")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.HistoryPageSize <= 0 {
		cfg.HistoryPageSize = defaultHistoryPageSize
	}
	if cfg.TypingTTL <= 0 {
		cfg.TypingTTL = defaultTypingTTL
	}
	if cfg.TypingQuiet <= 0 {
		cfg.TypingQuiet = defaultTypingQuiet
	}
	if cfg.PresenceSweep <= 0 {
		cfg.PresenceSweep = defaultPresenceSweep
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Manager{
		cfg:  cfg,
		log:  cfg.Log,
		open: make(map[ConversationID]*Session),
	}, nil
}

// OpenSession loads initial history, opens the channel transport, and
// returns the live session handle.
//
// History failure does not abort the session: it opens in live-only
// degraded mode and ErrHistoryUnavailable is surfaced on the event stream
// (check Degraded or errors.Is on the failure event).
func (m *Manager) OpenSession(ctx context.Context, convID ConversationID) (*Session, error) {
	if strings.TrimSpace(string(convID)) == "" {
		return nil, fmt.Errorf("%w: empty conversation id", ErrInvalidInput)
	}

	m.mu.Lock()
	if _, busy := m.open[convID]; busy {
		m.mu.Unlock()
		return nil, ErrSessionBusy
	}
	// Reserve the slot before the history fetch so a concurrent open of the
	// same conversation fails fast instead of racing the load.
	m.open[convID] = nil
	m.mu.Unlock()

	s := &Session{
		convID:  convID,
		mgr:     m,
		log:     m.log.With("conversation_id", string(convID)),
		selfID:  m.cfg.SelfID,
		store:   NewMessageStore(),
		typing:  NewTypingTracker(m.cfg.TypingTTL),
		backend: m.cfg.Backend,
		now:     m.cfg.Now,
		quiet:   m.cfg.TypingQuiet,
		sweep:   m.cfg.PresenceSweep,
		limiter: NewRateLimiter(outboundRateEvents, outboundRateWindow),
		events:  make(chan Event, 64),
	}

	if err := s.loadHistory(ctx, m.cfg.HistoryPageSize); err != nil {
		s.degraded = true
		s.log.Warn("session.history.fail", "err", err)
		s.notify(Event{Kind: EventFailure, Err: fmt.Errorf("%w: %v", ErrHistoryUnavailable, err)})
	}

	if m.cfg.NewTransport != nil {
		s.transport = m.cfg.NewTransport(convID)
	} else {
		s.transport = NewChannelTransport(TransportConfig{
			URL:         fmt.Sprintf("%s/ws/chat/%s/", m.cfg.WSBase, convID),
			Credentials: m.cfg.Credentials,
			Log:         s.log,
		})
	}

	s.loopCtx, s.loopCancel = context.WithCancel(context.Background())
	s.transport.Open(s.loopCtx)
	s.wg.Add(1)
	go s.loop()

	m.mu.Lock()
	m.open[convID] = s
	m.mu.Unlock()

	metricSessionsActive.Inc()
	s.log.Info("session.open", "degraded", s.degraded)
	return s, nil
}

func (m *Manager) release(convID ConversationID) {
	m.mu.Lock()
	delete(m.open, convID)
	m.mu.Unlock()
}

// Session is one live conversation: a channel transport, a message store,
// and a typing tracker, bound together behind the public contract.
type Session struct {
	convID  ConversationID
	mgr     *Manager
	log     *slog.Logger
	selfID  string
	store   *MessageStore
	typing  *TypingTracker
	backend Backend
	now     func() time.Time

	transport Transport
	limiter   *RateLimiter

	quiet time.Duration
	sweep time.Duration

	events   chan Event
	degraded bool

	loopCtx    context.Context
	loopCancel context.CancelFunc
	wg         sync.WaitGroup

	mu           sync.Mutex
	closed       bool
	typingActive bool
	lastAssert   time.Time
	quietTimer   *time.Timer

	closeOnce sync.Once
}

// Events is the session's notification stream. It is closed on Close.
func (s *Session) Events() <-chan Event { return s.events }

// Messages returns the current message log snapshot in display order.
func (s *Session) Messages() []Message { return s.store.Messages() }

// CurrentlyTyping returns the live set of typing participants.
func (s *Session) CurrentlyTyping() []string { return s.typing.CurrentlyTyping(s.now()) }

// ConnState reports the channel connection state.
func (s *Session) ConnState() ConnState { return s.transport.State() }

// Degraded reports whether the session opened without history.
func (s *Session) Degraded() bool { return s.degraded }

// Send delivers a message with optimistic local application.
//
// The Pending record is in the store before Send does any I/O, so the UI
// reflects the send immediately. Delivery then takes the channel when it
// is open; otherwise the REST fallback. The channel confirmation (or the
// fallback response) reconciles the Pending record in place. When both
// paths fail the record is marked Failed, kept visible, and a SendError
// is returned.
func (s *Session) Send(ctx context.Context, content string) error {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" || len([]rune(trimmed)) > maxMessageChars {
		metricSends.WithLabelValues(sendOutcomeRejected).Inc()
		return ErrInvalidInput
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	localID, err := NewLocalID(s.now())
	if err != nil {
		return fmt.Errorf("local id: %w", err)
	}

	s.store.AppendOptimistic(s.convID, trimmed, localID, s.selfID, s.now())
	s.notify(Event{Kind: EventMessages})

	// Sending a message ends the typing assertion immediately.
	s.SetTyping(false)

	var channelErr error
	if s.transport.State() == StateOpen {
		channelErr = s.sendFrame(ctx, v1.TypeMessage, v1.MessageSendPayload{
			Content:     trimmed,
			ClientMsgID: localID,
		})
		if channelErr == nil {
			metricSends.WithLabelValues(sendOutcomeChannel).Inc()
			return nil
		}
	} else {
		channelErr = ErrNotConnected
	}

	// Fallback path, only taken when the channel could not carry the send.
	// Firing both unconditionally would hand the server two creation
	// requests for one logical message.
	confirmed, restErr := s.backend.SendMessage(ctx, s.convID, trimmed)
	if restErr == nil {
		metricSends.WithLabelValues(sendOutcomeFallback).Inc()
		s.applyConfirmed(localID, confirmed)
		return nil
	}

	metricSends.WithLabelValues(sendOutcomeFailed).Inc()
	if s.store.MarkFailed(localID) {
		s.notify(Event{Kind: EventMessages})
	}
	sendErr := SendError{LocalID: localID, Channel: channelErr, Rest: restErr}
	s.notify(Event{Kind: EventFailure, Err: sendErr})
	s.log.Warn("session.send.fail", "local_id", localID, "channel_err", channelErr, "rest_err", restErr)
	return sendErr
}

// SetTyping drives the local typing assertion.
//
// Keystrokes do not map 1:1 to frames: the first keystroke after idle
// emits typing:true, further keystrokes only refresh the assertion once
// per quiet period, and typing:false goes out when the quiet period
// elapses with no keystrokes, on explicit SetTyping(false), or on Send.
func (s *Session) SetTyping(isTyping bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	if !isTyping {
		active := s.typingActive
		s.typingActive = false
		if s.quietTimer != nil {
			s.quietTimer.Stop()
			s.quietTimer = nil
		}
		s.mu.Unlock()

		if active {
			s.emitTyping(false)
		}
		return
	}

	now := s.now()
	assert := !s.typingActive || now.Sub(s.lastAssert) >= s.quiet
	if assert {
		s.lastAssert = now
	}
	s.typingActive = true

	if s.quietTimer != nil {
		s.quietTimer.Stop()
	}
	s.quietTimer = time.AfterFunc(s.quiet, s.quietElapsed)
	s.mu.Unlock()

	if assert {
		s.emitTyping(true)
	}
}

// quietElapsed fires when the quiet period passes with no new keystrokes.
func (s *Session) quietElapsed() {
	s.mu.Lock()
	if s.closed || !s.typingActive {
		s.mu.Unlock()
		return
	}
	s.typingActive = false
	s.quietTimer = nil
	s.mu.Unlock()

	s.emitTyping(false)
}

// Close tears down the transport and releases the session. Idempotent.
// In-flight fallback requests are allowed to finish but their results are
// discarded: a torn-down store is never mutated.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		if s.quietTimer != nil {
			s.quietTimer.Stop()
			s.quietTimer = nil
		}
		s.mu.Unlock()

		s.transport.Close()
		s.loopCancel()
		s.wg.Wait()
		close(s.events)

		s.mgr.release(s.convID)
		metricSessionsActive.Dec()
		s.log.Info("session.closed")
	})
}

// ---- internals ----

// loadHistory seeds the store from the newest-first history fetch,
// reversed to chronological order.
func (s *Session) loadHistory(ctx context.Context, pageSize int) error {
	page, err := s.backend.History(ctx, s.convID, 1)
	if err != nil {
		return err
	}

	msgs := page.Messages
	if len(msgs) > pageSize {
		msgs = msgs[:pageSize]
	}
	// Newest-first on the wire; reverse for display.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	for i := range msgs {
		msgs[i].IsOwn = msgs[i].SenderID == s.selfID
	}

	s.store.SeedHistory(msgs)
	return nil
}

// loop is the session's single logical thread of control: inbound frames,
// connection transitions, and the presence sweep all funnel through here.
func (s *Session) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-s.loopCtx.Done():
			return

		case ev, ok := <-s.transport.Events():
			if !ok {
				return
			}
			s.handleTransportEvent(ev)

		case <-ticker.C:
			if s.typing.Sweep(s.now()) {
				s.notify(Event{Kind: EventTyping})
			}
		}
	}
}

func (s *Session) handleTransportEvent(ev TransportEvent) {
	switch ev.Kind {
	case EventOpen:
		s.notify(Event{Kind: EventConn, State: StateOpen})

	case EventClose:
		s.notify(Event{Kind: EventConn, State: StateClosed, Err: ev.Err})

	case EventError:
		if errors.Is(ev.Err, ErrCredentialExpired) {
			// Fatal to the session; the authentication collaborator owns
			// recovery. The transport has already stopped retrying.
			s.notify(Event{Kind: EventFailure, Err: ErrCredentialExpired})
			return
		}
		s.log.Info("session.transport.err", "err", ev.Err)

	case EventFrame:
		s.handleFrame(ev.Frame)
	}
}

func (s *Session) handleFrame(env v1.Envelope) {
	switch env.Type {
	case v1.TypeMessage:
		var p v1.MessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.log.Info("session.frame.bad_payload", "type", env.Type, "err", err)
			return
		}
		s.onMessageFrame(p)

	case v1.TypeTyping:
		var p v1.TypingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.log.Info("session.frame.bad_payload", "type", env.Type, "err", err)
			return
		}
		if p.Participant == s.selfID {
			return
		}
		changed := s.typing.OnSignal(TypingSignal{
			ConversationID: s.convID,
			ParticipantID:  p.Participant,
			IsTyping:       p.IsTyping,
			ObservedAt:     s.now(),
		})
		if changed {
			s.notify(Event{Kind: EventTyping})
		}

	case v1.TypeError:
		var p v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		s.log.Info("session.frame.error", "code", p.Code, "message", p.Message)
	}
}

// onMessageFrame applies one inbound message frame: a confirmation of an
// own pending send reconciles in place, everything else appends with
// redelivery protection.
func (s *Session) onMessageFrame(p v1.MessagePayload) {
	msg := Message{
		ID:             p.MessageID,
		ConversationID: s.convID,
		SenderID:       p.Sender,
		Content:        p.Content,
		SentAt:         p.SentAt,
		Delivery:       DeliverySent,
		IsOwn:          p.Sender == s.selfID,
	}

	if msg.IsOwn {
		localID := p.ClientMsgID
		if localID == "" {
			// No echo from the server: fall back to matching the oldest
			// pending record with the same content.
			localID, _ = s.store.OldestPending(s.selfID, p.Content)
		}
		if localID != "" {
			s.applyConfirmed(localID, msg)
			return
		}
	}

	if s.store.AppendInbound(msg) {
		s.notify(Event{Kind: EventMessages})
	}
}

// applyConfirmed reconciles a confirmation against the store unless the
// session is already torn down.
func (s *Session) applyConfirmed(localID string, confirmed Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.store.Reconcile(localID, confirmed); err != nil {
		metricReconcileMiss.Inc()
		s.log.Info("session.reconcile.miss", "local_id", localID, "message_id", confirmed.ID)
	}
	s.notify(Event{Kind: EventMessages})
}

// emitTyping sends a typing frame, best effort: typing presence is
// ephemeral so a lost frame is not an error.
func (s *Session) emitTyping(isTyping bool) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()

	if err := s.sendFrame(ctx, v1.TypeTyping, v1.TypingSendPayload{IsTyping: isTyping}); err != nil {
		s.log.Debug("session.typing.drop", "is_typing", isTyping, "err", err)
	}
}

func (s *Session) sendFrame(ctx context.Context, typ string, payload any) error {
	if !s.limiter.Allow(s.now()) {
		return fmt.Errorf("%w: outbound rate exceeded", ErrNotConnected)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	id, err := NewEnvelopeID(s.now())
	if err != nil {
		return err
	}

	return s.transport.Send(ctx, v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      s.now(),
		Payload: raw,
	})
}

// notify pushes a change notification without ever blocking the session
// loop. A full buffer drops the notification; subscribers re-read
// snapshots so drops coalesce rather than lose state. The mutex is held
// across the send so no notification can race the channel close in Close.
func (s *Session) notify(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.events <- ev:
	default:
	}
}
