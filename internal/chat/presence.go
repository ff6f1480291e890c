package chat

import (
	"sort"
	"sync"
	"time"
)

// TypingSignal is one inbound typing-presence observation.
type TypingSignal struct {
	ConversationID ConversationID
	ParticipantID  string
	IsTyping       bool
	ObservedAt     time.Time
}

// TypingTracker derives the set of currently-typing participants from
// inbound signals. Entries self-expire TTL after the last assertion; an
// explicit isTyping=false removes immediately. Expiry is evaluated lazily
// on read, with the session loop running a short periodic sweep so stale
// indicators never linger much past one TTL.
type TypingTracker struct {
	mu      sync.Mutex
	ttl     time.Duration
	expires map[string]time.Time
}

// NewTypingTracker constructs a tracker. A non-positive ttl falls back to
// the default.
func NewTypingTracker(ttl time.Duration) *TypingTracker {
	if ttl <= 0 {
		ttl = defaultTypingTTL
	}
	return &TypingTracker{
		ttl:     ttl,
		expires: make(map[string]time.Time),
	}
}

// OnSignal applies one inbound typing signal.
// Returns true when the live set changed as observed at sig.ObservedAt.
func (t *TypingTracker) OnSignal(sig TypingSignal) bool {
	if sig.ParticipantID == "" {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !sig.IsTyping {
		if _, ok := t.expires[sig.ParticipantID]; !ok {
			return false
		}
		delete(t.expires, sig.ParticipantID)
		return true
	}

	exp, live := t.expires[sig.ParticipantID]
	live = live && exp.After(sig.ObservedAt)
	t.expires[sig.ParticipantID] = sig.ObservedAt.Add(t.ttl)
	return !live
}

// CurrentlyTyping returns the live, non-expired participant set at "now",
// sorted for deterministic rendering and tests.
func (t *TypingTracker) CurrentlyTyping(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []string
	for p, exp := range t.expires {
		if exp.After(now) {
			out = append(out, p)
			continue
		}
		delete(t.expires, p)
	}
	sort.Strings(out)
	return out
}

// Sweep drops expired entries and reports whether anything was removed.
// The session loop calls this on a short ticker to push updates to
// subscribers without waiting for the next read.
func (t *TypingTracker) Sweep(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	changed := false
	for p, exp := range t.expires {
		if !exp.After(now) {
			delete(t.expires, p)
			changed = true
		}
	}
	return changed
}
