package chat

import (
	"sort"
	"sync"
	"time"
)

// MessageStore is the ordered, deduplicated per-conversation message log.
// It is the single source of truth the UI renders from.
//
// Concurrency guarantees:
//   - all mutations and reads are serialized by an internal mutex;
//   - Messages returns a snapshot copy, never the backing slice.
//
// Ordering invariants:
//   - the sequence is monotonically non-decreasing in SentAt;
//   - a record never changes position once confirmed, it only morphs from
//     Pending to a terminal delivery state.
type MessageStore struct {
	mu      sync.Mutex
	msgs    []Message
	byID    map[string]int
	byLocal map[string]int
}

// NewMessageStore constructs an empty store.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		byID:    make(map[string]int),
		byLocal: make(map[string]int),
	}
}

// Len returns the number of records.
func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

// Messages returns a snapshot of the sequence in display order.
func (s *MessageStore) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// SeedHistory loads the initial history page set into an empty store.
// Input may be in any order; it is sorted by SentAt before indexing.
func (s *MessageStore) SeedHistory(history []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.msgs = s.msgs[:0]
	for _, m := range history {
		if m.ID == "" {
			continue
		}
		if _, ok := s.byID[m.ID]; ok {
			continue
		}
		s.byID[m.ID] = -1 // position fixed below
		s.msgs = append(s.msgs, m)
	}

	sort.SliceStable(s.msgs, func(i, j int) bool {
		if s.msgs[i].SentAt.Equal(s.msgs[j].SentAt) {
			return s.msgs[i].ID < s.msgs[j].ID
		}
		return s.msgs[i].SentAt.Before(s.msgs[j].SentAt)
	})
	s.reindexFrom(0)
}

// AppendInbound inserts a confirmed message at the position consistent with
// SentAt ordering. Redelivery of an already-applied server id is a no-op
// (the channel may redeliver across a reconnect). Returns true when the
// record was actually inserted.
func (s *MessageStore) AppendInbound(m Message) bool {
	if m.ID == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[m.ID]; ok {
		return false
	}
	if m.Delivery == "" || m.Delivery == DeliveryPending {
		m.Delivery = DeliverySent
	}

	s.insertOrdered(m)
	return true
}

// AppendOptimistic inserts a Pending message at the tail of the sequence.
// SentAt is the local clock, clamped so the ordering invariant holds even
// when the local clock trails the last server timestamp.
func (s *MessageStore) AppendOptimistic(convID ConversationID, content, localID, senderID string, now time.Time) Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.msgs); n > 0 && now.Before(s.msgs[n-1].SentAt) {
		now = s.msgs[n-1].SentAt
	}

	m := Message{
		LocalID:        localID,
		ConversationID: convID,
		SenderID:       senderID,
		Content:        content,
		SentAt:         now,
		Delivery:       DeliveryPending,
		IsOwn:          true,
	}

	s.msgs = append(s.msgs, m)
	s.byLocal[localID] = len(s.msgs) - 1
	return m
}

// Reconcile replaces the Pending record matching localID with the confirmed
// record, in place: the index never changes, only the record's identity and
// delivery state. When no matching Pending record exists the confirmed
// record is appended with AppendInbound semantics and ErrReconcileMiss is
// returned (non-fatal, callers log it).
func (s *MessageStore) Reconcile(localID string, confirmed Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.byLocal[localID]
	// Failed records are still reconcilable: a late fallback confirmation
	// upgrades them instead of duplicating the message.
	reconcilable := ok && pos < len(s.msgs) &&
		(s.msgs[pos].Delivery == DeliveryPending || s.msgs[pos].Delivery == DeliveryFailed)
	if !reconcilable {
		if confirmed.ID != "" {
			if _, dup := s.byID[confirmed.ID]; !dup {
				if confirmed.Delivery == "" || confirmed.Delivery == DeliveryPending {
					confirmed.Delivery = DeliverySent
				}
				s.insertOrdered(confirmed)
			}
		}
		return ErrReconcileMiss
	}

	// The confirmed record may already be present when the broadcast frame
	// raced the confirmation. Keep the existing confirmed copy and retire
	// the Pending record to preserve the one-record-per-id invariant.
	if confirmed.ID != "" {
		if _, dup := s.byID[confirmed.ID]; dup {
			s.removeAt(pos)
			delete(s.byLocal, localID)
			return nil
		}
	}

	prev := s.msgs[pos]
	if confirmed.Delivery == "" || confirmed.Delivery == DeliveryPending {
		confirmed.Delivery = DeliverySent
	}
	confirmed.LocalID = localID
	confirmed.IsOwn = prev.IsOwn
	if confirmed.ConversationID == "" {
		confirmed.ConversationID = prev.ConversationID
	}

	// Position wins over the server timestamp: clamp SentAt between the
	// neighbors so the record keeps its slot without breaking monotonicity.
	if pos > 0 && confirmed.SentAt.Before(s.msgs[pos-1].SentAt) {
		confirmed.SentAt = s.msgs[pos-1].SentAt
	}
	if pos+1 < len(s.msgs) && confirmed.SentAt.After(s.msgs[pos+1].SentAt) {
		confirmed.SentAt = s.msgs[pos+1].SentAt
	}

	s.msgs[pos] = confirmed
	delete(s.byLocal, localID)
	if confirmed.ID != "" {
		s.byID[confirmed.ID] = pos
	}
	return nil
}

// MarkFailed transitions a Pending record to Failed. Failed records remain
// visible so the UI can offer resend. Returns false when localID does not
// name a Pending record.
func (s *MessageStore) MarkFailed(localID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.byLocal[localID]
	if !ok || pos >= len(s.msgs) || s.msgs[pos].Delivery != DeliveryPending {
		return false
	}
	s.msgs[pos].Delivery = DeliveryFailed
	return true
}

// OldestPending returns the local id of the oldest Pending record from the
// given sender with the given content. It is the correlation fallback when
// a confirmation frame carries no client_msg_id echo.
func (s *MessageStore) OldestPending(senderID, content string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.msgs {
		if m.Delivery == DeliveryPending && m.SenderID == senderID && m.Content == content {
			return m.LocalID, true
		}
	}
	return "", false
}

// ---- internal ----

// insertOrdered places m at the position consistent with SentAt ordering.
// Append is the common case; a reordered frame (reconnect race) walks back
// to its slot. Equal timestamps keep arrival order.
func (s *MessageStore) insertOrdered(m Message) {
	n := len(s.msgs)
	if n == 0 || !m.SentAt.Before(s.msgs[n-1].SentAt) {
		s.msgs = append(s.msgs, m)
		s.byID[m.ID] = n
		return
	}

	at := sort.Search(n, func(i int) bool { return s.msgs[i].SentAt.After(m.SentAt) })
	s.msgs = append(s.msgs, Message{})
	copy(s.msgs[at+1:], s.msgs[at:])
	s.msgs[at] = m
	s.reindexFrom(at)
}

// removeAt deletes the record at pos. Only used to retire a Pending record
// whose confirmed twin is already in the sequence.
func (s *MessageStore) removeAt(pos int) {
	m := s.msgs[pos]
	if m.ID != "" {
		delete(s.byID, m.ID)
	}
	s.msgs = append(s.msgs[:pos], s.msgs[pos+1:]...)
	s.reindexFrom(pos)
}

// reindexFrom rebuilds position indexes for records at or after start.
func (s *MessageStore) reindexFrom(start int) {
	for i := start; i < len(s.msgs); i++ {
		m := s.msgs[i]
		if m.ID != "" {
			s.byID[m.ID] = i
		}
		if m.LocalID != "" {
			if _, ok := s.byLocal[m.LocalID]; ok {
				s.byLocal[m.LocalID] = i
			}
		}
	}
}
