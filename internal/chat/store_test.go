package chat

import (
	"errors"
	"testing"
	"time"
)

var storeEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func confirmedMsg(id, sender, content string, at time.Time) Message {
	return Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       sender,
		Content:        content,
		SentAt:         at,
		Delivery:       DeliverySent,
	}
}

func assertOrdered(t *testing.T, s *MessageStore) {
	t.Helper()
	msgs := s.Messages()
	for i := 1; i < len(msgs); i++ {
		if msgs[i].SentAt.Before(msgs[i-1].SentAt) {
			t.Fatalf("ordering violated at %d: %v before %v", i, msgs[i].SentAt, msgs[i-1].SentAt)
		}
	}
}

func TestAppendInboundIdempotent(t *testing.T) {
	t.Parallel()

	s := NewMessageStore()
	m := confirmedMsg("m1", "alice", "hi", storeEpoch)

	if !s.AppendInbound(m) {
		t.Fatalf("first append not applied")
	}
	before := s.Messages()

	// Redelivery across a reconnect must leave the store unchanged.
	if s.AppendInbound(m) {
		t.Fatalf("redelivery applied")
	}
	after := s.Messages()

	if len(before) != len(after) {
		t.Fatalf("length changed: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("record %d changed: %+v -> %+v", i, before[i], after[i])
		}
	}
}

func TestAppendInboundReordered(t *testing.T) {
	t.Parallel()

	s := NewMessageStore()
	s.AppendInbound(confirmedMsg("m1", "alice", "one", storeEpoch))
	s.AppendInbound(confirmedMsg("m3", "alice", "three", storeEpoch.Add(2*time.Second)))

	// A frame delayed across a reconnect race arrives out of order and
	// must land at the position consistent with SentAt.
	s.AppendInbound(confirmedMsg("m2", "bob", "two", storeEpoch.Add(time.Second)))

	msgs := s.Messages()
	want := []string{"m1", "m2", "m3"}
	if len(msgs) != len(want) {
		t.Fatalf("len=%d want=%d", len(msgs), len(want))
	}
	for i, id := range want {
		if msgs[i].ID != id {
			t.Fatalf("position %d: got=%s want=%s", i, msgs[i].ID, id)
		}
	}
	assertOrdered(t, s)
}

func TestAppendOptimisticClampsClock(t *testing.T) {
	t.Parallel()

	s := NewMessageStore()
	s.AppendInbound(confirmedMsg("m1", "alice", "hi", storeEpoch.Add(time.Minute)))

	// Local clock trails the last server timestamp; the pending record
	// must not break monotonic ordering.
	s.AppendOptimistic("c1", "hello", "L1", "me", storeEpoch)
	assertOrdered(t, s)

	msgs := s.Messages()
	if msgs[1].LocalID != "L1" || msgs[1].Delivery != DeliveryPending {
		t.Fatalf("tail record wrong: %+v", msgs[1])
	}
}

func TestReconcilePreservesPosition(t *testing.T) {
	t.Parallel()

	s := NewMessageStore()
	s.AppendInbound(confirmedMsg("m1", "alice", "hi", storeEpoch))
	s.AppendOptimistic("c1", "hello", "L1", "me", storeEpoch.Add(time.Second))

	confirmed := confirmedMsg("m2", "me", "hello", storeEpoch.Add(2*time.Second))
	if err := s.Reconcile("L1", confirmed); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	msgs := s.Messages()
	if len(msgs) != 2 {
		t.Fatalf("len=%d want=2", len(msgs))
	}
	got := msgs[1]
	if got.ID != "m2" || got.Delivery != DeliverySent {
		t.Fatalf("reconciled record wrong: %+v", got)
	}
	if got.LocalID != "L1" {
		t.Fatalf("local id dropped: %+v", got)
	}
	if !got.IsOwn {
		t.Fatalf("IsOwn lost on reconcile")
	}
	assertOrdered(t, s)
}

func TestReconcileKeepsSlotAgainstLaterArrivals(t *testing.T) {
	t.Parallel()

	s := NewMessageStore()
	s.AppendOptimistic("c1", "hello", "L1", "me", storeEpoch)
	// A peer message lands after the optimistic record.
	s.AppendInbound(confirmedMsg("m9", "bob", "yo", storeEpoch.Add(time.Second)))

	// Confirmation carries a timestamp past the peer message; the record
	// still may not jump position.
	confirmed := confirmedMsg("m2", "me", "hello", storeEpoch.Add(5*time.Second))
	if err := s.Reconcile("L1", confirmed); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	msgs := s.Messages()
	if msgs[0].ID != "m2" || msgs[1].ID != "m9" {
		t.Fatalf("positions changed: [%s %s]", msgs[0].ID, msgs[1].ID)
	}
	assertOrdered(t, s)
}

func TestReconcileMissFallsBackToAppend(t *testing.T) {
	t.Parallel()

	s := NewMessageStore()
	s.AppendInbound(confirmedMsg("m1", "alice", "hi", storeEpoch))

	err := s.Reconcile("unknown", confirmedMsg("m2", "me", "hello", storeEpoch.Add(time.Second)))
	if !errors.Is(err, ErrReconcileMiss) {
		t.Fatalf("err=%v want ErrReconcileMiss", err)
	}

	// The confirmed record must still be present (AppendInbound
	// semantics), exactly once.
	msgs := s.Messages()
	if len(msgs) != 2 || msgs[1].ID != "m2" {
		t.Fatalf("fallback append missing: %+v", msgs)
	}

	// Second miss with the same id stays a no-op.
	err = s.Reconcile("unknown", confirmedMsg("m2", "me", "hello", storeEpoch.Add(time.Second)))
	if !errors.Is(err, ErrReconcileMiss) {
		t.Fatalf("err=%v want ErrReconcileMiss", err)
	}
	if s.Len() != 2 {
		t.Fatalf("len=%d want=2", s.Len())
	}
}

func TestReconcileRetiresPendingWhenBroadcastWon(t *testing.T) {
	t.Parallel()

	s := NewMessageStore()
	s.AppendOptimistic("c1", "hello", "L1", "me", storeEpoch)

	// The broadcast frame for the same logical message raced ahead of the
	// confirmation and was appended as inbound.
	bcast := confirmedMsg("m2", "me", "hello", storeEpoch.Add(time.Second))
	s.AppendInbound(bcast)

	if err := s.Reconcile("L1", bcast); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	msgs := s.Messages()
	if len(msgs) != 1 || msgs[0].ID != "m2" {
		t.Fatalf("one-record-per-id invariant broken: %+v", msgs)
	}
}

func TestMarkFailedKeepsRecordVisible(t *testing.T) {
	t.Parallel()

	s := NewMessageStore()
	s.AppendOptimistic("c1", "x", "L2", "me", storeEpoch)

	if !s.MarkFailed("L2") {
		t.Fatalf("mark failed rejected")
	}
	msgs := s.Messages()
	if len(msgs) != 1 || msgs[0].Delivery != DeliveryFailed {
		t.Fatalf("failed record not visible: %+v", msgs)
	}

	// Failed is not Pending: double-fail is a no-op.
	if s.MarkFailed("L2") {
		t.Fatalf("second mark failed applied")
	}

	// A late confirmation still upgrades the failed record in place.
	if err := s.Reconcile("L2", confirmedMsg("m5", "me", "x", storeEpoch.Add(time.Second))); err != nil {
		t.Fatalf("reconcile after fail: %v", err)
	}
	msgs = s.Messages()
	if len(msgs) != 1 || msgs[0].ID != "m5" || msgs[0].Delivery != DeliverySent {
		t.Fatalf("late confirmation not applied: %+v", msgs)
	}
}

func TestOldestPending(t *testing.T) {
	t.Parallel()

	s := NewMessageStore()
	s.AppendOptimistic("c1", "same", "L1", "me", storeEpoch)
	s.AppendOptimistic("c1", "same", "L2", "me", storeEpoch.Add(time.Second))
	s.AppendOptimistic("c1", "other", "L3", "me", storeEpoch.Add(2*time.Second))

	local, ok := s.OldestPending("me", "same")
	if !ok || local != "L1" {
		t.Fatalf("got=%q ok=%v want=L1", local, ok)
	}

	if _, ok := s.OldestPending("someone", "same"); ok {
		t.Fatalf("matched wrong sender")
	}
	if _, ok := s.OldestPending("me", "missing"); ok {
		t.Fatalf("matched wrong content")
	}
}

func TestSeedHistorySortsAndDedupes(t *testing.T) {
	t.Parallel()

	s := NewMessageStore()
	s.SeedHistory([]Message{
		confirmedMsg("m3", "alice", "three", storeEpoch.Add(2*time.Second)),
		confirmedMsg("m1", "alice", "one", storeEpoch),
		confirmedMsg("m1", "alice", "one", storeEpoch),
		confirmedMsg("m2", "bob", "two", storeEpoch.Add(time.Second)),
	})

	msgs := s.Messages()
	want := []string{"m1", "m2", "m3"}
	if len(msgs) != len(want) {
		t.Fatalf("len=%d want=%d", len(msgs), len(want))
	}
	for i, id := range want {
		if msgs[i].ID != id {
			t.Fatalf("position %d: got=%s want=%s", i, msgs[i].ID, id)
		}
	}
	assertOrdered(t, s)
}
