package chat

import "time"

// ConversationID is an opaque stable identifier for a conversation.
type ConversationID string

// DeliveryState tracks a message's progress through the delivery pipeline.
type DeliveryState string

// Delivery states (wire-stable, also used by UI rendering).
const (
	// DeliveryPending means the message exists only locally and has no
	// server id yet.
	DeliveryPending DeliveryState = "pending"
	// DeliverySent means the server confirmed the message.
	DeliverySent DeliveryState = "sent"
	// DeliveryDelivered means the recipient's device acknowledged it.
	DeliveryDelivered DeliveryState = "delivered"
	// DeliveryRead means the recipient read it.
	DeliveryRead DeliveryState = "read"
	// DeliveryFailed means both delivery paths failed. Failed messages stay
	// visible so the UI can offer resend.
	DeliveryFailed DeliveryState = "failed"
)

// Terminal reports whether the state is past Pending.
func (s DeliveryState) Terminal() bool {
	return s != DeliveryPending
}

// Message is one chat message record.
//
// Invariants:
//   - a confirmed message has a non-empty ID and no LocalID requirement;
//   - a Pending message has an empty ID and exactly one LocalID;
//   - at most one record in a store carries a given server ID.
type Message struct {
	// ID is the server-assigned id, empty while Pending.
	ID string
	// LocalID stands in for ID on a not-yet-confirmed local message.
	LocalID string

	ConversationID ConversationID
	SenderID       string
	Content        string

	// SentAt is authoritative for ordering. For a Pending record it is the
	// local clock at append time, replaced on reconciliation.
	SentAt time.Time

	Delivery DeliveryState

	// IsOwn is derived at ingest: SenderID == the session participant.
	IsOwn bool
}

// Confirmed reports whether the message carries a server id.
func (m Message) Confirmed() bool { return m.ID != "" }

// ConversationSummary is one row of the conversation roster.
type ConversationSummary struct {
	ID           ConversationID
	Participant  string
	LastMessage  string
	LastActivity time.Time
	UnreadCount  int
}
