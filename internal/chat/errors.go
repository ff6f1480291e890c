package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when a frame send is attempted while the
	// channel is not Open. Recoverable: callers fall back to the REST path.
	ErrNotConnected = errors.New("channel not connected")

	// ErrSendFailed is returned when both delivery paths failed. The
	// optimistic record stays in the store marked Failed.
	ErrSendFailed = errors.New("send failed on both paths")

	// ErrReconcileMiss is returned when a confirmation arrives for a local
	// id the store no longer tracks. Non-fatal bookkeeping gap; the
	// confirmed record is appended instead.
	ErrReconcileMiss = errors.New("no pending record for reconciliation")

	// ErrHistoryUnavailable is returned when the initial history load fails.
	// The session still opens in live-only degraded mode.
	ErrHistoryUnavailable = errors.New("history unavailable")

	// ErrCredentialExpired is fatal to a session and must propagate to the
	// authentication collaborator instead of being retried silently.
	ErrCredentialExpired = errors.New("credential expired")

	// ErrInvalidInput is returned for empty or whitespace-only content,
	// before any state mutation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrSessionBusy is returned when a conversation already has an open
	// session. Overlapping opens are rejected, not serialized.
	ErrSessionBusy = errors.New("session already open for conversation")

	// ErrSessionClosed is returned for operations on a torn-down session.
	ErrSessionClosed = errors.New("session closed")
)

// SendError carries per-message failure detail for a failed send.
type SendError struct {
	LocalID string
	Channel error
	Rest    error
}

func (e SendError) Error() string {
	return fmt.Sprintf("%s: local_id=%s channel=%v rest=%v",
		ErrSendFailed.Error(), e.LocalID, e.Channel, e.Rest)
}

func (e SendError) Unwrap() error { return ErrSendFailed }
