package chat

import "time"

// Policy constants for the session runtime.
// Overridable knobs are surfaced through TransportConfig / SessionConfig;
// the values here are the defaults.
const (
	// Max bytes per channel frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max message content length (runes).
	maxMessageChars = 4000
)

const (
	// Reconnect backoff. The reference client retried every 3s forever; we
	// keep 3s as the base but cap a doubling backoff at 30s so a flapping
	// network does not hammer the server. Retries continue until explicit
	// close.
	defaultBackoffBase = 3 * time.Second
	defaultBackoffCap  = 30 * time.Second

	// Handshake must complete within this bound or the attempt counts as
	// failed and enters the backoff loop.
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

const (
	// TypingTTL is how long an inbound typing assertion stays live without
	// a refresh. Senders re-assert every quiet period (2s); the tracker TTL
	// is slightly longer to tolerate one missed frame.
	defaultTypingTTL = 3 * time.Second

	// TypingQuiet is the local debounce window: after the first keystroke
	// no further typing:true frames are emitted until this much idle time
	// has passed, at which point typing:false goes out.
	defaultTypingQuiet = 2 * time.Second

	// How often the session loop sweeps expired typing entries.
	defaultPresenceSweep = 500 * time.Millisecond
)

const (
	// History paging.
	defaultHistoryPageSize = 50
	maxHistoryPages        = 20

	// Per-session outbound frame budget (events per window). Protects the
	// server from pathological keystroke storms that slip past debouncing.
	outboundRateEvents = 120
	outboundRateWindow = 10 * time.Second
)
