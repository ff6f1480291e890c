package app

import "time"

// Config contains all runtime configuration loaded from environment
// variables.
type Config struct {
	// APIBase is the REST API root, e.g. "https://host/api".
	APIBase string
	// WSBase is the channel endpoint root, e.g. "wss://host".
	WSBase string

	// Token is the bearer credential. Issuance and refresh live outside
	// this client; an empty token fails fast at session open.
	Token string
	// SelfID is the authenticated participant id.
	SelfID string

	// Conversation to open at startup.
	Conversation string

	LogLevel  string
	LogPretty bool

	// MetricsAddr serves Prometheus metrics when non-empty.
	MetricsAddr string

	HistoryPageSize int
	TypingQuiet     time.Duration
	TypingTTL       time.Duration
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		APIBase: EnvString("MURMUR_API_BASE", "http://127.0.0.1:8000/api"),
		WSBase:  EnvString("MURMUR_WS_BASE", "ws://127.0.0.1:8000"),

		Token:  EnvString("MURMUR_TOKEN", ""),
		SelfID: EnvString("MURMUR_SELF_ID", ""),

		Conversation: EnvString("MURMUR_CONVERSATION", ""),

		LogLevel:  EnvString("MURMUR_LOG_LEVEL", "info"),
		LogPretty: EnvBool("MURMUR_LOG_PRETTY", true),

		MetricsAddr: EnvString("MURMUR_METRICS_ADDR", ""),

		HistoryPageSize: EnvInt("MURMUR_HISTORY_PAGE_SIZE", 50),
		TypingQuiet:     EnvDuration("MURMUR_TYPING_QUIET", 2*time.Second),
		TypingTTL:       EnvDuration("MURMUR_TYPING_TTL", 3*time.Second),
	}
}
