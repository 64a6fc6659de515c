package protocol

import "time"

// LogLevel values as they appear on the wire. List and channel suffixes use
// the lowercase form (see LevelKey).
type LogLevel string

const (
	LevelDebug    LogLevel = "Debug"
	LevelInfo     LogLevel = "Info"
	LevelWarn     LogLevel = "Warn"
	LevelError    LogLevel = "Error"
	LevelCritical LogLevel = "Critical"
)

// LogCategory values as they appear on the wire.
type LogCategory string

const (
	CategoryAuth        LogCategory = "Auth"
	CategoryAPI         LogCategory = "Api"
	CategoryChat        LogCategory = "Chat"
	CategoryWebSocket   LogCategory = "WebSocket"
	CategorySystem      LogCategory = "System"
	CategorySecurity    LogCategory = "Security"
	CategoryAgent       LogCategory = "Agent"
	CategoryError       LogCategory = "Error"
	CategoryPerformance LogCategory = "Performance"
)

// LogEntry is the human-readable mirror line pushed to the capped log lists
// and published on the log channels. Entries are append-only and never
// mutated or deleted individually.
type LogEntry struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	Level         LogLevel       `json:"level"`
	Category      LogCategory    `json:"category"`
	Message       string         `json:"message"`
	Service       string         `json:"service"`
	UserID        string         `json:"user_id,omitempty"`
	IPAddress     string         `json:"ip_address,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}
