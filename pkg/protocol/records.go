package protocol

import "time"

// AgentRequest is the canonical record on the request stream. Every producer
// (bridge relay, chat router, CLI) appends this shape; the dispatch loop is
// the only consumer.
type AgentRequest struct {
	RequestID string    `json:"request_id"`
	AgentType string    `json:"agent_type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	RoutedBy  string    `json:"routed_by,omitempty"` // set when another agent forwarded the request
}

// AgentResponse is the canonical record on the response stream. Exactly one
// response is produced per request id.
type AgentResponse struct {
	RequestID string    `json:"request_id"`
	AgentType string    `json:"agent_type"`
	Response  string    `json:"response"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentActivity is one entry in the append-only audit trail on the activity
// stream. All entries emitted during one workflow execution share one
// correlation id.
type AgentActivity struct {
	AgentID       string         `json:"agent_id"`
	AgentType     string         `json:"agent_type"`
	ActivityType  ActivityType   `json:"activity_type"`
	Timestamp     time.Time      `json:"timestamp"`
	Details       map[string]any `json:"details"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// StreamData is the side-channel record the log analysis agent appends to the
// response stream when a streaming session starts. It carries no
// response/success fields; response-stream scanners must tolerate entries of
// this shape.
type StreamData struct {
	RequestID    string            `json:"request_id"`
	AgentType    string            `json:"agent_type"`
	ResponseType string            `json:"response_type"`
	Timestamp    time.Time         `json:"timestamp"`
	Logs         []StreamLogRecord `json:"logs"`
}

// StreamLogRecord is one display line inside a StreamData push.
type StreamLogRecord struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Level         string    `json:"level"`
	Service       string    `json:"service"`
	Category      string    `json:"category"`
	Message       string    `json:"message"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	StreamType    string    `json:"stream_type,omitempty"`
}

// ResponseTypeLogStream marks StreamData pushes on the response stream.
const ResponseTypeLogStream = "log_stream_data"
