package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// CognitivePattern is a descriptive tag on an agent's reasoning style. No
// negotiation logic consumes it.
type CognitivePattern string

const (
	PatternCritical   CognitivePattern = "Critical"
	PatternDivergent  CognitivePattern = "Divergent"
	PatternConvergent CognitivePattern = "Convergent"
	PatternSystems    CognitivePattern = "Systems"
	PatternLateral    CognitivePattern = "Lateral"
	PatternAdaptive   CognitivePattern = "Adaptive"
)

// Capability is one declared protocol an agent speaks, descriptive only.
type Capability struct {
	Protocol    string `json:"protocol"` // full capability string, e.g. "security.logs.query.v1"
	Version     string `json:"version"`
	Description string `json:"description"`
}

// ResourceLimits bounds one agent execution. Advisory today.
type ResourceLimits struct {
	MaxTimeMS     int64   `json:"max_time_ms"`
	MaxMemoryMB   int64   `json:"max_memory_mb"`
	MaxCPUPercent float64 `json:"max_cpu_percent"`
	MaxQueries    int64   `json:"max_queries"`
}

// DefaultResourceLimits returns the standard per-execution bounds.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		MaxTimeMS:     5000,
		MaxMemoryMB:   100,
		MaxCPUPercent: 25.0,
		MaxQueries:    100,
	}
}

// AgentInfo is an agent's identity record, created once at construction.
// Status is mutated only by lifecycle methods.
type AgentInfo struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	CognitivePattern CognitivePattern `json:"cognitive_pattern"`
	Capabilities     []Capability     `json:"capabilities"`
	ResourceLimits   ResourceLimits   `json:"resource_limits"`
	CreatedAt        time.Time        `json:"created_at"`
	Status           AgentStatus      `json:"status"`
}

// Protocols returns the capability strings the agent advertises.
func (i AgentInfo) Protocols() []string {
	out := make([]string, len(i.Capabilities))
	for n, c := range i.Capabilities {
		out[n] = c.Protocol
	}
	return out
}

// RegistryRecord is the value stored under agent:registry:<id>.
type RegistryRecord struct {
	ID           string    `json:"id"`
	Capabilities []string  `json:"capabilities"`
	RegisteredAt time.Time `json:"registered_at"`
	Status       string    `json:"status"`
}

// AgentStatus is an agent's lifecycle state. Unit states serialize as bare
// strings ("Active"); the error state serializes as {"Error":"reason"}.
// Initializing moves to Active on initialize and Suspended on shutdown;
// Error is non-fatal to the process and surfaced via health checks.
type AgentStatus struct {
	state  string
	reason string
}

// Lifecycle states.
var (
	StatusInitializing = AgentStatus{state: "Initializing"}
	StatusActive       = AgentStatus{state: "Active"}
	StatusIdle         = AgentStatus{state: "Idle"}
	StatusProcessing   = AgentStatus{state: "Processing"}
	StatusLearning     = AgentStatus{state: "Learning"}
	StatusSuspended    = AgentStatus{state: "Suspended"}
)

// StatusError returns the error state carrying a reason.
func StatusError(reason string) AgentStatus {
	return AgentStatus{state: "Error", reason: reason}
}

// IsError reports whether s is the error state.
func (s AgentStatus) IsError() bool { return s.state == "Error" }

// Reason returns the error reason, empty for unit states.
func (s AgentStatus) Reason() string { return s.reason }

// String renders the state name, with the reason appended for errors.
func (s AgentStatus) String() string {
	if s.state == "Error" {
		return fmt.Sprintf("Error(%s)", s.reason)
	}
	return s.state
}

type errorStatus struct {
	Error string `json:"Error"`
}

// MarshalJSON implements json.Marshaler.
func (s AgentStatus) MarshalJSON() ([]byte, error) {
	if s.state == "Error" {
		return json.Marshal(errorStatus{Error: s.reason})
	}
	return json.Marshal(s.state)
}

// UnmarshalJSON implements json.Unmarshaler, accepting both shapes.
func (s *AgentStatus) UnmarshalJSON(data []byte) error {
	var state string
	if err := json.Unmarshal(data, &state); err == nil {
		s.state = state
		s.reason = ""
		return nil
	}
	var e errorStatus
	if err := json.Unmarshal(data, &e); err != nil {
		return fmt.Errorf("agent status: unrecognized shape %s", data)
	}
	s.state = "Error"
	s.reason = e.Error
	return nil
}
