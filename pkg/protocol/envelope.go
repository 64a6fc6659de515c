package protocol

import (
	"time"

	"github.com/google/uuid"
)

// Envelope protocols answered by the serve runtime.
const ProtocolAgentStatus = "agent.status.v1"

// AuthorityLevel gates what an envelope's sender may ask for. Advisory today.
type AuthorityLevel string

const (
	AuthorityNone     AuthorityLevel = "None"
	AuthorityReadOnly AuthorityLevel = "ReadOnly"
	AuthorityLimited  AuthorityLevel = "Limited"
	AuthorityStandard AuthorityLevel = "Standard"
	AuthorityElevated AuthorityLevel = "Elevated"
	AuthorityAdmin    AuthorityLevel = "Admin"
)

// AuditInfo carries caller attribution on an envelope. Envelopes with a
// non-empty tag list are mirrored to the audit stream.
type AuditInfo struct {
	UserID    string   `json:"user_id,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	IPAddress string   `json:"ip_address,omitempty"`
	UserAgent string   `json:"user_agent,omitempty"`
	Tags      []string `json:"tags"`
}

// Envelope is the header of one point-to-point agent message. The payload
// travels alongside it in a second stream field.
type Envelope struct {
	MessageID         string         `json:"message_id"`
	CorrelationID     string         `json:"correlation_id"`
	Sender            string         `json:"sender"`
	Recipient         string         `json:"recipient"`
	Protocol          string         `json:"protocol"`
	Verb              string         `json:"verb"`
	Timestamp         time.Time      `json:"timestamp"`
	ResourceLimits    ResourceLimits `json:"resource_limits"`
	AuthorityRequired AuthorityLevel `json:"authority_required"`
	Audit             AuditInfo      `json:"audit"`
	Priority          int            `json:"priority"`
	Deadline          *time.Time     `json:"deadline,omitempty"`
}

// NewEnvelope returns an envelope for one protocol verb with a fresh message
// id, correlation defaulting to the message id, and standard limits.
func NewEnvelope(protocolName, verb string) Envelope {
	id := uuid.NewString()
	return Envelope{
		MessageID:         id,
		CorrelationID:     id,
		Protocol:          protocolName,
		Verb:              verb,
		Timestamp:         time.Now().UTC(),
		ResourceLimits:    DefaultResourceLimits(),
		AuthorityRequired: AuthorityNone,
		Priority:          5,
	}
}

// WithCorrelation ties the envelope to an existing workflow.
func (e Envelope) WithCorrelation(id string) Envelope {
	e.CorrelationID = id
	return e
}

// From sets the sending agent.
func (e Envelope) From(sender string) Envelope {
	e.Sender = sender
	return e
}

// To sets the receiving agent.
func (e Envelope) To(recipient string) Envelope {
	e.Recipient = recipient
	return e
}
