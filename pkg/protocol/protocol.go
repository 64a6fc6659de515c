// Package protocol defines the wire format shared by the agent runtime, the
// dispatch loop, the bridge relay, and external bus clients: stream records,
// the activity audit trail, mirrored log entries, registry records, and the
// envelope layer for point-to-point agent messaging.
package protocol

import "strings"

// Stream names.
const (
	StreamRequests   = "agent:requests"
	StreamResponses  = "agent:responses"
	StreamActivities = "agent:activities"
)

// Durable log list and pub/sub channel names. Category and level keys share
// one naming scheme between lists and channels.
const (
	ListLogsAll      = "logs:all"
	ChannelLogStream = "logs:stream"
	ChannelLogsPanel = "ui:logs_panel"
)

// LogListCap is the maximum length of every durable log list. Lists are
// trimmed to this cap on every write.
const LogListCap = 10000

// Bridge relay consumer-group identity on the response stream.
const (
	BridgeGroup    = "spa_bridge_group"
	BridgeConsumer = "spa_bridge_consumer"
)

// CategoryKey returns the list/channel name for a log category,
// e.g. "logs:category:auth".
func CategoryKey(category string) string {
	return "logs:category:" + strings.ToLower(category)
}

// LevelKey returns the list/channel name for a log level,
// e.g. "logs:level:error".
func LevelKey(level string) string {
	return "logs:level:" + strings.ToLower(level)
}

// AgentChannel returns the per-agent pub/sub channel, e.g. "logs:agent:<id>".
func AgentChannel(agentID string) string {
	return "logs:agent:" + agentID
}

// RegistryKey returns the registry key holding one agent's record.
func RegistryKey(agentID string) string {
	return "agent:registry:" + agentID
}

// CapabilityKey returns the set key indexing agents by capability.
func CapabilityKey(capability string) string {
	return "agent:capability:" + capability
}

// EnvelopeStream returns the point-to-point stream for one recipient.
func EnvelopeStream(recipient string) string {
	return "agent:stream:" + recipient
}

// EnvelopeResponseStream returns the reply stream for one envelope.
func EnvelopeResponseStream(messageID string) string {
	return "agent:stream:response:" + messageID
}

// EnvelopeAuditStream mirrors audit-tagged envelopes.
const EnvelopeAuditStream = "agent:stream:audit"
