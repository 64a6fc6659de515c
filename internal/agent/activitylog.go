package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/agentrun/pkg/protocol"
)

// ActivitySink is the slice of the message bus the activity logger writes
// through.
type ActivitySink interface {
	AppendActivity(ctx context.Context, activity protocol.AgentActivity) (string, error)
	PushLog(ctx context.Context, entry protocol.LogEntry) error
	PublishJSON(ctx context.Context, channel string, v any) error
}

// ActivityLogger records agent activities three ways: the append-only
// activity stream, the live log channels, and a human-readable mirror
// entry in the capped log lists. Recording is best effort; a bus failure
// is logged and never fails the request being processed.
type ActivityLogger struct {
	sink      ActivitySink
	agentID   string
	agentType string
}

func NewActivityLogger(sink ActivitySink, agentID, agentType string) *ActivityLogger {
	return &ActivityLogger{sink: sink, agentID: agentID, agentType: agentType}
}

// Log records an activity with no correlation id.
func (l *ActivityLogger) Log(ctx context.Context, activityType protocol.ActivityType, details map[string]any) {
	l.LogCorrelated(ctx, activityType, details, "")
}

// LogCorrelated records an activity tied to one workflow execution. All
// activities of one execution share the same correlation id.
func (l *ActivityLogger) LogCorrelated(ctx context.Context, activityType protocol.ActivityType, details map[string]any, correlationID string) {
	if details == nil {
		details = map[string]any{}
	}
	activity := protocol.AgentActivity{
		AgentID:       l.agentID,
		AgentType:     l.agentType,
		ActivityType:  activityType,
		Timestamp:     time.Now().UTC(),
		Details:       details,
		CorrelationID: correlationID,
	}

	if _, err := l.sink.AppendActivity(ctx, activity); err != nil {
		slog.Warn("activity append failed", "agent", l.agentID, "activity", activityType.Name(), "error", err)
	}

	for _, channel := range []string{protocol.ChannelLogStream, protocol.AgentChannel(l.agentID)} {
		if err := l.sink.PublishJSON(ctx, channel, activity); err != nil {
			slog.Warn("activity publish failed", "agent", l.agentID, "channel", channel, "error", err)
		}
	}

	entry := protocol.LogEntry{
		ID:            uuid.NewString(),
		Timestamp:     activity.Timestamp,
		Level:         protocol.LevelInfo,
		Category:      protocol.CategoryAgent,
		Message:       fmt.Sprintf("%s: %s", l.agentID, activityType),
		Service:       l.agentType,
		Data:          details,
		CorrelationID: correlationID,
	}
	if err := l.sink.PushLog(ctx, entry); err != nil {
		slog.Warn("activity mirror push failed", "agent", l.agentID, "error", err)
	}
}
