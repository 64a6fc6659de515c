package chat

import (
	"fmt"
	"strings"
)

// Routing targets and command tags recorded in the ActPhase activity.
const (
	targetLogDisplay = "log-display-agent"
	targetSecurity   = "security-agent"

	commandLogStreaming = "log_streaming"
	commandLogQuery     = "log_query"
	commandGeneralQuery = "general_query"
)

// route is the classification outcome for one command.
type route struct {
	Target      string
	CommandType string
	Streaming   bool
}

// classify maps one lowercased command to its downstream agent. Streaming
// and filter commands go to the log display agent with streaming enabled;
// anything that looks like a log question, and everything else, goes to
// the security agent.
func classify(lower string) route {
	switch {
	case isStreamingCommand(lower) || isFilterCommand(lower):
		return route{Target: targetLogDisplay, CommandType: commandLogStreaming, Streaming: true}
	case isLogQuery(lower):
		return route{Target: targetSecurity, CommandType: commandLogQuery}
	default:
		return route{Target: targetSecurity, CommandType: commandGeneralQuery}
	}
}

func isStreamingCommand(q string) bool {
	return (strings.Contains(q, "streaming") && strings.Contains(q, "logs")) ||
		(strings.Contains(q, "stream") && strings.Contains(q, "logs")) ||
		strings.Contains(q, "real-time logs") ||
		strings.Contains(q, "live logs") ||
		(strings.Contains(q, "show") && strings.Contains(q, "streaming"))
}

func isFilterCommand(q string) bool {
	return strings.Contains(q, "filter") ||
		strings.Contains(q, "only show") ||
		strings.Contains(q, "only") ||
		(strings.Contains(q, "logs") && (strings.Contains(q, "by") || strings.Contains(q, "from")))
}

func isLogQuery(q string) bool {
	return strings.Contains(q, "log") ||
		strings.Contains(q, "error") ||
		strings.Contains(q, "show me") ||
		strings.Contains(q, "what happened") ||
		strings.Contains(q, "auth") ||
		strings.Contains(q, "security") ||
		strings.Contains(q, "login")
}

// confirmation builds the short acknowledgement returned instead of the
// downstream payload, keyed off the lowercased command text.
func confirmation(lower, target string) string {
	switch {
	case strings.Contains(lower, "streaming"):
		return "✅ Log streaming command sent to Log Analysis Agent"
	case strings.Contains(lower, "filter"):
		return "✅ Log filter command sent to Log Analysis Agent"
	case strings.Contains(lower, "log"):
		return "✅ Log query sent to Security Agent"
	default:
		return fmt.Sprintf("✅ Command routed to %s", target)
	}
}
