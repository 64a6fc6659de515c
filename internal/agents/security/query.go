package security

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ledgerline/agentrun/internal/mrap"
	"github.com/ledgerline/agentrun/pkg/protocol"
)

// QueryRequest is a parsed log query. Empty strings mean the filter is
// unset.
type QueryRequest struct {
	Query     string
	Limit     int
	Category  string
	Level     string
	TimeRange string
}

// QueryResponse is the payload produced by one query execution.
type QueryResponse struct {
	Summary    string      `json:"summary"`
	Logs       []LogRecord `json:"logs"`
	TotalCount int         `json:"total_count"`
	Insights   []string    `json:"insights"`
}

// LogRecord is one display-ready entry inside a QueryResponse.
type LogRecord struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Category  string `json:"category"`
	Message   string `json:"message"`
	Service   string `json:"service"`
}

// parseQuery maps free text to a filter using plain substring rules on the
// lowercased query. "all" dominates any numeric limit; the first matching
// category keyword wins.
func parseQuery(query string) QueryRequest {
	lower := strings.ToLower(query)

	limit := 100
	if strings.Contains(lower, "all") {
		limit = 1000
	} else if strings.Contains(lower, "last") {
		if n, ok := numberAfterLast(lower); ok {
			limit = n
		}
	}

	var category string
	switch {
	case strings.Contains(lower, "auth"):
		category = "AUTH"
	case strings.Contains(lower, "error"):
		category = "ERROR"
	case strings.Contains(lower, "security"):
		category = "SECURITY"
	case strings.Contains(lower, "chat"):
		category = "CHAT"
	}

	var level string
	switch {
	case strings.Contains(lower, "error"), strings.Contains(lower, "critical"):
		level = "error"
	case strings.Contains(lower, "warn"):
		level = "warn"
	case strings.Contains(lower, "info"):
		level = "info"
	}

	var timeRange string
	switch {
	case strings.Contains(lower, "today"):
		timeRange = "today"
	case strings.Contains(lower, "hour"):
		timeRange = "1h"
	case strings.Contains(lower, "minute"):
		timeRange = "5m"
	}

	return QueryRequest{
		Query:     query,
		Limit:     limit,
		Category:  category,
		Level:     level,
		TimeRange: timeRange,
	}
}

// numberAfterLast returns the first integer word following a "last" word.
func numberAfterLast(text string) (int, bool) {
	words := strings.Fields(text)
	for i, word := range words {
		if word == "last" && i+1 < len(words) {
			if n, err := strconv.Atoi(words[i+1]); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

// backingKey selects the list a filter reads: category beats level beats
// the unfiltered list.
func backingKey(request QueryRequest) string {
	switch {
	case request.Category != "":
		return protocol.CategoryKey(request.Category)
	case request.Level != "":
		return protocol.LevelKey(request.Level)
	default:
		return protocol.ListLogsAll
	}
}

// fetchLogs reads and decodes up to Limit entries from the filter's backing
// list. Entries that are not JSON objects are skipped; missing fields
// default to empty, except service which defaults to "api-gateway".
func (a *Agent) fetchLogs(ctx context.Context, request QueryRequest) ([]LogRecord, error) {
	entries, err := a.bus.RecentLogs(ctx, backingKey(request), int64(request.Limit))
	if err != nil {
		return nil, err
	}

	logs := make([]LogRecord, 0, len(entries))
	for _, raw := range entries {
		var fields map[string]any
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			continue
		}
		logs = append(logs, LogRecord{
			Timestamp: stringField(fields, "timestamp", ""),
			Level:     stringField(fields, "level", ""),
			Category:  stringField(fields, "category", ""),
			Message:   stringField(fields, "message", ""),
			Service:   stringField(fields, "service", "api-gateway"),
		})
	}
	return logs, nil
}

func stringField(fields map[string]any, key, fallback string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}
	return fallback
}

func orNone(v string) string {
	if v == "" {
		return "none"
	}
	return v
}

// queryLoop runs one query through the four phases. It borrows the agent
// for bus access, activity logging, and pattern learning.
type queryLoop struct {
	agent         *Agent
	query         string
	correlationID string
}

func (l *queryLoop) Monitor(ctx context.Context) (map[string]any, error) {
	l.agent.activity.LogCorrelated(ctx, protocol.ActivityMonitorPhase, map[string]any{
		"phase": "monitor",
		"query": l.query,
	}, l.correlationID)

	totalLogs := l.agent.listDepth(ctx, protocol.ListLogsAll)
	errorCount := l.agent.listDepth(ctx, protocol.LevelKey("error"))
	authCount := l.agent.listDepth(ctx, protocol.CategoryKey("auth"))
	slog.Debug("monitor phase", "total_logs", totalLogs)

	return map[string]any{
		"total_logs":  totalLogs,
		"error_count": errorCount,
		"auth_count":  authCount,
		"query":       l.query,
	}, nil
}

func (l *queryLoop) Reason(ctx context.Context, monitorData map[string]any) (*mrap.ReasoningResult, error) {
	l.agent.activity.LogCorrelated(ctx, protocol.ActivityReasonPhase, map[string]any{
		"phase":        "reason",
		"monitor_data": monitorData,
	}, l.correlationID)

	request := parseQuery(l.query)
	decision := fmt.Sprintf("Fetch %d logs with category=%s, level=%s, time=%s",
		request.Limit, orNone(request.Category), orNone(request.Level), orNone(request.TimeRange))

	// Log queries are read-only
	reasoning := &mrap.ReasoningResult{
		Decision:       decision,
		Confidence:     0.95,
		Alternatives:   []string{"Show all logs", "Show only errors"},
		RiskAssessment: mrap.RiskLow,
	}

	l.agent.activity.LogCorrelated(ctx, protocol.ActivityDecisionMade, map[string]any{
		"decision":   decision,
		"confidence": reasoning.Confidence,
		"risk_level": string(reasoning.RiskAssessment),
	}, l.correlationID)
	return reasoning, nil
}

func (l *queryLoop) Act(ctx context.Context, _ *mrap.ReasoningResult) (*mrap.ActionRecord, error) {
	l.agent.activity.LogCorrelated(ctx, protocol.ActivityActPhase, map[string]any{
		"phase":  "act",
		"action": "fetch_logs",
	}, l.correlationID)

	start := time.Now()
	request := parseQuery(l.query)

	l.agent.activity.LogCorrelated(ctx, protocol.ActivityActionTaken, map[string]any{
		"action_type": "fetch_logs",
		"query_params": map[string]any{
			"limit":      request.Limit,
			"category":   request.Category,
			"level":      request.Level,
			"time_range": request.TimeRange,
		},
	}, l.correlationID)

	logs, err := l.agent.fetchLogs(ctx, request)
	if err != nil {
		return nil, err
	}

	summary := "No logs found matching your query."
	if len(logs) > 0 {
		summary = fmt.Sprintf("Found %d log entries matching your query.", len(logs))
	}

	display := logs
	if len(display) > displayLogs {
		display = display[:displayLogs]
	}
	response := QueryResponse{
		Summary:    summary,
		Logs:       display,
		TotalCount: len(logs),
		Insights:   []string{}, // filled in by Reflect
	}
	result, err := json.Marshal(response)
	if err != nil {
		return nil, err
	}

	record := &mrap.ActionRecord{
		Action: "fetch_logs",
		Parameters: map[string]any{
			"query":    l.query,
			"limit":    request.Limit,
			"category": request.Category,
			"level":    request.Level,
		},
		Result:     result,
		Success:    true,
		DurationMS: time.Since(start).Milliseconds(),
	}

	l.agent.activity.LogCorrelated(ctx, protocol.ActivityResultRecorded, map[string]any{
		"success":     record.Success,
		"duration_ms": record.DurationMS,
		"logs_found":  response.TotalCount,
	}, l.correlationID)
	return record, nil
}

func (l *queryLoop) Reflect(ctx context.Context, state *mrap.State) ([]string, error) {
	success := state.ActionTaken != nil && state.ActionTaken.Success
	l.agent.activity.LogCorrelated(ctx, protocol.ActivityReflectPhase, map[string]any{
		"phase":        "reflect",
		"mrap_success": success,
	}, l.correlationID)

	insights := []string{}
	if !success {
		return insights, nil
	}
	action := state.ActionTaken

	// Pattern buckets match on the raw query, not the lowercased form
	bucket := "general"
	switch {
	case strings.Contains(l.query, "error"):
		bucket = "error"
	case strings.Contains(l.query, "auth"):
		bucket = "auth"
	}
	patternKey := "query_type_" + bucket
	l.agent.recordPattern(patternKey)

	if len(action.Result) > 0 {
		var response QueryResponse
		if err := json.Unmarshal(action.Result, &response); err == nil {
			if response.TotalCount > 100 {
				insights = append(insights, "High log volume detected - consider filtering by category or time range.")
			}
			errorCount := 0
			for _, log := range response.Logs {
				if strings.Contains(strings.ToLower(log.Level), "error") {
					errorCount++
				}
			}
			if errorCount > 10 {
				insights = append(insights, fmt.Sprintf("Found %d errors - investigation may be needed.", errorCount))
			}
		}
	}
	insights = append(insights, fmt.Sprintf("Query processed in %dms", action.DurationMS))

	l.agent.activity.LogCorrelated(ctx, protocol.CustomActivity("learning"), map[string]any{
		"pattern_learned":    patternKey,
		"insights_generated": len(insights),
		"insights":           insights,
	}, l.correlationID)
	return insights, nil
}
