// Package tracing records one span per dispatched request and one per MRAP
// phase. Spans are buffered in memory and periodically flushed to a bounded
// tail; an optional exporter (OpenTelemetry OTLP under the otel build tag)
// receives each flushed batch.
package tracing

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ledgerline/agentrun/internal/ring"
)

const (
	defaultFlushInterval = 5 * time.Second
	defaultBufferSize    = 1000
	tailSize             = 256
	errorMaxLen          = 500
)

// Span statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Span is one recorded unit of work.
type Span struct {
	ID            uuid.UUID
	TraceID       uuid.UUID // shared by all spans of one request
	Name          string    // e.g. "dispatch.request", "mrap.monitor"
	AgentType     string
	RequestID     string
	CorrelationID string
	StartTime     time.Time
	EndTime       time.Time
	DurationMS    int64
	Status        string
	Error         string
}

// SpanExporter is implemented by backends that receive flushed spans.
// Keeping this an interface lets the OTel dependency live in a sub-package
// compiled in only under the otel build tag.
type SpanExporter interface {
	ExportSpans(ctx context.Context, spans []Span)
	Shutdown(ctx context.Context) error
}

// Collector buffers spans and flushes them on an interval to its in-memory
// tail and the attached exporter. A nil *Collector is safe to use and
// records nothing.
type Collector struct {
	spanCh chan Span
	stopCh chan struct{}
	wg     sync.WaitGroup

	tail     *ring.Buffer[Span]
	exporter SpanExporter // optional external exporter (nil = disabled)
}

// NewCollector creates a collector with no exporter attached.
func NewCollector() *Collector {
	return &Collector{
		spanCh: make(chan Span, defaultBufferSize),
		stopCh: make(chan struct{}),
		tail:   ring.New[Span](tailSize),
	}
}

// SetExporter attaches an external span exporter. Call before Start.
func (c *Collector) SetExporter(exp SpanExporter) {
	if c == nil {
		return
	}
	c.exporter = exp
}

// Start begins the background flush loop.
func (c *Collector) Start() {
	if c == nil {
		return
	}
	c.wg.Add(1)
	go c.flushLoop()
	slog.Info("tracing collector started")
}

// Stop shuts the collector down, flushing remaining spans.
func (c *Collector) Stop() {
	if c == nil {
		return
	}
	close(c.stopCh)
	c.wg.Wait()

	if c.exporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.exporter.Shutdown(ctx); err != nil {
			slog.Warn("tracing: span exporter shutdown failed", "error", err)
		}
	}

	slog.Info("tracing collector stopped")
}

// EmitSpan enqueues a finished span. Non-blocking: drops the span when the
// buffer is full.
func (c *Collector) EmitSpan(span Span) {
	if c == nil {
		return
	}
	if span.ID == uuid.Nil {
		span.ID = uuid.New()
	}
	if span.TraceID == uuid.Nil {
		span.TraceID = span.ID
	}
	span.Error = truncateError(span.Error)

	select {
	case c.spanCh <- span:
	default:
		slog.Warn("tracing: span buffer full, dropping span", "name", span.Name)
	}
}

// StartSpan returns a span started now and a finish func that stamps the
// end time, duration, and outcome before emitting it.
func (c *Collector) StartSpan(name string) (Span, func(err error)) {
	span := Span{
		ID:        uuid.New(),
		Name:      name,
		StartTime: time.Now().UTC(),
	}
	finish := func(err error) {
		span.EndTime = time.Now().UTC()
		span.DurationMS = span.EndTime.Sub(span.StartTime).Milliseconds()
		if err != nil {
			span.Status = StatusError
			span.Error = err.Error()
		} else {
			span.Status = StatusOK
		}
		c.EmitSpan(span)
	}
	return span, finish
}

// Recent returns up to n spans from the tail, newest first.
func (c *Collector) Recent(n int) []Span {
	if c == nil {
		return nil
	}
	spans := c.tail.Snapshot()
	if n < len(spans) {
		spans = spans[:n]
	}
	return spans
}

func (c *Collector) flushLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(defaultFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-c.stopCh:
			// Drain remaining spans
			c.flush()
			return
		}
	}
}

func (c *Collector) flush() {
	var spans []Span
	for {
		select {
		case span := <-c.spanCh:
			spans = append(spans, span)
		default:
			goto done
		}
	}
done:

	if len(spans) == 0 {
		return
	}

	for _, span := range spans {
		c.tail.PushFront(span)
	}
	slog.Debug("tracing: flushed spans", "count", len(spans))

	if c.exporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c.exporter.ExportSpans(ctx, spans)
	}
}

// truncateError sanitizes and truncates an error message to errorMaxLen
// bytes without splitting a rune.
func truncateError(s string) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= errorMaxLen {
		return s
	}
	maxLen := errorMaxLen
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen] + "..."
}
