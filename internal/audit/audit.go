// Package audit records security-relevant decisions. Recording is
// fire-and-forget: sinks never return errors and never panic into callers.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Event names.
const (
	RegisterSucceeded = "register.succeeded"
	RegisterRejected  = "register.rejected"
	RegisterFailed    = "register.failed"
	RegisterThrottled = "register.throttled"

	LoginSucceeded   = "login.succeeded"
	LoginFailed      = "login.failed"
	LoginRejected    = "login.rejected"
	LoginLocked      = "login.locked"
	LoginErrored     = "login.errored"
	ProfileAccessed  = "profile.accessed"
	ProfileDenied    = "profile.denied"
	ProfileErrored   = "profile.errored"
	LogoutSucceeded  = "logout.succeeded"
	LogoutDenied     = "logout.denied"
	LogoutErrored    = "logout.errored"
	RefreshSucceeded = "refresh.succeeded"
	RefreshDenied    = "refresh.denied"
	RefreshErrored   = "refresh.errored"
)

// Event is an immutable record of one security decision.
type Event struct {
	Name             string         `json:"event"`
	Timestamp        time.Time      `json:"timestamp"`
	RequesterAddress string         `json:"ip"`
	UserAgent        string         `json:"user_agent"`
	Detail           map[string]any `json:"detail,omitempty"`
}

// Sink receives audit events.
type Sink interface {
	Record(ctx context.Context, event Event)
}

// Nop drops events.
type Nop struct{}

// Record discards event.
func (Nop) Record(context.Context, Event) {}

// SlogSink writes each event as one structured log line.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a sink logging to logger.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger}
}

// Record logs event at INFO as "security event".
func (s *SlogSink) Record(ctx context.Context, event Event) {
	attrs := []any{
		slog.String("event", event.Name),
		slog.Time("timestamp", event.Timestamp),
		slog.String("ip", event.RequesterAddress),
		slog.String("user_agent", event.UserAgent),
	}
	if len(event.Detail) > 0 {
		attrs = append(attrs, slog.Any("detail", event.Detail))
	}
	s.logger.InfoContext(ctx, "security event", attrs...)
}

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewJSONWriterSink creates a sink writing to w. Writes are serialised.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{writer: w}
}

// Record appends event as one JSON line. Encoding and write errors are dropped.
func (s *JSONWriterSink) Record(_ context.Context, event Event) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.writer.Write(data)
}

// Multi fans an event out to every sink in order.
type Multi []Sink

// Record passes event to each sink.
func (m Multi) Record(ctx context.Context, event Event) {
	for _, s := range m {
		s.Record(ctx, event)
	}
}

type safeSink struct {
	next   Sink
	logger *slog.Logger
}

// Safe wraps next so a panicking sink is logged and swallowed.
func Safe(next Sink, logger *slog.Logger) Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &safeSink{next: next, logger: logger}
}

func (s *safeSink) Record(ctx context.Context, event Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "audit sink panicked", "event", event.Name, "panic", r)
		}
	}()
	s.next.Record(ctx, event)
}
