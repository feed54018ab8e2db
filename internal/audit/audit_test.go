package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent() Event {
	return Event{
		Name:             LoginFailed,
		Timestamp:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		RequesterAddress: "203.0.113.9",
		UserAgent:        "curl/8.0",
		Detail:           map[string]any{"email": "a@example.com"},
	}
}

func TestJSONWriterSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONWriterSink(&buf)

	sink.Record(context.Background(), testEvent())
	sink.Record(context.Background(), testEvent())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &got))
	assert.Equal(t, LoginFailed, got["event"])
	assert.Equal(t, "203.0.113.9", got["ip"])
	assert.Equal(t, "curl/8.0", got["user_agent"])
	assert.Equal(t, map[string]any{"email": "a@example.com"}, got["detail"])
}

func TestJSONWriterSinkNilWriter(t *testing.T) {
	var sink *JSONWriterSink
	assert.NotPanics(t, func() { sink.Record(context.Background(), testEvent()) })
}

func TestSlogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	NewSlogSink(logger).Record(context.Background(), testEvent())

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "security event", got["msg"])
	assert.Equal(t, LoginFailed, got["event"])
	assert.Equal(t, "203.0.113.9", got["ip"])
}

type recorder struct {
	events []Event
}

func (r *recorder) Record(_ context.Context, e Event) {
	r.events = append(r.events, e)
}

type panicker struct{}

func (panicker) Record(context.Context, Event) { panic("disk on fire") }

func TestMulti(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	Multi{a, Nop{}, b}.Record(context.Background(), testEvent())

	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
}

func TestSafeRecoversPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	after := &recorder{}

	sink := Multi{Safe(panicker{}, logger), after}
	assert.NotPanics(t, func() { sink.Record(context.Background(), testEvent()) })
	assert.Len(t, after.events, 1)
	assert.Contains(t, buf.String(), "audit sink panicked")
}
