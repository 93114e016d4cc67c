package correlation

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	inner := slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(NewHandler(inner))
}

func TestNewID_LengthAndUniqueness(t *testing.T) {
	ids := make(map[string]struct{}, 100)
	for range 100 {
		id := NewID()
		assert.Len(t, id, 8)
		ids[id] = struct{}{}
	}
	assert.Len(t, ids, 100)
}

func TestID_Roundtrip(t *testing.T) {
	ctx := WithID(context.Background(), "abc12345")
	id, ok := ID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "abc12345", id)

	_, ok = ID(context.Background())
	assert.False(t, ok)

	_, ok = ID(WithID(context.Background(), ""))
	assert.False(t, ok)
}

func TestWithJob_SetsBothIDs(t *testing.T) {
	ctx := WithJob(context.Background(), "presence.prune", "presence.prune:1700000000000")

	jobID, ok := JobID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "presence.prune", jobID)

	id, ok := ID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "presence.prune:1700000000000", id)
}

func TestHandler_AddsAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	logger.InfoContext(WithJob(context.Background(), "subscriptions.sweep", "f1"), "firing done", "attempt", 1)

	output := buf.String()
	assert.Contains(t, output, "correlation_id=f1")
	assert.Contains(t, output, "job_id=subscriptions.sweep")
	assert.Contains(t, output, "attempt=1")
}

func TestHandler_NothingAddedWhenMissing(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	logger.InfoContext(context.Background(), "plain")

	assert.NotContains(t, buf.String(), "correlation_id")
	assert.NotContains(t, buf.String(), "job_id")
}

func TestHandler_WithAttrs_PreservesCorrelation(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf).With("component", "scheduler")

	logger.InfoContext(WithID(context.Background(), "attr1234"), "with attrs")

	assert.Contains(t, buf.String(), "correlation_id=attr1234")
	assert.Contains(t, buf.String(), "component=scheduler")
}
