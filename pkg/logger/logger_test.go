package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func withObservedLogger(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	previous := globalLogger
	globalLogger = zap.New(core)
	t.Cleanup(func() { globalLogger = previous })
	return logs
}

func TestInit(t *testing.T) {
	previous := globalLogger
	t.Cleanup(func() { globalLogger = previous })

	require.NoError(t, Init("debug", "development"))
	assert.NotNil(t, Get())
	require.NoError(t, Init("bogus", "production"))
	assert.True(t, Get().Core().Enabled(zap.InfoLevel))
	assert.False(t, Get().Core().Enabled(zap.DebugLevel))
}

func TestGet_WithoutInitIsNop(t *testing.T) {
	previous := globalLogger
	globalLogger = nil
	t.Cleanup(func() { globalLogger = previous })

	assert.NotNil(t, Get())
	assert.NoError(t, Sync())
}

func TestFromContext_MergesFields(t *testing.T) {
	logs := withObservedLogger(t)

	ctx := NewContext(context.Background(), ConnectionID("c1"))
	ctx = NewContext(ctx, Room("general"))
	FromContext(ctx).Info("joined")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "c1", fields["connection_id"])
	assert.Equal(t, "general", fields["room_id"])
}

func TestWithRequestID(t *testing.T) {
	logs := withObservedLogger(t)

	assert.Empty(t, RequestID(context.Background()))

	ctx := WithRequestID(context.Background(), "req-1")
	assert.Equal(t, "req-1", RequestID(ctx))

	FromContext(ctx).Info("handled")
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "req-1", logs.All()[0].ContextMap()["request_id"])
}
