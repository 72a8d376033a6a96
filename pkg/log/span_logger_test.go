package log_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cantonconnect/bridge/pkg/log"
)

func TestSpanLogger(t *testing.T) {
	base := newRecordingLogger()
	ser := &recordingSER{traceID: "trace-1", spanID: "span-1"}
	logger := log.NewSpanLogger(base.WithName("bridge"), ser).WithKV("origin", "https://dapp.example")

	logger.Info("connected", "walletId", "mock")

	entry := base.Last()
	assert.Equal(t, log.LevelInfo, entry.Level)
	assert.Equal(t, "connected", entry.Message)
	got := kvMap(entry.KeysAndValues)
	assert.Equal(t, "trace-1", got["traceId"])
	assert.Equal(t, "span-1", got["spanId"])
	assert.Equal(t, "mock", got["walletId"])

	assert.False(t, ser.hasErr)
	assert.Equal(t, "connected", ser.lastName)
	spanKV := kvMap(ser.lastKV)
	assert.Equal(t, "info", spanKV["level"])
	assert.Equal(t, "bridge", spanKV["component"])
	assert.Equal(t, "https://dapp.example", spanKV["origin"])
	assert.Equal(t, "mock", spanKV["walletId"])

	logger.Error("transport failed", "error", "eof")
	assert.True(t, ser.hasErr)
	assert.Equal(t, log.LevelError, base.Last().Level)
}

func TestSpanLogger_Delegates(t *testing.T) {
	base := newRecordingLogger()
	wrapped := log.NewSpanLogger(base.WithName("transport"), &recordingSER{})
	sl, ok := wrapped.(log.SpanLogger)
	require.True(t, ok)

	assert.Equal(t, "transport.popup", sl.WithName("popup").Name())
	assert.Empty(t, sl.GetAllKV())
}

func TestContextLogger(t *testing.T) {
	t.Run("missing logger yields noop", func(t *testing.T) {
		lg := log.FromContext(context.Background())
		assert.Equal(t, "noop", lg.Name())
	})

	t.Run("stored logger is returned", func(t *testing.T) {
		base := newRecordingLogger()
		ctx := log.SetContextLogger(context.Background(), base)
		log.FromContext(ctx).Warn("slow backend")
		assert.Equal(t, "slow backend", base.Last().Message)
	})

	t.Run("nil logger stores noop", func(t *testing.T) {
		ctx := log.SetContextLogger(context.Background(), nil)
		assert.Equal(t, "noop", log.FromContext(ctx).Name())
	})
}
