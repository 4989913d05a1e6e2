package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	return m
}

func TestLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(InfoLevel, &buf)

	logger.Info("controller online", map[string]interface{}{"pair_id": "id1"})

	m := entry(t, &buf)
	assert.Equal(t, "INFO", m["level"])
	assert.Equal(t, "controller online", m["message"])
	assert.Equal(t, "id1", m["pair_id"])
	assert.NotEmpty(t, m["timestamp"])
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(WarnLevel, &buf)

	logger.Debug("hidden")
	logger.Info("hidden")
	assert.Zero(t, buf.Len())

	logger.Warn("shown")
	assert.NotZero(t, buf.Len())
}

func TestWithFieldsPropagate(t *testing.T) {
	var buf bytes.Buffer
	logger := New(InfoLevel, &buf).
		WithField("component", "transport").
		WithFields(map[string]interface{}{"url": "nats://127.0.0.1:4222"})

	logger.Info("connected")

	m := entry(t, &buf)
	assert.Equal(t, "transport", m["component"])
	assert.Equal(t, "nats://127.0.0.1:4222", m["url"])
}

func TestCallSiteFieldsOverrideBound(t *testing.T) {
	var buf bytes.Buffer
	logger := New(InfoLevel, &buf).WithField("attempt", 1)

	logger.Info("retrying", map[string]interface{}{"attempt": 2})

	m := entry(t, &buf)
	assert.Equal(t, 2.0, m["attempt"])
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DebugLevel},
		{"INFO", InfoLevel},
		{"Warn", WarnLevel},
		{"error", ErrorLevel},
		{"fatal", FatalLevel},
		{"verbose", InfoLevel},
		{"", InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLevel(tt.in))
		})
	}
}

func TestZapAdapterForwards(t *testing.T) {
	var buf bytes.Buffer
	zl := NewZapLogger(New(DebugLevel, &buf))

	zl.Info("dispatching message")

	m := entry(t, &buf)
	assert.Equal(t, "INFO", m["level"])
	assert.Equal(t, "dispatching message", m["message"])
}
