package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Broker.URL)
	assert.Equal(t, "id1", cfg.Broker.PairID)
	assert.Equal(t, 10*time.Second, cfg.Request.Timeout)
	assert.Equal(t, 3, cfg.Request.MaxAttempts)
	assert.Equal(t, DefaultFeatures, cfg.Request.Features)
	assert.Equal(t, 50, cfg.Search.MaxIterations)
	assert.Equal(t, 2.0, cfg.Search.SigX)
	assert.Equal(t, "score", cfg.Search.Mode)
	assert.Equal(t, 5.0, cfg.Safety.TimeRMSMax)
	assert.Equal(t, 16.0, cfg.Settings.StartX)
	assert.Equal(t, -26.0, cfg.Settings.StartY)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BROKER_PAIR_ID", "id7")
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("REQUEST_TIMEOUT", "2s")
	t.Setenv("SEARCH_MAX_ITERATIONS", "120")
	t.Setenv("SETTINGS_X_MIN", "10.25")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "id7", cfg.Broker.PairID)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, 2*time.Second, cfg.Request.Timeout)
	assert.Equal(t, 120, cfg.Search.MaxIterations)
	assert.Equal(t, 10.25, cfg.Settings.XMin)
}

func TestLoadFeatureListFromEnv(t *testing.T) {
	t.Setenv("REQUEST_FEATURES", "Time_rms_x,Time_rms_y")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"Time_rms_x", "Time_rms_y"}, cfg.Request.Features)
}

func TestLoadRejectsBadValue(t *testing.T) {
	t.Setenv("HTTP_PORT", "not-a-port")

	_, err := Load()
	assert.Error(t, err)
}
