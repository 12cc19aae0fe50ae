package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAgentConfigDefaults(t *testing.T) {
	cfg, err := LoadAgentConfig()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8090", cfg.HTTPAddr)
	assert.Equal(t, 10, cfg.ReconnectAttempts)
	assert.Equal(t, time.Second, cfg.ReconnectDelay)
	assert.Equal(t, 5*time.Second, cfg.ReconnectDelayMax)
	assert.Equal(t, 5*time.Second, cfg.StableAfter)
	assert.Equal(t, ModeBackground, cfg.TrackingMode)
	assert.True(t, cfg.PermissionForeground)
	assert.Empty(t, cfg.KafkaBrokers)
}

func TestLoadAgentConfigFromEnv(t *testing.T) {
	t.Setenv("SOCKET_URL", "wss://dispatch.example.com/ws")
	t.Setenv("SOCKET_RECONNECT_ATTEMPTS", "3")
	t.Setenv("SOCKET_RECONNECT_DELAY", "250ms")
	t.Setenv("SOCKET_STABLE_AFTER", "30s")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("TRACKING_MODE", "Foreground")
	t.Setenv("PERMISSION_BACKGROUND", "denied")

	cfg, err := LoadAgentConfig()
	require.NoError(t, err)

	assert.Equal(t, "wss://dispatch.example.com/ws", cfg.SocketURL)
	assert.Equal(t, 3, cfg.ReconnectAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.ReconnectDelay)
	assert.Equal(t, 30*time.Second, cfg.StableAfter)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, ModeForeground, cfg.TrackingMode)
	assert.False(t, cfg.PermissionBackground)
}

func TestLoadAgentConfigCollectsErrors(t *testing.T) {
	t.Setenv("SOCKET_RECONNECT_ATTEMPTS", "0")
	t.Setenv("SOCKET_DIAL_TIMEOUT", "soon")
	t.Setenv("TRACKING_MODE", "sometimes")
	t.Setenv("GPS_DEVICE", "/dev/ttyUSB0")
	t.Setenv("REPLAY_FILE", "trip.jsonl")

	_, err := LoadAgentConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SOCKET_RECONNECT_ATTEMPTS")
	assert.Contains(t, err.Error(), "invalid SOCKET_DIAL_TIMEOUT")
	assert.Contains(t, err.Error(), "TRACKING_MODE")
	assert.Contains(t, err.Error(), "mutually exclusive")
}
