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

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "./data/storyloom.db", cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.SuppressEcho)
	assert.Equal(t, 256, cfg.SendBuffer)
	assert.Equal(t, float64(50), cfg.MessagesPerSecond)
	assert.Equal(t, 5*time.Minute, cfg.SweepInterval)
	assert.Equal(t, 30*time.Minute, cfg.SessionStaleAfter)
	assert.Equal(t, "gpt-4o-mini", cfg.OpenAIModel)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORYLOOM_ADDR", ":9999")
	t.Setenv("STORYLOOM_WS_SUPPRESS_ECHO", "true")
	t.Setenv("STORYLOOM_SESSION_STALE_AFTER", "1h")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Addr)
	assert.True(t, cfg.SuppressEcho)
	assert.Equal(t, time.Hour, cfg.SessionStaleAfter)
}
