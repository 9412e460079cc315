package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"decora-wifi/config"
)

func TestLoad_Defaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, config.DefaultBaseURL, cfg.Decora.BaseURL)
	assert.Equal(t, 120*time.Second, cfg.Decora.ScanIntervalDuration())
	assert.Equal(t, config.DefaultStoragePath, cfg.Storage.Path)
	assert.Equal(t, "homeassistant", cfg.MQTT.DiscoveryPrefix)
	assert.Equal(t, "decora", cfg.MQTT.TopicPrefix)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.False(t, cfg.Decora.HasAccount())
}

func TestParse_ExpandsEnv(t *testing.T) {
	t.Setenv("DECORA_TEST_PASSWORD", "s3cret")

	cfg, err := config.Parse([]byte(`
decora:
  username: user@example.com
  password: ${DECORA_TEST_PASSWORD}
  scan_interval: 30s
`))
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.Decora.Password)
	assert.True(t, cfg.Decora.HasAccount())
	assert.Equal(t, 30*time.Second, cfg.Decora.ScanIntervalDuration())
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "username without password", yaml: "decora:\n  username: someone\n"},
		{name: "bad scan interval", yaml: "decora:\n  scan_interval: often\n"},
		{name: "malformed yaml", yaml: "decora: [\n"},
		{name: "homeassistant without token", yaml: "homeassistant:\n  enabled: true\n  url: http://ha:8123\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
