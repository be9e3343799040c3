package app

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_YAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chatsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server_url: https://chat.example.com
title: Support
history_store: pebble
pebble_dir: /tmp/history
delta_timeout: 45s
action_rate: 2.5
log_format: pretty
`), 0o600))

	t.Setenv("CHATSYNC_TITLE", "From env")
	t.Setenv("CHATSYNC_METRICS_ENABLED", "true")
	t.Setenv("CHATSYNC_POLL_INTERVAL", "5s")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://chat.example.com", cfg.ServerURL)
	assert.Equal(t, "From env", cfg.Title)
	assert.Equal(t, StorePebble, cfg.HistoryStore)
	assert.Equal(t, "/tmp/history", cfg.PebbleDir)
	assert.Equal(t, 45*time.Second, cfg.DeltaTimeout)
	assert.Equal(t, 30*time.Second, cfg.ActionTimeout)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.InDelta(t, 2.5, cfg.ActionRate, 1e-9)
	assert.Equal(t, "pretty", cfg.LogFormat)
	assert.True(t, cfg.MetricsEnabled)
	assert.Equal(t, "mobile", cfg.Location)
	assert.NotEmpty(t, cfg.DeviceID)
}

func TestLoadConfig_RequiresServerURL(t *testing.T) {
	t.Setenv("CHATSYNC_SERVER_URL", "")

	_, err := LoadConfig("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHATSYNC_SERVER_URL")
}

func TestLoadConfig_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server_url: [oops"), 0o600))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "parse config"), err.Error())
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	base := DefaultConfig()
	base.ServerURL = "https://chat.example.com"
	require.NoError(t, base.Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"scheme", func(c *Config) { c.ServerURL = "ftp://chat.example.com" }, "invalid server url"},
		{"host", func(c *Config) { c.ServerURL = "https://" }, "invalid server url"},
		{"location", func(c *Config) { c.Location = "" }, "location"},
		{"postgres url", func(c *Config) { c.HistoryStore = StorePostgres }, "CHATSYNC_DATABASE_URL"},
		{"pebble dir", func(c *Config) { c.HistoryStore = StorePebble; c.PebbleDir = "" }, "CHATSYNC_PEBBLE_DIR"},
		{"store", func(c *Config) { c.HistoryStore = "redis" }, "unknown history store"},
		{"log format", func(c *Config) { c.LogFormat = "text" }, "unknown log format"},
		{"rate", func(c *Config) { c.ActionRate = -1 }, "negative"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := base
			tc.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("CHATSYNC_TEST_STR", "  value ")
	t.Setenv("CHATSYNC_TEST_BOOL", "nah")
	t.Setenv("CHATSYNC_TEST_INT", "-3")
	t.Setenv("CHATSYNC_TEST_INT32", "12")
	t.Setenv("CHATSYNC_TEST_FLOAT", "0.5")
	t.Setenv("CHATSYNC_TEST_DUR", "1m")

	assert.Equal(t, "value", EnvString("CHATSYNC_TEST_STR", "def"))
	assert.Equal(t, "def", EnvString("CHATSYNC_TEST_MISSING", "def"))
	assert.True(t, EnvBool("CHATSYNC_TEST_BOOL", true))
	assert.Equal(t, 7, EnvInt("CHATSYNC_TEST_INT", 7))
	assert.Equal(t, int32(12), EnvInt32("CHATSYNC_TEST_INT32", 1))
	assert.InDelta(t, 0.5, EnvFloat("CHATSYNC_TEST_FLOAT", 1), 1e-9)
	assert.Equal(t, time.Minute, EnvDuration("CHATSYNC_TEST_DUR", time.Second))
}
