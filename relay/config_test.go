package relay

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadConfigFromYAML(t *testing.T) {
	path := writeFile(t, "relay.yaml", `
broker_url: http://broker:8080
token: abc
relay_id: relay-1
mode: push
poll_interval_ms: 2000
worker_count: 4
spool_path: /tmp/spool.db
ssh:
  key_path: /etc/relay/id_ed25519
  known_hosts_path: /etc/relay/known_hosts
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "http://broker:8080", cfg.BrokerURL)
	assert.Equal(t, ModePush, cfg.Mode)
	assert.Equal(t, 2000, cfg.PollIntervalMs)
	assert.Equal(t, 4, cfg.WorkerCount)
	assert.Equal(t, 100, cfg.ChannelSize)
	assert.Equal(t, 1000, cfg.PartialFlushIntervalMs)
	assert.True(t, cfg.SSHEnabled())
	assert.Equal(t, "/etc/relay/known_hosts", cfg.SSH.ExecutorConfig().KnownHostsPath)
}

func TestLoadConfigEnvOverridesAndClamps(t *testing.T) {
	path := writeFile(t, "relay.yaml", "broker_url: http://file:8080\ntoken: abc\n")
	t.Setenv("RELAY_BROKER_URL", "http://env:8080")
	t.Setenv("RELAY_POLL_INTERVAL_MS", "10")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "http://env:8080", cfg.BrokerURL)
	assert.Equal(t, MinPollIntervalMs, cfg.PollIntervalMs)
	assert.Equal(t, ModePoll, cfg.Mode)
}

func TestLoadConfigReadsTokenFile(t *testing.T) {
	tokenPath := writeFile(t, "token", "secret-token\n")
	t.Setenv("RELAY_BROKER_URL", "http://broker:8080")
	t.Setenv("RELAY_TOKEN_FILE", tokenPath)

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "secret-token", cfg.Token)
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"missing broker", "token: abc\n", "broker_url"},
		{"missing token", "broker_url: http://b\n", "token"},
		{"bad mode", "broker_url: http://b\ntoken: abc\nmode: carrier-pigeon\n", "mode must be"},
		{"unverified ssh", "broker_url: http://b\ntoken: abc\nssh:\n  key_path: /k\n", "known_hosts_path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeFile(t, "relay.yaml", tt.yaml))
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
