package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/huddle/internal/config"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadRelay_Defaults(t *testing.T) {
	cfg, err := config.LoadRelay(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, 64, cfg.Server.OutgoingBuffer)
	assert.Equal(t, 50, cfg.Storage.HistorySize)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Empty(t, cfg.Cluster.NATSURL)
}

func TestLoadRelay_FileAndEnv(t *testing.T) {
	path := writeFile(t, "relay.yaml", `
server:
  address: ":9000"
storage:
  db_path: /tmp/chat.db
  history_size: 20
cluster:
  nats_url: nats://localhost:4222
`)
	t.Setenv("HUDDLE_ADDR", ":9100")
	t.Setenv("HUDDLE_OUTGOING_BUFFER", "8")

	cfg, err := config.LoadRelay(path)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Server.Address)
	assert.Equal(t, 8, cfg.Server.OutgoingBuffer)
	assert.Equal(t, "/tmp/chat.db", cfg.Storage.DBPath)
	assert.Equal(t, 20, cfg.Storage.HistorySize)
	assert.Equal(t, "nats://localhost:4222", cfg.Cluster.NATSURL)
	assert.Equal(t, "huddle", cfg.Cluster.Subject)
}

func TestLoadRelay_BadEnv(t *testing.T) {
	t.Setenv("HUDDLE_HISTORY_SIZE", "many")
	_, err := config.LoadRelay("")
	assert.ErrorContains(t, err, "HUDDLE_HISTORY_SIZE")
}

func TestLoadRelay_BadYAML(t *testing.T) {
	path := writeFile(t, "relay.yaml", "server: [")
	_, err := config.LoadRelay(path)
	assert.Error(t, err)
}

func TestLoadClient(t *testing.T) {
	path := writeFile(t, "client.yaml", `
server_url: ws://chat.example:8080
user_id: "1"
trickle: true
ping_interval: 10s
`)
	t.Setenv("HUDDLE_ICE_SERVERS", "stun:a.example:3478, stun:b.example:3478")

	cfg, err := config.LoadClient(path)
	require.NoError(t, err)

	assert.Equal(t, "ws://chat.example:8080", cfg.ServerURL)
	assert.Equal(t, "http://localhost:8080", cfg.APIURL)
	assert.Equal(t, "1", cfg.UserID)
	assert.True(t, cfg.Trickle)
	assert.Equal(t, 10*time.Second, cfg.PingInterval)
	assert.Equal(t, []string{"stun:a.example:3478", "stun:b.example:3478"}, cfg.ICEServers)
}

func TestLoadDotEnv(t *testing.T) {
	path := writeFile(t, ".env", "HUDDLE_TEST_DOTENV=from-file\n")
	t.Setenv("HUDDLE_TEST_DOTENV", "")
	os.Unsetenv("HUDDLE_TEST_DOTENV")

	require.NoError(t, config.LoadDotEnv(path))
	assert.Equal(t, "from-file", os.Getenv("HUDDLE_TEST_DOTENV"))
	os.Unsetenv("HUDDLE_TEST_DOTENV")

	assert.NoError(t, config.LoadDotEnv(filepath.Join(t.TempDir(), "none.env")))
}
