package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerDefaults(t *testing.T) {
	cfg, err := LoadServer([]string{}...)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "memory://", cfg.StoreDSN)
	assert.Equal(t, 20, cfg.RateBurst)
	assert.Equal(t, int64(1<<20), cfg.MaxBodyBytes)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Empty(t, cfg.ArchivedPeriods)
}

func TestLoadServerFromEnvironment(t *testing.T) {
	t.Setenv("GRIDSYNC_ADDR", ":9090")
	t.Setenv("GRIDSYNC_ARCHIVED_PERIODS", " 2023-11 , ,2023-12")
	t.Setenv("GRIDSYNC_RATE_LIMIT", "2.5")

	cfg, err := LoadServer([]string{}...)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, []string{"2023-11", "2023-12"}, cfg.ArchivedPeriods)
	assert.InDelta(t, 2.5, cfg.RateLimit, 0.0001)
}

func TestLoadServerRejectsInvalidValues(t *testing.T) {
	t.Setenv("GRIDSYNC_LOG_LEVEL", "chatty")
	_, err := LoadServer([]string{}...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LogLevel")
}

func TestLoadClientReadsEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.env")
	require.NoError(t, os.WriteFile(path, []byte("GRIDSYNC_ROLE=accountant\nGRIDSYNC_DELETE_PAYLOAD=wrapped\n"), 0o600))
	for _, name := range []string{"GRIDSYNC_ROLE", "GRIDSYNC_DELETE_PAYLOAD"} {
		t.Setenv(name, "")
		require.NoError(t, os.Unsetenv(name))
	}

	cfg, err := LoadClient(path, filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "accountant", cfg.Role)
	assert.Equal(t, "wrapped", cfg.DeletePayload)
	assert.Equal(t, 300*time.Millisecond, cfg.Debounce)
}

func TestLoadClientRejectsUnknownDeletePayload(t *testing.T) {
	t.Setenv("GRIDSYNC_DELETE_PAYLOAD", "csv")
	_, err := LoadClient([]string{}...)
	require.Error(t, err)
}

func TestSocketEndpoint(t *testing.T) {
	assert.Equal(t, "ws://127.0.0.1:8080/ws", Client{BaseURL: "http://127.0.0.1:8080/"}.SocketEndpoint())
	assert.Equal(t, "wss://grid.example/ws", Client{BaseURL: "https://grid.example"}.SocketEndpoint())
	assert.Equal(t, "ws://other/socket", Client{BaseURL: "http://a", SocketURL: "ws://other/socket"}.SocketEndpoint())
}

func TestNewLoggerLevels(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, NewLogger("debug").GetLevel())
	assert.Equal(t, logrus.WarnLevel, NewLogger("WARN").GetLevel())
	assert.Equal(t, logrus.InfoLevel, NewLogger("").GetLevel())
	assert.Equal(t, logrus.PanicLevel, NewLogger("silent").GetLevel())
}
