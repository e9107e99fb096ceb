package config_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightforgemedia/go-wamprouter/pkg/config"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "/ws", cfg.Path)
	assert.Empty(t, cfg.Realms)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 16, cfg.Transport.SendBuffer)
	assert.Equal(t, 30*time.Second, cfg.Transport.PingInterval)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Empty(t, cfg.NATS.URL)
	require.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "router.yaml", `
listen: 127.0.0.1:9000
log_level: debug
realms: [realm1, com.example.app]
shutdown_timeout: 3s
transport:
  send_buffer: 64
  ping_interval: -1s
  rate_limit: 50
  rate_burst: 10
auth:
  secret: s3cret
  ticket_ttl: 15m
nats:
  url: nats://127.0.0.1:4222
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, []string{"realm1", "com.example.app"}, cfg.Realms)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 64, cfg.Transport.SendBuffer)
	assert.Equal(t, -time.Second, cfg.Transport.PingInterval)
	assert.Equal(t, 50.0, cfg.Transport.RateLimit)
	assert.Equal(t, "s3cret", cfg.Auth.Secret)
	assert.Equal(t, 15*time.Minute, cfg.Auth.TicketTTL)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
	assert.Equal(t, "wamprouter.publications", cfg.NATS.Subject)

	level, err := config.ParseLevel(cfg.LogLevel)
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("WAMPROUTER_LISTEN", ":7000")
	t.Setenv("WAMPROUTER_NATS_URL", "nats://bus:4222")
	t.Setenv("WAMPROUTER_REALMS", "realm1,realm2")

	path := writeFile(t, t.TempDir(), "router.yaml", "listen: :9000\n")
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Listen)
	assert.Equal(t, "nats://bus:4222", cfg.NATS.URL)
	assert.Equal(t, []string{"realm1", "realm2"}, cfg.Realms)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad realm", "realms: [\"not a uri\"]\n"},
		{"bad level", "log_level: loud\n"},
		{"relative path", "path: ws\n"},
		{"zero buffer", "transport:\n  send_buffer: 0\n"},
		{"negative rate", "transport:\n  rate_limit: -1\n"},
		{"nats without subject", "nats:\n  url: nats://x\n  subject: \"\"\n"},
	}
	dir := t.TempDir()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, "router.yaml", tt.body)
			_, err := config.Load(path)
			assert.ErrorIs(t, err, config.ErrInvalidConfig)
		})
	}

	_, err := config.Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestWatchReloadsRealms(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "router.yaml", "realms: [realm1]\n")

	ctx, cancel := context.WithCancel(context.Background())
	reloads := make(chan *config.Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- config.Watch(ctx, path, nil, func(cfg *config.Config) { reloads <- cfg })
	}()
	// Give the watcher time to add the directory.
	time.Sleep(100 * time.Millisecond)

	// An invalid file is skipped.
	writeFile(t, dir, "router.yaml", "realms: [\"bad realm\"]\n")
	time.Sleep(600 * time.Millisecond)
	writeFile(t, dir, "router.yaml", "realms: [realm1, realm2]\n")

	select {
	case cfg := <-reloads:
		assert.Equal(t, []string{"realm1", "realm2"}, cfg.Realms)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return")
	}
}
