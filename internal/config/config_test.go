package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MULTIEDIT_CONFIG", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("POSTGRES_HOST", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10000, cfg.MaxSessions)
	assert.Equal(t, time.Hour, cfg.SessionTTL)
	assert.Equal(t, 60*time.Second, cfg.GCInterval)
	assert.Equal(t, 1000, cfg.GCBatchSize)
	assert.Equal(t, 5*time.Minute, cfg.ParticipantTimeout)
	assert.Equal(t, int64(10<<20), cfg.RelayBandwidthLimit)
	assert.Empty(t, cfg.DatabaseURL)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "multiedit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
httpAddr: 127.0.0.1:9000
maxSessions: 50
sessionTTL: 10m
stunServers:
  - stun.example.org:3478
relayAllowedOrigins: [https://editor.example.org]
`), 0o600))

	t.Setenv("MULTIEDIT_CONFIG", path)
	t.Setenv("MAX_SESSIONS", "75")
	t.Setenv("GC_INTERVAL", "15s")
	t.Setenv("STUN_SERVERS", "a:1, b:2")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.HTTPAddr)
	assert.Equal(t, 75, cfg.MaxSessions)
	assert.Equal(t, 10*time.Minute, cfg.SessionTTL)
	assert.Equal(t, 15*time.Second, cfg.GCInterval)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.STUNServers)
	assert.Equal(t, []string{"https://editor.example.org"}, cfg.RelayAllowedOrigins)
}

func TestLoadBuildsDatabaseURL(t *testing.T) {
	t.Setenv("MULTIEDIT_CONFIG", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_USER", "u")
	t.Setenv("POSTGRES_PASSWORD", "p")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@db:5432/multiedit?sslmode=disable", cfg.DatabaseURL)
}

func TestLoadRejectsBadFile(t *testing.T) {
	t.Setenv("MULTIEDIT_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("maxSessions: [1"), 0o600))
	t.Setenv("MULTIEDIT_CONFIG", path)
	_, err = Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	cfg.MaxSessions = 0
	cfg.RelayPath = "relay"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max sessions")
	assert.Contains(t, err.Error(), "relay path")
}
