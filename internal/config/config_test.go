package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 50*time.Millisecond, cfg.Tick.TickInterval())
	assert.Equal(t, 16, cfg.Server.MaxParticipants)
	assert.Equal(t, 5*time.Minute, cfg.Session.Grace())
	assert.Equal(t, 5*time.Second, cfg.Session.Invulnerable())
	assert.Equal(t, 30*time.Second, cfg.Trade.Timeout())
	assert.Equal(t, 5*time.Second, cfg.Tick.MaxCommandAge())
	assert.Equal(t, 750.0, cfg.Replication.ZoneSize)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "host.yaml")
	yml := `
server:
  name: "Пустыня"
  max_participants: 4
tick:
  interval_ms: 100
replication:
  interest_mode: radius
  interest_radius: 200
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Пустыня", cfg.Server.Name)
	assert.Equal(t, 4, cfg.Server.MaxParticipants)
	assert.Equal(t, 100*time.Millisecond, cfg.Tick.TickInterval())
	assert.Equal(t, "radius", cfg.Replication.InterestMode)
	// Не заданные поля остаются дефолтными
	assert.Equal(t, 256, cfg.Tick.MaxBatch)
	assert.Equal(t, 300, cfg.Persistence.AutosaveSeconds)
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("replication:\n  interest_mode: planet\n"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestConflictPolicyValidated(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "arrival", cfg.Authority.ConflictPolicy)

	cfg.Authority.ConflictPolicy = "receive"
	require.NoError(t, cfg.Validate())

	cfg.Authority.ConflictPolicy = "random"
	assert.Error(t, cfg.Validate())
}

func TestLoadWithoutPath(t *testing.T) {
	t.Setenv("KMP_CONFIG", "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestPortFallback(t *testing.T) {
	s := &ServerConfig{}
	t.Setenv("KMP_TCP_PORT", "31000")
	assert.Equal(t, 31000, s.GetTCPPort())

	s.TCPPort = 32000
	assert.Equal(t, 32000, s.GetTCPPort())

	t.Setenv("KMP_UDP_PORT", "не-число")
	assert.Equal(t, 27801, s.GetUDPPort())
	assert.Equal(t, 0, s.GetKCPPort())
}
