package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 2, cfg.Queues.GroupCap, "grouped queue cap defaults to 2")
	assert.Equal(t, 5*time.Minute, cfg.Grouper.Interval)
	assert.Equal(t, 5*time.Minute, cfg.Queues.StuckThreshold)
	assert.Equal(t,
		[]time.Duration{0, 60 * time.Second, 90 * time.Second, 120 * time.Second},
		cfg.Agents.RetryDelays)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Queues, cfg.Queues)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aegis.yaml")
	data := `
queues:
  single_workers: 6
  group_cap: 2
grouper:
  interval: 1m
  auto_enqueue: false
ticket:
  base_url: https://tickets.example.com
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Queues.SingleWorkers)
	assert.Equal(t, time.Minute, cfg.Grouper.Interval)
	assert.False(t, cfg.Grouper.AutoEnqueue)
	assert.Equal(t, "https://tickets.example.com", cfg.Ticket.BaseURL)
	// Untouched sections keep their defaults.
	assert.Equal(t, 3, cfg.Queues.MaxAttempts)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("AEGIS_DATABASE_URL", "postgres://env-wins")
	t.Setenv("AEGIS_TICKET_PASSWORD", "s3cret")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres://env-wins", cfg.Database.URL)
	assert.Equal(t, "s3cret", cfg.Ticket.Password)
}

func TestLoadRejectsInvalidCaps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aegis.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queues:\n  group_cap: 0\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
