package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pshost.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1, cfg.Pool.MinRunspaces)
	assert.Equal(t, 4, cfg.Pool.MaxRunspaces)
	assert.Equal(t, 4096, cfg.History.Capacity)
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
pool:
  min_runspaces: 2
  max_runspaces: 8
  idle_timeout: 5m
history:
  capacity: 100
  path: /tmp/history.json
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Pool.MinRunspaces)
	assert.Equal(t, 8, cfg.Pool.MaxRunspaces)
	assert.Equal(t, 5*time.Minute, cfg.Pool.IdleTimeout.Duration())
	assert.Equal(t, 100, cfg.History.Capacity)
	assert.Equal(t, "/tmp/history.json", cfg.History.Path)
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	path := writeConfig(t, "pool:\n  max_runspaces: 16\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Pool.MinRunspaces)
	assert.Equal(t, 16, cfg.Pool.MaxRunspaces)
	assert.Equal(t, 4096, cfg.History.Capacity)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"min below one", "pool:\n  min_runspaces: 0\n"},
		{"max below min", "pool:\n  min_runspaces: 3\n  max_runspaces: 2\n"},
		{"negative idle timeout", "pool:\n  idle_timeout: -1s\n"},
		{"zero history capacity", "history:\n  capacity: 0\n"},
		{"malformed yaml", "pool: [\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			assert.Error(t, err)
		})
	}
}
