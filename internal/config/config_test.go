package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultAdminPort, cfg.AdminPort)
	assert.Equal(t, DefaultRedisAddr, cfg.RedisAddr)
	assert.True(t, cfg.ResetOnPayloadMismatch)
	assert.Equal(t, 24*time.Hour, cfg.PruningPeriod)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"admin_port: 9999\nredis_addr: redis.internal:6380\npruning_period: 1h\ntenants: [acme, globex]\n",
	), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.AdminPort)
	assert.Equal(t, "redis.internal:6380", cfg.RedisAddr)
	assert.Equal(t, time.Hour, cfg.PruningPeriod)
	assert.Equal(t, []string{"acme", "globex"}, cfg.Tenants)
	// Untouched fields keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.SchedulerInterval)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("redis_addr: from-file:6379\n"), 0600))

	t.Setenv("FENCELINE_REDIS_ADDR", "from-env:6379")
	t.Setenv("FENCELINE_ADMIN_PORT", "40000")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env:6379", cfg.RedisAddr)
	assert.Equal(t, 40000, cfg.AdminPort)
}

func TestLoad_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("admin_port: [not a number\n"), 0600))

	_, err := Load(path)
	require.Error(t, err)
}
