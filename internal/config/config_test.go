package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	require.Equal(t, "dev", cfg.Env)
	require.True(t, cfg.Dispatcher.Enabled)
	require.Equal(t, 100, cfg.Dispatcher.BatchSize)
	require.Equal(t, 600*time.Second, cfg.Dispatcher.LeaseTTL)
	require.Equal(t, 10, cfg.Zombie.ZombieTimeoutMinutes)
	require.Equal(t, "M:JS:", cfg.KeyPrefix)
}

func TestLoad_EnvOverride(t *testing.T) {
	os.Setenv("DISPATCHER_BATCH_SIZE", "250")
	os.Setenv("DISPATCHER_ENABLED", "false")
	defer os.Unsetenv("DISPATCHER_BATCH_SIZE")
	defer os.Unsetenv("DISPATCHER_ENABLED")

	cfg := Load()
	require.Equal(t, 250, cfg.Dispatcher.BatchSize)
	require.False(t, cfg.Dispatcher.Enabled)
}

func TestLoad_DurationMsHelperParsesMilliseconds(t *testing.T) {
	os.Setenv("STATUS_TRACKER_BATCH_INTERVAL_MS", "750")
	defer os.Unsetenv("STATUS_TRACKER_BATCH_INTERVAL_MS")

	cfg := Load()
	require.Equal(t, 750*time.Millisecond, cfg.StatusTracker.BatchInterval)
}
