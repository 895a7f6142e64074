package config

import (
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func clearEnv(t *testing.T, keys ...string) {
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t,
		"SOCKET", "HOST", "PORT", "BLE_ORCHESTRATOR_TCP",
		"SCAN_ADAPTER", "CONNECT_ADAPTER",
		"SCAN_CACHE_TTL_SEC", "BLE_CONNECT_TIMEOUT_SEC", "BLE_RETRY_COUNT",
		"BLE_RETRY_INTERVAL_SEC", "REQUEST_MAX_AGE_SEC", "SKIP_OLD_REQUESTS",
		"EXCLUSIVE_CONTROL_ENABLED", "EXCLUSIVE_CONTROL_TIMEOUT_SEC",
		"WATCHDOG_CHECK_INTERVAL_SEC", "CONSECUTIVE_FAILURES_THRESHOLD",
		"SCAN_COMMAND_PARALLEL_WORKERS",
	)

	cfg := Load()

	assert.Equal(t, "/tmp/ble-orchestrator.sock", cfg.Socket)
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 8378, cfg.Port)
	assert.False(t, cfg.UseTCP)
	assert.Equal(t, "hci0", cfg.ScanAdapter)
	assert.Equal(t, "hci1", cfg.ConnectAdapter)
	assert.Equal(t, 300*time.Second, cfg.ScanCacheTTL)
	assert.Equal(t, 10*time.Second, cfg.BLEConnectTimeout)
	assert.Equal(t, 2, cfg.BLERetryCount)
	assert.Equal(t, 1*time.Second, cfg.BLERetryInterval)
	assert.Equal(t, 30*time.Second, cfg.RequestMaxAge)
	assert.True(t, cfg.SkipOldRequests)
	assert.True(t, cfg.ExclusiveControl)
	assert.Equal(t, 90*time.Second, cfg.ExclusiveControlTTL)
	assert.Equal(t, 30*time.Second, cfg.WatchdogInterval)
	assert.Equal(t, 3, cfg.FailureThreshold)
	assert.Equal(t, 3, cfg.ParallelLaneWorkers)
	assert.Equal(t, 10, cfg.MaxSessions)
	assert.Equal(t, logrus.InfoLevel, cfg.LogLevel)
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t,
		"SOCKET", "HOST", "PORT", "BLE_ORCHESTRATOR_TCP",
		"SCAN_CACHE_TTL_SEC", "BLE_RETRY_COUNT", "SKIP_OLD_REQUESTS",
	)

	os.Setenv("SOCKET", "/var/run/ble.sock")
	os.Setenv("HOST", "0.0.0.0")
	os.Setenv("PORT", "9999")
	os.Setenv("BLE_ORCHESTRATOR_TCP", "1")
	os.Setenv("SCAN_CACHE_TTL_SEC", "45.5")
	os.Setenv("BLE_RETRY_COUNT", "5")
	os.Setenv("SKIP_OLD_REQUESTS", "false")

	cfg := Load()

	assert.Equal(t, "/var/run/ble.sock", cfg.Socket)
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 9999, cfg.Port)
	assert.True(t, cfg.UseTCP)
	assert.Equal(t, 45500*time.Millisecond, cfg.ScanCacheTTL)
	assert.Equal(t, 5, cfg.BLERetryCount)
	assert.False(t, cfg.SkipOldRequests)
}

func TestNewLoggerUsesConfiguredLevel(t *testing.T) {
	cfg := &Config{LogLevel: logrus.DebugLevel}
	logger := cfg.NewLogger()
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	_, ok := logger.Formatter.(*logrus.TextFormatter)
	assert.True(t, ok)
}
