// Package config builds the orchestrator's runtime configuration from
// environment variables (spec §6), the way the teacher's pkg/config builds
// a logrus.Logger from a small struct, but with defaults declared on the
// struct itself via mcuadros/go-defaults instead of a hand-written
// constructor.
package config

import (
	"os"
	"strconv"
	"time"

	defaults "github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
)

// durations struct holds the same knobs as seconds-as-float so that
// mcuadros/go-defaults (which parses numeric "default" tags via ParseFloat
// for float kinds) can fill them in declaratively; Load() converts these
// into the time.Duration fields Config exposes to the rest of the service.
type durationsSeconds struct {
	ScanCacheTTL        float64 `default:"300"`
	BLEConnectTimeout   float64 `default:"10"`
	BLERetryInterval    float64 `default:"1"`
	RequestMaxAge       float64 `default:"30"`
	ExclusiveControlTTL float64 `default:"90"`
	WatchdogInterval    float64 `default:"30"`
}

// Config holds every environment-tunable knob in spec §6.
type Config struct {
	Socket string `default:"/tmp/ble-orchestrator.sock"`
	Host   string `default:"127.0.0.1"`
	Port   int    `default:"8378"`
	UseTCP bool

	ScanAdapter    string `default:"hci0"`
	ConnectAdapter string `default:"hci1"`

	ScanCacheTTL        time.Duration
	BLEConnectTimeout   time.Duration
	BLERetryCount       int `default:"2"`
	BLERetryInterval    time.Duration
	RequestMaxAge       time.Duration
	SkipOldRequests     bool `default:"true"`
	ExclusiveControl    bool `default:"true"`
	ExclusiveControlTTL time.Duration
	WatchdogInterval    time.Duration
	FailureThreshold    int `default:"3"`
	ParallelLaneWorkers int `default:"3"`
	MaxSessions         int `default:"10"`

	LogLevel logrus.Level `default:"4"` // logrus.InfoLevel
}

// Load builds a Config from defaults overridden by environment variables.
func Load() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)

	var d durationsSeconds
	defaults.SetDefaults(&d)
	cfg.ScanCacheTTL = seconds(d.ScanCacheTTL)
	cfg.BLEConnectTimeout = seconds(d.BLEConnectTimeout)
	cfg.BLERetryInterval = seconds(d.BLERetryInterval)
	cfg.RequestMaxAge = seconds(d.RequestMaxAge)
	cfg.ExclusiveControlTTL = seconds(d.ExclusiveControlTTL)
	cfg.WatchdogInterval = seconds(d.WatchdogInterval)

	cfg.Socket = envString("SOCKET", cfg.Socket)
	cfg.Host = envString("HOST", cfg.Host)
	cfg.Port = envInt("PORT", cfg.Port)
	if _, ok := os.LookupEnv("BLE_ORCHESTRATOR_TCP"); ok {
		cfg.UseTCP = true
	}

	cfg.ScanAdapter = envString("SCAN_ADAPTER", cfg.ScanAdapter)
	cfg.ConnectAdapter = envString("CONNECT_ADAPTER", cfg.ConnectAdapter)

	cfg.ScanCacheTTL = envSeconds("SCAN_CACHE_TTL_SEC", cfg.ScanCacheTTL)
	cfg.BLEConnectTimeout = envSeconds("BLE_CONNECT_TIMEOUT_SEC", cfg.BLEConnectTimeout)
	cfg.BLERetryCount = envInt("BLE_RETRY_COUNT", cfg.BLERetryCount)
	cfg.BLERetryInterval = envSeconds("BLE_RETRY_INTERVAL_SEC", cfg.BLERetryInterval)
	cfg.RequestMaxAge = envSeconds("REQUEST_MAX_AGE_SEC", cfg.RequestMaxAge)
	cfg.SkipOldRequests = envBool("SKIP_OLD_REQUESTS", cfg.SkipOldRequests)
	cfg.ExclusiveControl = envBool("EXCLUSIVE_CONTROL_ENABLED", cfg.ExclusiveControl)
	cfg.ExclusiveControlTTL = envSeconds("EXCLUSIVE_CONTROL_TIMEOUT_SEC", cfg.ExclusiveControlTTL)
	cfg.WatchdogInterval = envSeconds("WATCHDOG_CHECK_INTERVAL_SEC", cfg.WatchdogInterval)
	cfg.FailureThreshold = envInt("CONSECUTIVE_FAILURES_THRESHOLD", cfg.FailureThreshold)
	cfg.ParallelLaneWorkers = envInt("SCAN_COMMAND_PARALLEL_WORKERS", cfg.ParallelLaneWorkers)

	return cfg
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

// NewLogger builds a *logrus.Logger configured the way the teacher's
// pkg/config.Config.NewLogger does: text formatter, full timestamp.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}

func envString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envSeconds(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(f * float64(time.Second))
		}
	}
	return fallback
}
