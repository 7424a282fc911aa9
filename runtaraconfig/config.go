// Package runtaraconfig loads the environment-variable configuration
// shared by the coordinator and environment manager binaries.
package runtaraconfig

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config mirrors the coordinator/environment configuration variables
// of §6: a required database URL plus defaulted tuning knobs.
type Config struct {
	DatabaseURL             string
	QUICPort                int
	MaxConcurrentInstances  int
	SleepDeferThreshold     time.Duration
	HeartbeatInterval       time.Duration
	CancellationPollPeriod  time.Duration
	WakePollInterval        time.Duration
	WakeBatchSize           int
	DataDir                 string
	DBCleanup               CleanupConfig
	ImageCleanup            CleanupConfig
	AckSignalTimeout        time.Duration
	StopGracePeriod         time.Duration
}

// CleanupConfig mirrors the RUNTARA_{DB,IMAGE}_CLEANUP_* family of
// variables for the external cleanup workers (§6). The core only
// reads these to configure the worker loops; the sweep itself is a
// thin call into the persistence Maintenance methods.
type CleanupConfig struct {
	Enabled      bool
	MaxAgeDays   int
	PollInterval time.Duration
	BatchSize    int
}

// Load reads configuration from the process environment, applying the
// defaults documented in §6 (QUIC port 8001, 32 max concurrent
// instances, 30s defer threshold).
func Load() (*Config, error) {
	dbURL := os.Getenv("RUNTARA_DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("RUNTARA_DATABASE_URL is required")
	}

	cfg := &Config{
		DatabaseURL:            dbURL,
		QUICPort:               envInt("RUNTARA_QUIC_PORT", 8001),
		MaxConcurrentInstances: envInt("RUNTARA_MAX_CONCURRENT_INSTANCES", 32),
		SleepDeferThreshold:    envDuration("RUNTARA_SLEEP_DEFER_THRESHOLD_MS", 30_000),
		HeartbeatInterval:      time.Duration(envInt("RUNTARA_HEARTBEAT_INTERVAL_MS", 30_000)) * time.Millisecond,
		CancellationPollPeriod: time.Duration(envInt("RUNTARA_CANCEL_POLL_INTERVAL_MS", 15_000)) * time.Millisecond,
		WakePollInterval:       time.Duration(envInt("RUNTARA_WAKE_POLL_INTERVAL_SECS", 5)) * time.Second,
		WakeBatchSize:          envInt("RUNTARA_WAKE_BATCH_SIZE", 50),
		DataDir:                envString("DATA_DIR", "/var/lib/runtara"),
		AckSignalTimeout:       time.Duration(envInt("RUNTARA_ACK_SIGNAL_TIMEOUT_SECS", 5)) * time.Second,
		StopGracePeriod:        time.Duration(envInt("RUNTARA_STOP_GRACE_PERIOD_SECS", 5)) * time.Second,
		DBCleanup: CleanupConfig{
			Enabled:      envBool("RUNTARA_DB_CLEANUP_ENABLED", false),
			MaxAgeDays:   envInt("RUNTARA_DB_CLEANUP_MAX_AGE_DAYS", 30),
			PollInterval: time.Duration(envInt("RUNTARA_DB_CLEANUP_POLL_INTERVAL_SECS", 3600)) * time.Second,
			BatchSize:    envInt("RUNTARA_DB_CLEANUP_BATCH_SIZE", 100),
		},
		ImageCleanup: CleanupConfig{
			Enabled:      envBool("RUNTARA_IMAGE_CLEANUP_ENABLED", false),
			MaxAgeDays:   envInt("RUNTARA_IMAGE_CLEANUP_MAX_AGE_DAYS", 30),
			PollInterval: time.Duration(envInt("RUNTARA_IMAGE_CLEANUP_POLL_INTERVAL_SECS", 3600)) * time.Second,
			BatchSize:    envInt("RUNTARA_IMAGE_CLEANUP_BATCH_SIZE", 100),
		},
	}
	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, defMillis int) time.Duration {
	return time.Duration(envInt(key, defMillis)) * time.Millisecond
}
