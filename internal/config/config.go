// Package config loads the pod sync core's environment inputs: the ambient
// bucket name, pod/user identity, the policy service location, and the
// tuning knobs for locks, the worker pool, and sentinel cleanup.
//
// Values are read from an INI file (matching the teacher's daemon.conf
// convention) and may be overridden by environment variables, since the
// CORE normally runs inside a container where env vars are how the pod
// orchestrator passes identity in.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/ini.v1"
)

// Config holds every environment input the CORE needs. See SPEC_FULL.md §4.
type Config struct {
	// Core identifies the pod, the ambient bucket, and the user on whose
	// behalf the sync runs.
	Core CoreConfig

	// Policy locates the remote policy service and the secret used to sign
	// requests to it (the secret itself is opaque to the CORE).
	Policy PolicyConfig

	// Worker tunes the download worker's concurrency and heartbeat.
	Worker WorkerConfig

	// Locks overrides the staleness TTLs from spec.md §5.
	Locks LockConfig
}

type CoreConfig struct {
	VolumeRoot string `ini:"volume_root"`
	Bucket     string `ini:"bucket"`
	PodID      string `ini:"pod_id"`
	UserID     string `ini:"user_id"`
}

type PolicyConfig struct {
	BaseURL      string `ini:"base_url"`
	SharedSecret string `ini:"shared_secret"`
}

type WorkerConfig struct {
	MaxConcurrent         int           `ini:"max_concurrent"`
	HeartbeatInterval     time.Duration `ini:"-"`
	HeartbeatIntervalSecs int           `ini:"heartbeat_interval_seconds"`
	MaxEmptyChecks        int           `ini:"max_empty_checks"`
	SentinelSweepInterval time.Duration `ini:"-"`
	SentinelSweepSecs     int           `ini:"sentinel_sweep_interval_seconds"`
	SentinelMaxAge        time.Duration `ini:"-"`
	SentinelMaxAgeSecs    int           `ini:"sentinel_max_age_seconds"`
}

type LockConfig struct {
	CatalogTTL           time.Duration `ini:"-"`
	CatalogTTLSecs       int           `ini:"catalog_ttl_seconds"`
	QueueTTL             time.Duration `ini:"-"`
	QueueTTLSecs         int           `ini:"queue_ttl_seconds"`
	ProgressTTL          time.Duration `ini:"-"`
	ProgressTTLSecs      int           `ini:"progress_ttl_seconds"`
	RegistrationTTL      time.Duration `ini:"-"`
	RegistrationTTLSecs  int           `ini:"registration_ttl_seconds"`
	WorkerStartTTL       time.Duration `ini:"-"`
	WorkerStartTTLSecs   int           `ini:"worker_start_ttl_seconds"`
	WorkerStartTries     int           `ini:"worker_start_tries"`
	WorkerRunningTTL     time.Duration `ini:"-"`
	WorkerRunningTTLSecs int           `ini:"worker_running_ttl_seconds"`
}

// Default returns the configuration's documented defaults (spec.md §5, §4.7).
func Default() *Config {
	return &Config{
		Worker: WorkerConfig{
			MaxConcurrent:         3,
			HeartbeatIntervalSecs: 30,
			MaxEmptyChecks:        20,
			SentinelSweepSecs:     300,
			SentinelMaxAgeSecs:    3600,
		},
		Locks: LockConfig{
			CatalogTTLSecs:       600,
			QueueTTLSecs:         30,
			ProgressTTLSecs:      30,
			RegistrationTTLSecs:  60,
			WorkerStartTTLSecs:   10,
			WorkerStartTries:     10,
			WorkerRunningTTLSecs: 90,
		},
	}
}

// Load reads an INI config file over the documented defaults, then applies
// environment variable overrides. path may be empty, in which case only
// defaults and environment variables apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			f, err := ini.Load(path)
			if err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
			if err := f.Section("core").MapTo(&cfg.Core); err != nil {
				return nil, fmt.Errorf("failed to parse [core] section: %w", err)
			}
			if err := f.Section("policy").MapTo(&cfg.Policy); err != nil {
				return nil, fmt.Errorf("failed to parse [policy] section: %w", err)
			}
			if err := f.Section("worker").MapTo(&cfg.Worker); err != nil {
				return nil, fmt.Errorf("failed to parse [worker] section: %w", err)
			}
			if err := f.Section("locks").MapTo(&cfg.Locks); err != nil {
				return nil, fmt.Errorf("failed to parse [locks] section: %w", err)
			}
		}
	}

	applyEnvOverrides(cfg)
	cfg.resolveDurations()

	if cfg.Core.VolumeRoot == "" {
		return nil, fmt.Errorf("volume_root is required (set [core] volume_root or MODELPOD_VOLUME_ROOT)")
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MODELPOD_VOLUME_ROOT"); v != "" {
		cfg.Core.VolumeRoot = v
	}
	if v := os.Getenv("MODELPOD_BUCKET"); v != "" {
		cfg.Core.Bucket = v
	}
	if v := os.Getenv("MODELPOD_POD_ID"); v != "" {
		cfg.Core.PodID = v
	}
	if v := os.Getenv("MODELPOD_USER_ID"); v != "" {
		cfg.Core.UserID = v
	}
	if v := os.Getenv("MODELPOD_POLICY_BASE_URL"); v != "" {
		cfg.Policy.BaseURL = v
	}
	if v := os.Getenv("MODELPOD_POLICY_SHARED_SECRET"); v != "" {
		cfg.Policy.SharedSecret = v
	}
}

func (c *Config) resolveDurations() {
	c.Worker.HeartbeatInterval = time.Duration(c.Worker.HeartbeatIntervalSecs) * time.Second
	c.Worker.SentinelSweepInterval = time.Duration(c.Worker.SentinelSweepSecs) * time.Second
	c.Worker.SentinelMaxAge = time.Duration(c.Worker.SentinelMaxAgeSecs) * time.Second
	c.Locks.CatalogTTL = time.Duration(c.Locks.CatalogTTLSecs) * time.Second
	c.Locks.QueueTTL = time.Duration(c.Locks.QueueTTLSecs) * time.Second
	c.Locks.ProgressTTL = time.Duration(c.Locks.ProgressTTLSecs) * time.Second
	c.Locks.RegistrationTTL = time.Duration(c.Locks.RegistrationTTLSecs) * time.Second
	c.Locks.WorkerStartTTL = time.Duration(c.Locks.WorkerStartTTLSecs) * time.Second
	c.Locks.WorkerRunningTTL = time.Duration(c.Locks.WorkerRunningTTLSecs) * time.Second
}

// StateDir returns the directory holding the catalog, queue, progress,
// destination-registry, lock, and sentinel files for this volume.
func (c *Config) StateDir() string {
	return filepath.Join(c.Core.VolumeRoot, ".modelpod")
}
