package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Worker.MaxConcurrent != 3 {
		t.Errorf("expected MaxConcurrent=3, got %d", cfg.Worker.MaxConcurrent)
	}
	if cfg.Locks.CatalogTTLSecs != 600 {
		t.Errorf("expected catalog TTL 600s, got %d", cfg.Locks.CatalogTTLSecs)
	}
	if cfg.Locks.QueueTTLSecs != 30 {
		t.Errorf("expected queue TTL 30s, got %d", cfg.Locks.QueueTTLSecs)
	}
	if cfg.Locks.WorkerStartTries != 10 {
		t.Errorf("expected 10 worker-start tries, got %d", cfg.Locks.WorkerStartTries)
	}
}

func TestLoadRequiresVolumeRoot(t *testing.T) {
	t.Setenv("MODELPOD_VOLUME_ROOT", "")
	t.Setenv("MODELPOD_BUCKET", "")
	t.Setenv("MODELPOD_POD_ID", "")
	t.Setenv("MODELPOD_USER_ID", "")
	t.Setenv("MODELPOD_POLICY_BASE_URL", "")
	t.Setenv("MODELPOD_POLICY_SHARED_SECRET", "")

	if _, err := Load(""); err == nil {
		t.Fatal("expected error when volume_root is unset")
	}
}

func TestLoadFromFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "modelpod.conf")

	contents := `
[core]
volume_root = /vol/models
bucket = comfy-models
pod_id = pod-123
user_id = user-456

[policy]
base_url = https://policy.internal
shared_secret = s3cr3t

[worker]
max_concurrent = 5
`
	if err := os.WriteFile(configPath, []byte(contents), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	t.Setenv("MODELPOD_BUCKET", "override-bucket")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Core.VolumeRoot != "/vol/models" {
		t.Errorf("expected volume_root /vol/models, got %s", cfg.Core.VolumeRoot)
	}
	if cfg.Core.Bucket != "override-bucket" {
		t.Errorf("expected env override to win, got %s", cfg.Core.Bucket)
	}
	if cfg.Worker.MaxConcurrent != 5 {
		t.Errorf("expected max_concurrent=5, got %d", cfg.Worker.MaxConcurrent)
	}
	if cfg.Worker.HeartbeatInterval.Seconds() != 30 {
		t.Errorf("expected heartbeat interval resolved to 30s, got %v", cfg.Worker.HeartbeatInterval)
	}
	if cfg.StateDir() != filepath.Join("/vol/models", ".modelpod") {
		t.Errorf("unexpected state dir: %s", cfg.StateDir())
	}
}
