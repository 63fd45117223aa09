package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bleash-dev/comfyui-docker-sub000/internal/config"
	"github.com/bleash-dev/comfyui-docker-sub000/internal/downloadqueue"
	"github.com/bleash-dev/comfyui-docker-sub000/internal/lockfile"
	"github.com/bleash-dev/comfyui-docker-sub000/internal/logging"
	"github.com/bleash-dev/comfyui-docker-sub000/internal/objectstore"
	"github.com/bleash-dev/comfyui-docker-sub000/internal/progressstore"
	"github.com/bleash-dev/comfyui-docker-sub000/internal/registry"
)

func newTestWorker(t *testing.T) (*Worker, *objectstore.MemoryStore, string) {
	t.Helper()
	root := t.TempDir()
	stateDir := filepath.Join(root, ".modelpod")
	locks := lockfile.NewManager(filepath.Join(stateDir, "locks"))

	reg := registry.New(stateDir, locks, time.Minute)
	progress := progressstore.New(stateDir, locks, time.Minute, nil, "download")
	queue := downloadqueue.New(stateDir, locks, time.Minute, reg, progress)
	store := objectstore.NewMemoryStore()

	cfg := config.WorkerConfig{
		MaxConcurrent:         2,
		HeartbeatInterval:     50 * time.Millisecond,
		MaxEmptyChecks:        3,
		SentinelSweepInterval: time.Hour,
		SentinelMaxAge:        time.Hour,
	}
	lockCfg := config.LockConfig{
		WorkerStartTTL:   time.Second,
		WorkerRunningTTL: time.Minute,
		WorkerStartTries: 5,
	}

	w := New(stateDir, locks, reg, queue, progress, store, cfg, lockCfg, logging.NewDefault())
	return w, store, root
}

func TestDownloadOneFetchesUncompressedObjectToCanonicalPath(t *testing.T) {
	w, store, root := newTestWorker(t)
	store.Seed("models/checkpoints/a.bin", []byte("artifact bytes"), nil)

	localPath := filepath.Join(root, "models", "checkpoints", "a.bin")
	job := downloadqueue.Job{
		Group:               "checkpoints",
		ModelName:           "a.bin",
		LocalPath:           localPath,
		DownloadDestination: localPath,
		SourceRemotePath:    "models/checkpoints/a.bin",
		TotalSize:           int64(len("artifact bytes")),
	}

	if err := w.downloadOne(context.Background(), job); err != nil {
		t.Fatalf("downloadOne failed: %v", err)
	}

	got, err := os.ReadFile(localPath)
	if err != nil {
		t.Fatalf("expected file at canonical path: %v", err)
	}
	if string(got) != "artifact bytes" {
		t.Fatalf("unexpected contents: %q", got)
	}

	rec, ok, err := w.progress.GetByKey("checkpoints", "a.bin")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || rec.Status != progressstore.StatusCompleted {
		t.Fatalf("expected completed progress, got ok=%v rec=%+v", ok, rec)
	}
}

func TestDownloadOneFansOutSymlinksToRegisteredWaiters(t *testing.T) {
	w, store, root := newTestWorker(t)
	store.Seed("models/checkpoints/shared.bin", []byte("shared bytes"), nil)

	canonicalLocal := filepath.Join(root, "models", "checkpoints", "shared.bin")
	aliasLocal := filepath.Join(root, "models", "unet", "shared-alias.bin")

	if err := w.registry.Register(canonicalLocal, registry.Waiter{Group: "unet", ModelName: "shared-alias.bin", LocalPath: aliasLocal}); err != nil {
		t.Fatal(err)
	}

	job := downloadqueue.Job{
		Group:               "checkpoints",
		ModelName:           "shared.bin",
		LocalPath:           canonicalLocal,
		DownloadDestination: canonicalLocal,
		SourceRemotePath:    "models/checkpoints/shared.bin",
	}

	if err := w.downloadOne(context.Background(), job); err != nil {
		t.Fatalf("downloadOne failed: %v", err)
	}

	info, err := os.Lstat(aliasLocal)
	if err != nil {
		t.Fatalf("expected symlink at alias path: %v", err)
	}
	if info.Mode()&os.ModeSymlink == 0 {
		t.Fatal("expected alias path to be a symlink")
	}
	target, err := os.Readlink(aliasLocal)
	if err != nil {
		t.Fatal(err)
	}
	if target != canonicalLocal {
		t.Fatalf("expected symlink target %s, got %s", canonicalLocal, target)
	}

	rec, ok, err := w.progress.GetByKey("unet", "shared-alias.bin")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || rec.Status != progressstore.StatusCompleted {
		t.Fatalf("expected alias waiter marked completed, got ok=%v rec=%+v", ok, rec)
	}

	waiters, err := w.registry.Waiters(canonicalLocal)
	if err != nil {
		t.Fatal(err)
	}
	if len(waiters) != 0 {
		t.Fatalf("expected registry cleared after fan-out, got %+v", waiters)
	}
}

func TestDownloadOneHonorsCancellationSentinel(t *testing.T) {
	w, _, root := newTestWorker(t)
	localPath := filepath.Join(root, "models", "checkpoints", "cancelled.bin")

	if err := w.sentinels.Touch("checkpoints", "cancelled.bin"); err != nil {
		t.Fatal(err)
	}

	job := downloadqueue.Job{
		Group:               "checkpoints",
		ModelName:           "cancelled.bin",
		LocalPath:           localPath,
		DownloadDestination: localPath,
		SourceRemotePath:    "models/checkpoints/cancelled.bin",
	}
	if err := w.downloadOne(context.Background(), job); err != nil {
		t.Fatalf("downloadOne failed: %v", err)
	}

	if _, err := os.Stat(localPath); !os.IsNotExist(err) {
		t.Fatal("expected no file to be fetched for a cancelled download")
	}

	rec, ok, err := w.progress.GetByKey("checkpoints", "cancelled.bin")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || rec.Status != progressstore.StatusCancelled {
		t.Fatalf("expected cancelled progress, got ok=%v rec=%+v", ok, rec)
	}
}

func TestCancelRemovesQueuedJobAndMarksCancelled(t *testing.T) {
	w, _, root := newTestWorker(t)
	localPath := filepath.Join(root, "models", "checkpoints", "b.bin")

	err := w.queue.Enqueue(downloadqueue.Job{
		Group:               "checkpoints",
		ModelName:           "b.bin",
		LocalPath:           localPath,
		DownloadDestination: localPath,
		SourceRemotePath:    "models/checkpoints/b.bin",
		TotalSize:           10,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := w.Cancel(context.Background(), "checkpoints", "b.bin"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	jobs, err := w.queue.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected job removed from queue, got %+v", jobs)
	}

	if !w.sentinels.IsCancelled("checkpoints", "b.bin") {
		t.Fatal("expected cancellation sentinel to be set")
	}

	rec, ok, err := w.progress.GetByKey("checkpoints", "b.bin")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || rec.Status != progressstore.StatusCancelled {
		t.Fatalf("expected cancelled progress, got ok=%v rec=%+v", ok, rec)
	}
}

func TestCancelAllWritesGlobalStopAndDrainsQueue(t *testing.T) {
	w, _, root := newTestWorker(t)
	localPath := filepath.Join(root, "models", "checkpoints", "c.bin")

	if err := w.queue.Enqueue(downloadqueue.Job{
		Group: "checkpoints", ModelName: "c.bin",
		LocalPath: localPath, DownloadDestination: localPath,
		SourceRemotePath: "models/checkpoints/c.bin",
	}); err != nil {
		t.Fatal(err)
	}

	if err := w.CancelAll(context.Background()); err != nil {
		t.Fatalf("CancelAll failed: %v", err)
	}

	if !w.sentinels.IsGlobalStop() {
		t.Fatal("expected global-stop sentinel to be set")
	}
	jobs, err := w.queue.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected queue drained, got %+v", jobs)
	}
}

func TestMainLoopExitsImmediatelyOnGlobalStop(t *testing.T) {
	w, _, root := newTestWorker(t)
	localPath := filepath.Join(root, "models", "checkpoints", "d.bin")

	if err := w.queue.Enqueue(downloadqueue.Job{
		Group: "checkpoints", ModelName: "d.bin",
		LocalPath: localPath, DownloadDestination: localPath,
		SourceRemotePath: "models/checkpoints/d.bin",
	}); err != nil {
		t.Fatal(err)
	}
	if err := w.sentinels.TouchGlobalStop(); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected Run to exit promptly on global-stop sentinel")
	}

	jobs, err := w.queue.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected untouched job still queued, got %+v", jobs)
	}
}

func TestMainLoopExitsAfterMaxEmptyChecks(t *testing.T) {
	w, _, _ := newTestWorker(t)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected Run to exit after exhausting empty-queue checks")
	}
}
