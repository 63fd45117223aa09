package downloadqueue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/bleash-dev/comfyui-docker-sub000/internal/lockfile"
	"github.com/bleash-dev/comfyui-docker-sub000/internal/progressstore"
	"github.com/bleash-dev/comfyui-docker-sub000/internal/registry"
)

func newTestQueue(t *testing.T) (*Queue, *registry.Registry, *progressstore.Store) {
	t.Helper()
	dir := t.TempDir()
	locks := lockfile.NewManager(filepath.Join(dir, "locks"))
	reg := registry.New(dir, locks, time.Minute)
	progress := progressstore.New(dir, locks, time.Minute, nil, "download")
	return New(dir, locks, time.Minute, reg, progress), reg, progress
}

func TestEnqueueAndPopNext(t *testing.T) {
	q, _, _ := newTestQueue(t)

	job := Job{Group: "g", ModelName: "m", LocalPath: "/local", DownloadDestination: "/dest/m.bin", TotalSize: 100}
	if err := q.Enqueue(job); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	got, ok, err := q.PopNext()
	if err != nil {
		t.Fatal(err)
	}
	if !ok || got.DownloadDestination != job.DownloadDestination {
		t.Fatalf("expected to pop enqueued job, got ok=%v job=%+v", ok, got)
	}

	_, ok, err = q.PopNext()
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected empty queue after popping the only job")
	}
}

func TestEnqueueRejectsDuplicateDestination(t *testing.T) {
	q, _, _ := newTestQueue(t)

	job1 := Job{Group: "g1", ModelName: "m1", DownloadDestination: "/dest/shared.bin"}
	job2 := Job{Group: "g2", ModelName: "m2", DownloadDestination: "/dest/shared.bin"}

	if err := q.Enqueue(job1); err != nil {
		t.Fatal(err)
	}
	err := q.Enqueue(job2)
	if err == nil {
		t.Fatal("expected duplicate destination to be rejected")
	}
	if _, ok := err.(*ErrDuplicateDestination); !ok {
		t.Fatalf("expected ErrDuplicateDestination, got %T: %v", err, err)
	}
}

func TestEnqueueRegistersDestinationWaiter(t *testing.T) {
	q, reg, _ := newTestQueue(t)

	job := Job{Group: "g", ModelName: "m", LocalPath: "/local/m.bin", DownloadDestination: "/dest/m.bin"}
	if err := q.Enqueue(job); err != nil {
		t.Fatal(err)
	}

	waiters, err := reg.Waiters("/dest/m.bin")
	if err != nil {
		t.Fatal(err)
	}
	if len(waiters) != 1 || waiters[0].ModelName != "m" {
		t.Fatalf("expected 1 registered waiter, got %+v", waiters)
	}
}

func TestEnqueueWritesInitialQueuedProgress(t *testing.T) {
	q, _, progress := newTestQueue(t)

	job := Job{Group: "g", ModelName: "m", LocalPath: "/local/m.bin", DownloadDestination: "/dest/m.bin", TotalSize: 500}
	if err := q.Enqueue(job); err != nil {
		t.Fatal(err)
	}

	rec, ok, err := progress.GetByKey("g", "m")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || rec.Status != progressstore.StatusQueued || rec.TotalSize != 500 {
		t.Fatalf("expected initial queued progress record, got ok=%v rec=%+v", ok, rec)
	}
}

func TestRemoveExcisesMatchingJob(t *testing.T) {
	q, _, _ := newTestQueue(t)

	if err := q.Enqueue(Job{Group: "g", ModelName: "keep", DownloadDestination: "/dest/keep.bin"}); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(Job{Group: "g", ModelName: "drop", DownloadDestination: "/dest/drop.bin"}); err != nil {
		t.Fatal(err)
	}

	if err := q.Remove("g", "drop"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	jobs, err := q.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].ModelName != "keep" {
		t.Fatalf("expected only 'keep' job to remain, got %+v", jobs)
	}
}

func TestEnqueueRejectsWhenProgressAlreadyInFlight(t *testing.T) {
	dir := t.TempDir()
	locks := lockfile.NewManager(filepath.Join(dir, "locks"))
	reg := registry.New(dir, locks, time.Minute)
	progress := progressstore.New(dir, locks, time.Minute, nil, "download")
	q := New(dir, locks, time.Minute, reg, progress)

	if err := progress.Update(context.Background(), "g", "m", "/local", "/dest/shared.bin", 100, 30, progressstore.StatusProgress); err != nil {
		t.Fatal(err)
	}

	err := q.Enqueue(Job{Group: "other-g", ModelName: "other-m", DownloadDestination: "/dest/shared.bin"})
	if err == nil {
		t.Fatal("expected enqueue to be rejected while destination is in progress")
	}
}
