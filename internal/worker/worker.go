// Package worker implements the Download Worker (spec.md §4.7): the single
// per-pod process that drains the Download Queue, fetches artifacts from
// the object store, and fans out symlinks to every catalog entry sharing a
// destination. Per the REDESIGN FLAGS note in spec.md, the teacher's
// shell-style "background subshell + pid file" worker (internal/daemon in
// the teacher repo) is replaced here with an in-process supervisor: a
// goroutine pool of bounded parallelism coordinated by a semaphore channel
// and context cancellation, while per-download cancellation still uses the
// on-disk sentinels so an out-of-process CLI invocation can request it.
package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bleash-dev/comfyui-docker-sub000/internal/compress"
	"github.com/bleash-dev/comfyui-docker-sub000/internal/config"
	"github.com/bleash-dev/comfyui-docker-sub000/internal/destresolver"
	"github.com/bleash-dev/comfyui-docker-sub000/internal/downloadqueue"
	"github.com/bleash-dev/comfyui-docker-sub000/internal/lockfile"
	"github.com/bleash-dev/comfyui-docker-sub000/internal/logging"
	"github.com/bleash-dev/comfyui-docker-sub000/internal/objectstore"
	"github.com/bleash-dev/comfyui-docker-sub000/internal/progressstore"
	"github.com/bleash-dev/comfyui-docker-sub000/internal/registry"
)

// pollInterval is the pause after a failed queue read; emptyPollInterval
// is the pause after the queue has been observed empty; capacityWaitPoll
// is the pause while every concurrency slot is busy.
const (
	pollInterval      = 500 * time.Millisecond
	emptyPollInterval = 500 * time.Millisecond
	capacityWaitPoll  = time.Second
)

// Worker is the Download Worker. Construct with New; Run drives the main
// loop until the queue drains and stays empty, or the global-stop sentinel
// is observed. Cancel/CancelByLocalPath/CancelAll may be called from any
// process sharing the same state directory, independent of whether this
// process is the one running the loop.
type Worker struct {
	locks *lockfile.Manager

	registry *registry.Registry
	queue    *downloadqueue.Queue
	progress *progressstore.Store
	store    objectstore.Store

	cfg     config.WorkerConfig
	lockCfg config.LockConfig

	sentinels *sentinels
	log       *logging.Logger
}

// New returns a Worker wired to its collaborators. stateDir is the pod
// volume's state directory (Config.StateDir()).
func New(stateDir string, locks *lockfile.Manager, reg *registry.Registry, queue *downloadqueue.Queue, progress *progressstore.Store, store objectstore.Store, cfg config.WorkerConfig, lockCfg config.LockConfig, log *logging.Logger) *Worker {
	return &Worker{
		locks:     locks,
		registry:  reg,
		queue:     queue,
		progress:  progress,
		store:     store,
		cfg:       cfg,
		lockCfg:   lockCfg,
		sentinels: newSentinels(stateDir),
		log:       log,
	}
}

type inFlightEntry struct {
	done chan struct{}
}

// Run performs the two-phase singleton start and, if this process wins it,
// drives the main loop until the worker drains and exits (or the global
// stop sentinel fires a full shutdown). If another live worker already
// holds the running lock, Run returns nil immediately: start is a no-op.
func (w *Worker) Run(ctx context.Context) error {
	running, alreadyRunning, err := w.locks.StartSingleton(
		"worker-starting", "worker-running",
		w.lockCfg.WorkerStartTTL, w.lockCfg.WorkerRunningTTL, w.lockCfg.WorkerStartTries,
	)
	if err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	if alreadyRunning {
		w.log.Debugf("worker already running on this pod, start is a no-op")
		return nil
	}
	defer running.Release()

	heartbeatStop := make(chan struct{})
	var heartbeatWG sync.WaitGroup
	heartbeatWG.Add(1)
	go func() {
		defer heartbeatWG.Done()
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := running.Touch(); err != nil {
					w.log.Warnf("worker heartbeat failed: %v", err)
				}
			case <-heartbeatStop:
				return
			}
		}
	}()
	defer func() {
		close(heartbeatStop)
		heartbeatWG.Wait()
	}()

	sweepStop := make(chan struct{})
	var sweepWG sync.WaitGroup
	sweepWG.Add(1)
	go func() {
		defer sweepWG.Done()
		ticker := time.NewTicker(w.cfg.SentinelSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := w.sentinels.Sweep(w.cfg.SentinelMaxAge); err != nil {
					w.log.Warnf("sentinel sweep failed: %v", err)
				}
			case <-sweepStop:
				return
			}
		}
	}()
	defer func() {
		close(sweepStop)
		sweepWG.Wait()
	}()

	return w.mainLoop(ctx)
}

func (w *Worker) mainLoop(ctx context.Context) error {
	sem := make(chan struct{}, w.cfg.MaxConcurrent)
	var mu sync.Mutex
	inFlight := map[string]*inFlightEntry{}
	var wg sync.WaitGroup
	emptyChecks := 0

	reap := func() {
		mu.Lock()
		defer mu.Unlock()
		for key, entry := range inFlight {
			select {
			case <-entry.done:
				delete(inFlight, key)
			default:
			}
		}
	}

	for {
		if w.sentinels.IsGlobalStop() {
			w.log.Infof("global-stop sentinel observed, draining %d in-flight downloads", len(inFlight))
			wg.Wait()
			if err := w.sentinels.ClearGlobalStop(); err != nil {
				w.log.Warnf("%v", err)
			}
			return nil
		}
		if ctx.Err() != nil {
			w.log.Infof("worker context cancelled, waiting for in-flight downloads")
			wg.Wait()
			return nil
		}

		reap()

		mu.Lock()
		count := len(inFlight)
		mu.Unlock()

		if count >= w.cfg.MaxConcurrent {
			time.Sleep(capacityWaitPoll)
			continue
		}

		job, ok, err := w.queue.PopNext()
		if err != nil {
			w.log.Errorf("failed to pop next download job: %v", err)
			time.Sleep(pollInterval)
			continue
		}
		if !ok {
			emptyChecks++
			if emptyChecks >= w.cfg.MaxEmptyChecks && count == 0 {
				w.log.Debugf("queue empty after %d checks, worker exiting", emptyChecks)
				return nil
			}
			time.Sleep(emptyPollInterval)
			continue
		}
		emptyChecks = 0

		if w.sentinels.IsCancelled(job.Group, job.ModelName) {
			if err := w.progress.Update(ctx, job.Group, job.ModelName, job.LocalPath, job.DownloadDestination, job.TotalSize, 0, progressstore.StatusCancelled); err != nil {
				w.log.Warnf("failed to mark cancelled progress for %s/%s: %v", job.Group, job.ModelName, err)
			}
			continue
		}

		identity := job.Group + "/" + job.ModelName
		done := make(chan struct{})
		mu.Lock()
		inFlight[identity] = &inFlightEntry{done: done}
		mu.Unlock()

		sem <- struct{}{}
		wg.Add(1)
		go func(job downloadqueue.Job) {
			defer wg.Done()
			defer close(done)
			defer func() { <-sem }()

			if err := w.downloadOne(ctx, job); err != nil {
				w.log.Errorf("download failed for %s/%s: %v", job.Group, job.ModelName, err)
			}
		}(job)
	}
}

// downloadOne implements spec.md §4.7's downloadOne subroutine.
func (w *Worker) downloadOne(ctx context.Context, job downloadqueue.Job) error {
	if w.sentinels.IsCancelled(job.Group, job.ModelName) {
		return w.progress.Update(ctx, job.Group, job.ModelName, job.LocalPath, job.DownloadDestination, job.TotalSize, 0, progressstore.StatusCancelled)
	}

	destination, needsSymlink := destresolver.Resolve(job.LocalPath, job.SourceRemotePath)

	if info, err := os.Stat(destination); err == nil {
		size := info.Size()
		if err := w.progress.Update(ctx, job.Group, job.ModelName, job.LocalPath, destination, size, size, progressstore.StatusCompleted); err != nil {
			return fmt.Errorf("failed to mark already-present download completed: %w", err)
		}
		if needsSymlink {
			if _, err := os.Lstat(job.LocalPath); err != nil {
				if err := ensureSymlink(job.LocalPath, destination); err != nil {
					return fmt.Errorf("failed to create symlink for already-present destination: %w", err)
				}
			}
		}
		return w.completeForDestination(ctx, destination)
	}

	transportKey := stripToKey(job.SourceRemotePath)

	transportKey, isCompressed, uncompressedSize, err := compress.Probe(ctx, w.store, transportKey)
	if err != nil {
		w.failDownload(ctx, job, destination, err)
		return err
	}

	total := uncompressedSize
	if total == 0 {
		total, err = w.store.Size(ctx, transportKey)
		if err != nil {
			w.failDownload(ctx, job, destination, err)
			return err
		}
	}

	if w.sentinels.IsCancelled(job.Group, job.ModelName) {
		return w.progress.Update(ctx, job.Group, job.ModelName, job.LocalPath, destination, total, 0, progressstore.StatusCancelled)
	}

	if err := w.progress.Update(ctx, job.Group, job.ModelName, job.LocalPath, destination, total, 0, progressstore.StatusProgress); err != nil {
		w.log.Warnf("failed to write initial progress for %s/%s: %v", job.Group, job.ModelName, err)
	}

	lastReport := time.Now()
	onBytes := func(downloaded int64) {
		if time.Since(lastReport) < 200*time.Millisecond && downloaded < total {
			return
		}
		lastReport = time.Now()
		if err := w.progress.Update(ctx, job.Group, job.ModelName, job.LocalPath, destination, total, downloaded, progressstore.StatusProgress); err != nil {
			w.log.Warnf("failed to report progress for %s/%s: %v", job.Group, job.ModelName, err)
		}
	}

	if err := compress.FetchAndMaterialize(ctx, w.store, transportKey, destination, isCompressed, onBytes); err != nil {
		w.failDownload(ctx, job, destination, err)
		return err
	}

	if err := w.progress.Update(ctx, job.Group, job.ModelName, job.LocalPath, destination, total, total, progressstore.StatusCompleted); err != nil {
		return fmt.Errorf("failed to mark download completed: %w", err)
	}

	return w.completeForDestination(ctx, destination)
}

func (w *Worker) failDownload(ctx context.Context, job downloadqueue.Job, destination string, cause error) {
	os.Remove(destination + ".download.tmp")
	os.Remove(destination + ".extract.tmp")
	if err := w.progress.Update(ctx, job.Group, job.ModelName, job.LocalPath, destination, job.TotalSize, 0, progressstore.StatusFailed); err != nil {
		w.log.Warnf("failed to mark progress failed for %s/%s after %v: %v", job.Group, job.ModelName, cause, err)
	}
}

// completeForDestination implements spec.md §4.7's symlink fan-out: every
// catalog entry registered against destination whose localPath differs
// from it gets a freshly created symlink and a completed progress record,
// then the registry's waiter list for destination is cleared.
func (w *Worker) completeForDestination(ctx context.Context, destination string) error {
	waiters, err := w.registry.Waiters(destination)
	if err != nil {
		return fmt.Errorf("failed to read destination waiters: %w", err)
	}

	for _, waiter := range waiters {
		if filepath.Clean(waiter.LocalPath) == filepath.Clean(destination) {
			continue
		}
		if err := ensureSymlink(waiter.LocalPath, destination); err != nil {
			w.log.Warnf("failed to symlink %s -> %s: %v", waiter.LocalPath, destination, err)
			continue
		}
		if err := w.progress.Update(ctx, waiter.Group, waiter.ModelName, waiter.LocalPath, destination, 0, 0, progressstore.StatusCompleted); err != nil {
			w.log.Warnf("failed to mark waiter %s/%s completed: %v", waiter.Group, waiter.ModelName, err)
		}
	}

	return w.registry.Clear(destination)
}

// ensureSymlink removes anything currently at localPath and replaces it
// with a symlink pointing at destination.
func ensureSymlink(localPath, destination string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory for %s: %w", localPath, err)
	}
	if _, err := os.Lstat(localPath); err == nil {
		if err := os.Remove(localPath); err != nil {
			return fmt.Errorf("failed to remove existing file at %s: %w", localPath, err)
		}
	}
	if err := os.Symlink(destination, localPath); err != nil {
		return fmt.Errorf("failed to symlink %s -> %s: %w", localPath, destination, err)
	}
	return nil
}

// stripToKey strips an "s3://bucket/" scheme or leading slash from a
// sourceRemotePath, matching the catalog's own bucket-prefix normalization
// since the object-store collaborator already treats every key as relative
// to its one configured bucket.
func stripToKey(remotePath string) string {
	if idx := strings.Index(remotePath, "://"); idx != -1 {
		rest := remotePath[idx+3:]
		if slash := strings.Index(rest, "/"); slash != -1 {
			return rest[slash+1:]
		}
		return rest
	}
	return strings.TrimPrefix(remotePath, "/")
}
