package worker

import (
	"context"
	"fmt"

	"github.com/bleash-dev/comfyui-docker-sub000/internal/progressstore"
)

// Cancel implements spec.md §4.7's cancel(group, modelName): touch the
// per-model sentinel, excise any queued job, mark progress cancelled, and
// scrub the Destination Registry of this waiter. Safe to call whether or
// not a Download Worker is currently running this process.
func (w *Worker) Cancel(ctx context.Context, group, modelName string) error {
	if err := w.sentinels.Touch(group, modelName); err != nil {
		return err
	}
	if err := w.queue.Remove(group, modelName); err != nil {
		return fmt.Errorf("failed to remove queued job for %s/%s: %w", group, modelName, err)
	}

	rec, ok, err := w.progress.GetByKey(group, modelName)
	if err != nil {
		return fmt.Errorf("failed to read progress for %s/%s: %w", group, modelName, err)
	}
	localPath, destination := "", ""
	if ok {
		localPath, destination = rec.LocalPath, rec.DownloadDestination
	}
	if err := w.progress.Update(ctx, group, modelName, localPath, destination, 0, 0, progressstore.StatusCancelled); err != nil {
		return fmt.Errorf("failed to mark progress cancelled for %s/%s: %w", group, modelName, err)
	}

	if err := w.registry.RemoveWaiter(group, modelName); err != nil {
		return fmt.Errorf("failed to remove destination waiter for %s/%s: %w", group, modelName, err)
	}
	return nil
}

// CancelByLocalPath resolves the (group, modelName) identity of a tracked
// localPath and cancels it, per spec.md §4.7's cancelByLocalPath — identity
// resolution searches only the progress store, since every queued job
// already has an initial progress record.
func (w *Worker) CancelByLocalPath(ctx context.Context, localPath string) error {
	rec, ok, err := w.progress.GetByLocalPath(localPath)
	if err != nil {
		return fmt.Errorf("failed to resolve identity for %s: %w", localPath, err)
	}
	if !ok {
		return fmt.Errorf("no tracked download found for local path %s", localPath)
	}
	return w.Cancel(ctx, rec.Group, rec.ModelName)
}

// CancelAll implements spec.md §4.7's cancelAll: cancel every job currently
// queued, then write the global-stop sentinel so the running worker drains
// and exits without picking up anything new.
func (w *Worker) CancelAll(ctx context.Context) error {
	jobs, err := w.queue.Snapshot()
	if err != nil {
		return fmt.Errorf("failed to snapshot download queue: %w", err)
	}
	for _, job := range jobs {
		if err := w.Cancel(ctx, job.Group, job.ModelName); err != nil {
			w.log.Warnf("failed to cancel %s/%s during cancelAll: %v", job.Group, job.ModelName, err)
		}
	}
	return w.sentinels.TouchGlobalStop()
}
