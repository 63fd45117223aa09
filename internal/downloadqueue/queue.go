// Package downloadqueue implements the Download Queue (spec.md §4.5): a
// persistent, ordered sequence of download jobs, deduplicated by physical
// destination rather than by catalog identity so that many catalog entries
// can ride a single in-flight download. Persistence follows the same
// write-temp/validate/rename discipline as internal/catalog.
package downloadqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bleash-dev/comfyui-docker-sub000/internal/lockfile"
	"github.com/bleash-dev/comfyui-docker-sub000/internal/progressstore"
	"github.com/bleash-dev/comfyui-docker-sub000/internal/registry"
)

// Job is one queued download.
type Job struct {
	Group               string `json:"group"`
	ModelName           string `json:"modelName"`
	LocalPath           string `json:"localPath"`
	DownloadDestination string `json:"downloadDestination"`
	SourceRemotePath    string `json:"sourceRemotePath"`
	TotalSize           int64  `json:"totalSize"`
}

type document struct {
	Jobs []Job `json:"jobs"`
}

// Queue is the Download Queue. Mutating operations hold the "queue" lock
// for their full duration.
type Queue struct {
	path     string
	locks    *lockfile.Manager
	lockTTL  time.Duration
	registry *registry.Registry
	progress *progressstore.Store
}

// New returns a Queue persisting to <stateDir>/queue.json. registry and
// progress are the collaborators Enqueue updates as side effects.
func New(stateDir string, locks *lockfile.Manager, lockTTL time.Duration, reg *registry.Registry, progress *progressstore.Store) *Queue {
	return &Queue{
		path:     filepath.Join(stateDir, "queue.json"),
		locks:    locks,
		lockTTL:  lockTTL,
		registry: reg,
		progress: progress,
	}
}

func (q *Queue) load() ([]Job, error) {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read download queue: %w", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse download queue: %w", err)
	}
	return doc.Jobs, nil
}

func (q *Queue) save(jobs []Job) error {
	doc := document{Jobs: jobs}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal download queue: %w", err)
	}
	var probe document
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("refusing to persist unparsable download queue: %w", err)
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp download queue: %w", err)
	}
	if err := os.Rename(tmp, q.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename download queue: %w", err)
	}
	return nil
}

func (q *Queue) withLock(fn func() error) error {
	lock, err := q.locks.Acquire("queue", q.lockTTL, q.lockTTL)
	if err != nil {
		return fmt.Errorf("failed to acquire queue lock: %w", err)
	}
	defer lock.Release()
	return fn()
}

// ErrDuplicateDestination is returned by Enqueue when another job already
// targets the same downloadDestination, or when it is currently in
// progress per the Progress Store.
type ErrDuplicateDestination struct {
	Destination string
}

func (e *ErrDuplicateDestination) Error() string {
	return fmt.Sprintf("a download is already queued or in progress for destination %s", e.Destination)
}

// Enqueue appends job to the queue, rejecting duplicates by
// DownloadDestination (spec.md §4.5's dedup key — not (group, modelName),
// which is what lets many catalog entries share one physical download). The
// waiter is registered with the Destination Registry before the duplicate
// checks, so a rejected job's localPath is still symlinked when the shared
// download completes. On success it also writes an initial queued progress
// record.
func (q *Queue) Enqueue(job Job) error {
	return q.withLock(func() error {
		jobs, err := q.load()
		if err != nil {
			return err
		}

		if q.registry != nil {
			if err := q.registry.Register(job.DownloadDestination, registry.Waiter{
				Group:     job.Group,
				ModelName: job.ModelName,
				LocalPath: job.LocalPath,
			}); err != nil {
				return fmt.Errorf("failed to register destination waiter: %w", err)
			}
		}

		for _, existing := range jobs {
			if existing.DownloadDestination == job.DownloadDestination {
				return &ErrDuplicateDestination{Destination: job.DownloadDestination}
			}
		}

		if q.progress != nil {
			rec, ok, err := q.progress.GetByDestination(job.DownloadDestination)
			if err != nil {
				return fmt.Errorf("failed to check progress for destination %s: %w", job.DownloadDestination, err)
			}
			if ok && rec.Status == progressstore.StatusProgress {
				return &ErrDuplicateDestination{Destination: job.DownloadDestination}
			}
		}

		jobs = append(jobs, job)
		if err := q.save(jobs); err != nil {
			return err
		}

		if q.progress != nil {
			if err := q.progress.Update(context.Background(), job.Group, job.ModelName, job.LocalPath, job.DownloadDestination, job.TotalSize, 0, progressstore.StatusQueued); err != nil {
				return fmt.Errorf("failed to write initial queued progress: %w", err)
			}
		}
		return nil
	})
}

// PopNext removes and returns the head of the queue. ok is false if the
// queue is empty.
func (q *Queue) PopNext() (job Job, ok bool, err error) {
	err = q.withLock(func() error {
		jobs, loadErr := q.load()
		if loadErr != nil {
			return loadErr
		}
		if len(jobs) == 0 {
			return nil
		}
		job = jobs[0]
		ok = true
		return q.save(jobs[1:])
	})
	return job, ok, err
}

// Remove excises every job matching (group, modelName).
func (q *Queue) Remove(group, modelName string) error {
	return q.withLock(func() error {
		jobs, err := q.load()
		if err != nil {
			return err
		}
		filtered := jobs[:0]
		for _, j := range jobs {
			if j.Group == group && j.ModelName == modelName {
				continue
			}
			filtered = append(filtered, j)
		}
		if len(filtered) == len(jobs) {
			return nil
		}
		return q.save(filtered)
	})
}

// Snapshot returns every currently queued job without mutating the queue.
func (q *Queue) Snapshot() ([]Job, error) {
	return q.load()
}
