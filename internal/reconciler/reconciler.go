// Package reconciler implements the Upload Reconciler (spec.md §4.8): it
// walks a local model tree, decides per file whether the policy service
// will permit a sync, and uploads, relinks, or drops the catalog entry
// accordingly. It also runs the independent Sanitization pass that
// collapses duplicate catalog entries sharing a downloadUrl before any
// sync traffic is emitted. Both flows reuse the write-temp/validate/rename
// catalog and the same streaming object-store Put the Download Worker
// uses to Get, grounded on the teacher's internal/cloud/upload.UploadFile
// streaming-upload shape.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bleash-dev/comfyui-docker-sub000/internal/catalog"
	"github.com/bleash-dev/comfyui-docker-sub000/internal/logging"
	"github.com/bleash-dev/comfyui-docker-sub000/internal/objectstore"
	"github.com/bleash-dev/comfyui-docker-sub000/internal/policyclient"
)

// PolicyClient is the subset of *policyclient.Client the reconciler needs.
type PolicyClient interface {
	SyncPermission(ctx context.Context, remotePath, downloadURL, group string, size int64) (policyclient.Decision, error)
}

// Notifier is a fire-and-forget progress sink. Declared locally, matching
// internal/progressstore's duck-typed Notifier, so *policyclient.Client
// satisfies it without this package needing the concrete notify-status
// type.
type Notifier interface {
	NotifyProgress(ctx context.Context, downloadType string, status string, percentage float64, modelName, details string)
}

const (
	notifyProgress = "PROGRESS"
	notifyDone     = "DONE"
	notifyFailed   = "FAILED"

	// streamingProgressThreshold is spec.md §4.8 step 6's "files >= 10 MiB"
	// cutover: below it a single Put call is cheap enough that per-chunk
	// progress reporting would only add lock contention for no visible gain.
	streamingProgressThreshold = 10 * 1024 * 1024
)

// ErrSyncIncomplete is returned by Reconcile when at least one file failed
// to process, so the CLI layer maps the run to exit code 1 per spec.md §6.
// Cancellation is not folded into this path since the reconciler has no
// per-file cancel sentinel of its own; every failure it sees is genuine.
var ErrSyncIncomplete = errors.New("sync completed with one or more per-file failures")

// Reconciler is the Upload Reconciler. syncType tags every notifyProgress
// call, matching the Progress Store's downloadType tag (spec.md §4.6/§4.8).
type Reconciler struct {
	catalog  *catalog.Store
	policy   PolicyClient
	store    objectstore.Store
	notifier Notifier
	syncType string
	log      *logging.Logger
}

// New returns a Reconciler tagging its notifications with syncType.
func New(cat *catalog.Store, policy PolicyClient, store objectstore.Store, notifier Notifier, syncType string, log *logging.Logger) *Reconciler {
	return &Reconciler{catalog: cat, policy: policy, store: store, notifier: notifier, syncType: syncType, log: log}
}

type eligibleFile struct {
	absPath     string
	destination string
	group       string
	entry       catalog.Entry
	size        int64
}

// Reconcile implements spec.md §4.8's top-level algorithm: sanitize, walk
// root for sync candidates under remoteBase, and process each one,
// emitting aggregate progress as it goes. Returns an error for a failure
// in the reconciliation machinery itself (e.g. the initial catalog read),
// and ErrSyncIncomplete if every file was attempted but at least one
// failed, so the CLI layer's exit code reflects spec.md §6's contract.
func (r *Reconciler) Reconcile(ctx context.Context, root, remoteBase string) error {
	if err := r.Sanitize(); err != nil {
		return fmt.Errorf("failed to sanitize catalog before sync: %w", err)
	}

	r.notify(ctx, notifyProgress, 0, "")

	files, err := r.collectEligible(root, remoteBase)
	if err != nil {
		return fmt.Errorf("failed to enumerate sync candidates: %w", err)
	}

	var totalBytes, processedBytes int64
	for _, f := range files {
		totalBytes += f.size
	}

	anyFailure := false
	for _, f := range files {
		baseline := processedBytes
		onBytes := func(uploaded int64) {
			pct := 100.0
			if totalBytes > 0 {
				pct = float64(baseline+uploaded) / float64(totalBytes) * 100
			}
			r.notify(ctx, notifyProgress, pct, f.entry.ModelName)
		}

		if err := r.processOne(ctx, f, onBytes); err != nil {
			anyFailure = true
			r.log.Warnf("failed to process %s: %v", f.absPath, err)
		}

		processedBytes += f.size
		pct := 100.0
		if totalBytes > 0 {
			pct = float64(processedBytes) / float64(totalBytes) * 100
		}
		r.notify(ctx, notifyProgress, pct, f.entry.ModelName)
	}

	if anyFailure {
		r.notify(ctx, notifyFailed, 100, "")
		return ErrSyncIncomplete
	}
	r.notify(ctx, notifyDone, 100, "")
	return nil
}

func (r *Reconciler) notify(ctx context.Context, status string, percentage float64, modelName string) {
	if r.notifier == nil {
		return
	}
	r.notifier.NotifyProgress(ctx, r.syncType, status, percentage, modelName, "")
}

// collectEligible walks root for regular files surviving spec.md §4.8
// step 5's filter: not hidden/log/tmp/metadata, not zero-byte, has a
// catalog entry, and that entry carries a non-empty downloadUrl.
func (r *Reconciler) collectEligible(root, remoteBase string) ([]eligibleFile, error) {
	var out []eligibleFile

	err := filepath.Walk(root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() || info.Size() == 0 || skipName(path) {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		group := "misc"
		if idx := strings.Index(rel, "/"); idx != -1 {
			group = rel[:idx]
		}
		destination := strings.TrimRight(remoteBase, "/") + "/" + rel

		entries, err := r.catalog.FindByLocalPath(path, catalog.MatchExact)
		if err != nil {
			return fmt.Errorf("failed to look up catalog entry for %s: %w", path, err)
		}
		if len(entries) == 0 || entries[0].DownloadURL == "" {
			return nil
		}

		out = append(out, eligibleFile{
			absPath:     path,
			destination: destination,
			group:       group,
			entry:       entries[0],
			size:        info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// processOne implements spec.md §4.8 step 6's per-file decision tree.
func (r *Reconciler) processOne(ctx context.Context, f eligibleFile, onBytes func(uploaded int64)) error {
	decision, err := r.policy.SyncPermission(ctx, f.destination, f.entry.DownloadURL, f.group, f.size)
	if err != nil {
		return fmt.Errorf("sync-permission request failed: %w", err)
	}

	if decision.CanSync {
		return r.upload(ctx, f, onBytes)
	}

	switch decision.Reason {
	case policyclient.ReasonPartialUpload, policyclient.ReasonInvalidExt:
		_, err := r.catalog.RemoveByLocalPath(f.absPath, catalog.MatchExact)
		return err
	case policyclient.ReasonAlreadyAtPath:
		return nil
	}

	if decision.ExistingModel != nil {
		entry := f.entry
		entry.OriginalRemotePath = decision.ExistingModel.OriginalRemotePath
		return r.catalog.Upsert(entry)
	}
	return nil
}

// upload implements spec.md §4.8 step 6's canSync=true branch: upsert the
// catalog to point at the new destination, then stream the file's bytes
// to the object store carrying downloadUrl as required metadata. Files at
// or above streamingProgressThreshold report intermediate progress via
// onBytes as they upload rather than only at completion, matching the
// Download Worker's own throttled onBytes callback.
func (r *Reconciler) upload(ctx context.Context, f eligibleFile, onBytes func(uploaded int64)) error {
	if _, err := url.ParseRequestURI(f.entry.DownloadURL); err != nil {
		return fmt.Errorf("refusing to upload %s: malformed downloadUrl %q: %w", f.absPath, f.entry.DownloadURL, err)
	}

	entry := f.entry
	entry.OriginalRemotePath = f.destination
	entry.UploadedAt = time.Now()
	if err := r.catalog.Upsert(entry); err != nil {
		return fmt.Errorf("failed to upsert catalog entry for %s: %w", f.absPath, err)
	}

	file, err := os.Open(f.absPath)
	if err != nil {
		return fmt.Errorf("failed to open %s for upload: %w", f.absPath, err)
	}
	defer file.Close()

	var body io.Reader = file
	if f.size >= streamingProgressThreshold {
		body = &throttledProgressReader{r: file, onBytes: onBytes, lastReport: time.Now()}
	}

	key := stripBucket(f.destination)
	metadata := map[string]string{"downloadUrl": f.entry.DownloadURL}
	if err := r.store.Put(ctx, key, body, f.size, metadata); err != nil {
		return fmt.Errorf("failed to upload %s: %w", f.absPath, err)
	}
	return nil
}

func stripBucket(remotePath string) string {
	if idx := strings.Index(remotePath, "://"); idx != -1 {
		rest := remotePath[idx+3:]
		if slash := strings.Index(rest, "/"); slash != -1 {
			return rest[slash+1:]
		}
		return rest
	}
	return strings.TrimPrefix(remotePath, "/")
}

// throttledProgressReader reports elapsed upload progress at most once per
// 200ms, estimating from bytes read off the local file rather than bytes
// actually flushed by the transport (the object-store Put call gives us no
// finer hook than the reader it consumes).
type throttledProgressReader struct {
	r          io.Reader
	onBytes    func(uploaded int64)
	read       int64
	lastReport time.Time
}

func (t *throttledProgressReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		t.read += int64(n)
		if t.onBytes != nil && (time.Since(t.lastReport) >= 200*time.Millisecond || err == io.EOF) {
			t.lastReport = time.Now()
			t.onBytes(t.read)
		}
	}
	return n, err
}

// Seek rewinds the wrapped file so the object store can retry a Put from the
// start; the reported byte count follows the new offset.
func (t *throttledProgressReader) Seek(offset int64, whence int) (int64, error) {
	seeker, ok := t.r.(io.Seeker)
	if !ok {
		return 0, errors.New("upload body is not seekable")
	}
	pos, err := seeker.Seek(offset, whence)
	if err == nil {
		t.read = pos
	}
	return pos, err
}
