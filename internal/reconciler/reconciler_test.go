package reconciler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bleash-dev/comfyui-docker-sub000/internal/catalog"
	"github.com/bleash-dev/comfyui-docker-sub000/internal/lockfile"
	"github.com/bleash-dev/comfyui-docker-sub000/internal/logging"
	"github.com/bleash-dev/comfyui-docker-sub000/internal/objectstore"
	"github.com/bleash-dev/comfyui-docker-sub000/internal/policyclient"
)

type fakePolicy struct {
	decision policyclient.Decision
	err      error
	calls    []string
}

func (f *fakePolicy) SyncPermission(ctx context.Context, remotePath, downloadURL, group string, size int64) (policyclient.Decision, error) {
	f.calls = append(f.calls, remotePath)
	return f.decision, f.err
}

type fakeNotifier struct {
	statuses []string
	pcts     []float64
}

func (f *fakeNotifier) NotifyProgress(ctx context.Context, downloadType string, status string, percentage float64, modelName, details string) {
	f.statuses = append(f.statuses, status)
	f.pcts = append(f.pcts, percentage)
}

func newTestReconciler(t *testing.T, policy PolicyClient, notifier Notifier) (*Reconciler, *catalog.Store, string) {
	t.Helper()
	root := t.TempDir()
	stateDir := filepath.Join(root, ".modelpod")
	locks := lockfile.NewManager(filepath.Join(stateDir, "locks"))
	cat := catalog.NewStore(stateDir, locks, time.Minute)
	store := objectstore.NewMemoryStore()
	r := New(cat, policy, store, notifier, "upload", logging.NewDefault())
	return r, cat, root
}

func TestReconcileUploadsEligibleFileAndUpsertsDestination(t *testing.T) {
	policy := &fakePolicy{decision: policyclient.Decision{CanSync: true}}
	notifier := &fakeNotifier{}
	r, cat, root := newTestReconciler(t, policy, notifier)

	modelDir := filepath.Join(root, "checkpoints")
	if err := os.MkdirAll(modelDir, 0o755); err != nil {
		t.Fatal(err)
	}
	localPath := filepath.Join(modelDir, "a.bin")
	if err := os.WriteFile(localPath, []byte("artifact bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := cat.Upsert(catalog.Entry{
		Group: "checkpoints", ModelName: "a.bin", LocalPath: localPath,
		DownloadURL: "https://example.com/a.bin", ModelSize: int64(len("artifact bytes")),
	}); err != nil {
		t.Fatal(err)
	}

	if err := r.Reconcile(context.Background(), root, "s3://bucket/models"); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	entries, err := cat.FindByLocalPath(localPath, catalog.MatchExact)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].OriginalRemotePath != "models/checkpoints/a.bin" {
		t.Fatalf("expected rewritten destination, got %+v", entries)
	}

	if len(notifier.statuses) == 0 || notifier.statuses[len(notifier.statuses)-1] != notifyDone {
		t.Fatalf("expected final DONE notification, got %v", notifier.statuses)
	}
}

func TestReconcileRemovesEntryOnPartialUploadRejection(t *testing.T) {
	policy := &fakePolicy{decision: policyclient.Decision{CanSync: false, Reason: policyclient.ReasonPartialUpload}}
	r, cat, root := newTestReconciler(t, policy, &fakeNotifier{})

	localPath := filepath.Join(root, "checkpoints", "b.bin")
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(localPath, []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := cat.Upsert(catalog.Entry{
		Group: "checkpoints", ModelName: "b.bin", LocalPath: localPath,
		DownloadURL: "https://example.com/b.bin",
	}); err != nil {
		t.Fatal(err)
	}

	if err := r.Reconcile(context.Background(), root, "s3://bucket/models"); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	entries, err := cat.FindByLocalPath(localPath, catalog.MatchExact)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected catalog entry removed, got %+v", entries)
	}
}

func TestReconcileRelinksToExistingModel(t *testing.T) {
	policy := &fakePolicy{decision: policyclient.Decision{
		CanSync: false,
		Reason:  "some other reason",
		ExistingModel: &policyclient.ExistingModel{
			OriginalRemotePath: "models/checkpoints/canonical.bin",
		},
	}}
	r, cat, root := newTestReconciler(t, policy, &fakeNotifier{})

	localPath := filepath.Join(root, "checkpoints", "c.bin")
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(localPath, []byte("dup"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := cat.Upsert(catalog.Entry{
		Group: "checkpoints", ModelName: "c.bin", LocalPath: localPath,
		DownloadURL: "https://example.com/c.bin",
	}); err != nil {
		t.Fatal(err)
	}

	if err := r.Reconcile(context.Background(), root, "s3://bucket/models"); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	entries, err := cat.FindByLocalPath(localPath, catalog.MatchExact)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].OriginalRemotePath != "models/checkpoints/canonical.bin" {
		t.Fatalf("expected relink to existing model, got %+v", entries)
	}
}

func TestReconcileSkipsFilesWithoutCatalogEntry(t *testing.T) {
	policy := &fakePolicy{decision: policyclient.Decision{CanSync: true}}
	r, _, root := newTestReconciler(t, policy, &fakeNotifier{})

	localPath := filepath.Join(root, "checkpoints", "untracked.bin")
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(localPath, []byte("untracked"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := r.Reconcile(context.Background(), root, "s3://bucket/models"); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(policy.calls) != 0 {
		t.Fatalf("expected no sync-permission call for untracked file, got %v", policy.calls)
	}
}

func TestReconcileSkipsZeroByteFiles(t *testing.T) {
	policy := &fakePolicy{decision: policyclient.Decision{CanSync: true}}
	r, cat, root := newTestReconciler(t, policy, &fakeNotifier{})

	localPath := filepath.Join(root, "checkpoints", "empty.bin")
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(localPath, []byte{}, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := cat.Upsert(catalog.Entry{
		Group: "checkpoints", ModelName: "empty.bin", LocalPath: localPath,
		DownloadURL: "https://example.com/empty.bin",
	}); err != nil {
		t.Fatal(err)
	}

	if err := r.Reconcile(context.Background(), root, "s3://bucket/models"); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(policy.calls) != 0 {
		t.Fatalf("expected no sync-permission call for zero-byte file, got %v", policy.calls)
	}
}

func TestReconcileReturnsErrSyncIncompleteOnPerFileFailure(t *testing.T) {
	policy := &fakePolicy{decision: policyclient.Decision{CanSync: true}}
	r, cat, root := newTestReconciler(t, policy, &fakeNotifier{})

	localPath := filepath.Join(root, "checkpoints", "bad.bin")
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(localPath, []byte("bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := cat.Upsert(catalog.Entry{
		Group: "checkpoints", ModelName: "bad.bin", LocalPath: localPath,
		DownloadURL: "not a url", ModelSize: int64(len("bytes")),
	}); err != nil {
		t.Fatal(err)
	}

	err := r.Reconcile(context.Background(), root, "s3://bucket/models")
	if !errors.Is(err, ErrSyncIncomplete) {
		t.Fatalf("expected ErrSyncIncomplete, got %v", err)
	}
}

func TestSanitizeRewritesDuplicatesToLargestLocalPrimary(t *testing.T) {
	r, cat, root := newTestReconciler(t, &fakePolicy{}, &fakeNotifier{})

	smallPath := filepath.Join(root, "checkpoints", "small.bin")
	bigPath := filepath.Join(root, "unet", "big.bin")
	if err := os.MkdirAll(filepath.Dir(smallPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(bigPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(smallPath, []byte("small"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(bigPath, []byte("much much bigger content"), 0o644); err != nil {
		t.Fatal(err)
	}

	const sharedURL = "https://example.com/shared.bin"
	if err := cat.Upsert(catalog.Entry{
		Group: "checkpoints", ModelName: "small.bin", LocalPath: smallPath,
		DownloadURL: sharedURL, OriginalRemotePath: "models/checkpoints/small.bin",
	}); err != nil {
		t.Fatal(err)
	}
	if err := cat.Upsert(catalog.Entry{
		Group: "unet", ModelName: "big.bin", LocalPath: bigPath,
		DownloadURL: sharedURL, OriginalRemotePath: "models/unet/big.bin",
	}); err != nil {
		t.Fatal(err)
	}

	if err := r.Sanitize(); err != nil {
		t.Fatalf("Sanitize failed: %v", err)
	}

	small, ok, err := func() (catalog.Entry, bool, error) {
		entries, err := cat.FindByLocalPath(smallPath, catalog.MatchExact)
		if err != nil || len(entries) == 0 {
			return catalog.Entry{}, false, err
		}
		return entries[0], true, nil
	}()
	if err != nil || !ok {
		t.Fatalf("expected small entry to remain: ok=%v err=%v", ok, err)
	}
	if small.OriginalRemotePath != "models/unet/big.bin" {
		t.Fatalf("expected small entry rewritten to primary's remote path, got %q", small.OriginalRemotePath)
	}

	big, ok, err := func() (catalog.Entry, bool, error) {
		entries, err := cat.FindByLocalPath(bigPath, catalog.MatchExact)
		if err != nil || len(entries) == 0 {
			return catalog.Entry{}, false, err
		}
		return entries[0], true, nil
	}()
	if err != nil || !ok {
		t.Fatalf("expected big entry to remain: ok=%v err=%v", ok, err)
	}
	if big.OriginalRemotePath != "models/unet/big.bin" {
		t.Fatalf("expected primary's own remote path unchanged, got %q", big.OriginalRemotePath)
	}
	if big.ModelSize != int64(len("much much bigger content")) {
		t.Fatalf("expected primary's modelSize corrected, got %d", big.ModelSize)
	}
}

func TestSanitizeLeavesRemoteOnlyClusterMembersUntouched(t *testing.T) {
	r, cat, root := newTestReconciler(t, &fakePolicy{}, &fakeNotifier{})

	localPath := filepath.Join(root, "checkpoints", "local.bin")
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(localPath, []byte("present"), 0o644); err != nil {
		t.Fatal(err)
	}

	const sharedURL = "https://example.com/remote-shared.bin"
	if err := cat.Upsert(catalog.Entry{
		Group: "checkpoints", ModelName: "local.bin", LocalPath: localPath,
		DownloadURL: sharedURL, OriginalRemotePath: "models/checkpoints/local.bin",
	}); err != nil {
		t.Fatal(err)
	}
	if err := cat.Upsert(catalog.Entry{
		Group: "checkpoints", ModelName: "remote-only.bin", LocalPath: filepath.Join(root, "checkpoints", "remote-only.bin"),
		DownloadURL: sharedURL, OriginalRemotePath: "models/checkpoints/remote-only.bin",
	}); err != nil {
		t.Fatal(err)
	}

	if err := r.Sanitize(); err != nil {
		t.Fatalf("Sanitize failed: %v", err)
	}

	entries, err := cat.FindByLocalPath(filepath.Join(root, "checkpoints", "remote-only.bin"), catalog.MatchExact)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].OriginalRemotePath != "models/checkpoints/remote-only.bin" {
		t.Fatalf("expected remote-only entry untouched, got %+v", entries)
	}
}
