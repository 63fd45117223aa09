// Package progressstore implements the Progress Store (spec.md §4.6): the
// durable, per-(group, modelName) record of download progress, plus the pure
// aggregate computation used to derive the status reported to the policy
// service. Persistence follows the write-temp/validate/rename discipline
// shared by internal/catalog and internal/registry.
package progressstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bleash-dev/comfyui-docker-sub000/internal/lockfile"
)

// Status is a download's last-known local status.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusProgress  Status = "progress"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Record is one model's progress entry, keyed by (group, modelName).
type Record struct {
	Group               string    `json:"group"`
	ModelName           string    `json:"modelName"`
	LocalPath           string    `json:"localPath"`
	DownloadDestination string    `json:"downloadDestination"`
	TotalSize           int64     `json:"totalSize"`
	DownloadedBytes     int64     `json:"downloadedBytes"`
	Status              Status    `json:"status"`
	LastUpdated         time.Time `json:"lastUpdated"`
}

func recordKey(group, modelName string) string { return group + "\x00" + modelName }

type document struct {
	Records []Record `json:"records"`
}

// Aggregate is the snapshot returned by Aggregate().
type Aggregate struct {
	TotalBytes      int64
	DownloadedBytes int64
	ActiveCount     int
	Percentage      float64
}

// Notifier is the subset of the Policy Client the store needs: a
// fire-and-forget progress notification. Declared locally (duck-typed by
// *policyclient.Client) so progressstore never imports policyclient.
type Notifier interface {
	NotifyProgress(ctx context.Context, downloadType string, status NotifyStatus, percentage float64, modelName, details string)
}

// NotifyStatus mirrors policyclient.NotifyStatus: both are plain string
// aliases, so a *policyclient.Client satisfies Notifier without either
// package importing the other.
type NotifyStatus = string

const (
	NotifyProgressStatus  NotifyStatus = "PROGRESS"
	NotifyCompletedStatus NotifyStatus = "DONE"
	NotifyFailedStatus    NotifyStatus = "FAILED"
)

// Store is the Progress Store. Mutating methods hold the "progress" lock.
type Store struct {
	path         string
	locks        *lockfile.Manager
	lockTTL      time.Duration
	notifier     Notifier
	downloadType string
}

// New returns a Store persisting to <stateDir>/progress.json. downloadType
// is the label attached to every notifyProgress call (spec.md §4.6).
func New(stateDir string, locks *lockfile.Manager, lockTTL time.Duration, notifier Notifier, downloadType string) *Store {
	return &Store{
		path:         filepath.Join(stateDir, "progress.json"),
		locks:        locks,
		lockTTL:      lockTTL,
		notifier:     notifier,
		downloadType: downloadType,
	}
}

func (s *Store) load() (map[string]Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Record{}, nil
		}
		return nil, fmt.Errorf("failed to read progress store: %w", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse progress store: %w", err)
	}
	byKey := make(map[string]Record, len(doc.Records))
	for _, r := range doc.Records {
		byKey[recordKey(r.Group, r.ModelName)] = r
	}
	return byKey, nil
}

func (s *Store) save(byKey map[string]Record) error {
	doc := document{Records: make([]Record, 0, len(byKey))}
	for _, r := range byKey {
		doc.Records = append(doc.Records, r)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal progress store: %w", err)
	}
	var probe document
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("refusing to persist unparsable progress store: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp progress store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename progress store: %w", err)
	}
	return nil
}

func (s *Store) withLock(fn func() error) error {
	lock, err := s.locks.Acquire("progress", s.lockTTL, s.lockTTL)
	if err != nil {
		return fmt.Errorf("failed to acquire progress lock: %w", err)
	}
	defer lock.Release()
	return fn()
}

// Update replaces the record for (group, modelName) wholesale and notifies
// the policy service with the newly computed aggregate, per spec.md §4.6.
func (s *Store) Update(ctx context.Context, group, modelName, localPath, downloadDestination string, total, downloaded int64, status Status) error {
	var agg Aggregate
	err := s.withLock(func() error {
		byKey, err := s.load()
		if err != nil {
			return err
		}
		byKey[recordKey(group, modelName)] = Record{
			Group:               group,
			ModelName:           modelName,
			LocalPath:           localPath,
			DownloadDestination: downloadDestination,
			TotalSize:           total,
			DownloadedBytes:     downloaded,
			Status:              status,
			LastUpdated:         time.Now(),
		}
		if err := s.save(byKey); err != nil {
			return err
		}
		agg = computeAggregate(byKey)
		return nil
	})
	if err != nil {
		return err
	}

	if s.notifier != nil {
		s.notifier.NotifyProgress(ctx, s.downloadType, deriveNotifyStatus(agg, status), agg.Percentage, modelName, "")
	}
	return nil
}

// deriveNotifyStatus implements spec.md §4.6's status promotion: with no
// downloads active, a complete aggregate is DONE, a locally-failed or
// cancelled one is FAILED, and anything else in flight is PROGRESS.
func deriveNotifyStatus(agg Aggregate, localStatus Status) NotifyStatus {
	if agg.ActiveCount == 0 {
		if agg.Percentage == 100 {
			return NotifyCompletedStatus
		}
		if localStatus == StatusFailed || localStatus == StatusCancelled {
			return NotifyFailedStatus
		}
	}
	return NotifyProgressStatus
}

// GetByKey returns the record for (group, modelName), if any.
func (s *Store) GetByKey(group, modelName string) (Record, bool, error) {
	byKey, err := s.load()
	if err != nil {
		return Record{}, false, err
	}
	rec, ok := byKey[recordKey(group, modelName)]
	return rec, ok, nil
}

// GetByLocalPath returns the first record whose LocalPath matches.
func (s *Store) GetByLocalPath(localPath string) (Record, bool, error) {
	byKey, err := s.load()
	if err != nil {
		return Record{}, false, err
	}
	for _, r := range byKey {
		if r.LocalPath == localPath {
			return r, true, nil
		}
	}
	return Record{}, false, nil
}

// GetByDestination returns the first record whose DownloadDestination
// matches, if any. Used by the Download Queue to check whether a
// destination is already in flight before enqueueing a new job for it.
func (s *Store) GetByDestination(destination string) (Record, bool, error) {
	byKey, err := s.load()
	if err != nil {
		return Record{}, false, err
	}
	for _, r := range byKey {
		if r.DownloadDestination == destination {
			return r, true, nil
		}
	}
	return Record{}, false, nil
}

// Snapshot returns every record currently tracked.
func (s *Store) Snapshot() ([]Record, error) {
	byKey, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(byKey))
	for _, r := range byKey {
		out = append(out, r)
	}
	return out, nil
}

// Aggregate computes {totalBytes, downloadedBytes, activeCount, percentage}
// over every record with a positive TotalSize.
func (s *Store) Aggregate() (Aggregate, error) {
	byKey, err := s.load()
	if err != nil {
		return Aggregate{}, err
	}
	return computeAggregate(byKey), nil
}

func computeAggregate(byKey map[string]Record) Aggregate {
	var agg Aggregate
	for _, r := range byKey {
		if r.TotalSize <= 0 {
			continue
		}
		agg.TotalBytes += r.TotalSize
		agg.DownloadedBytes += r.DownloadedBytes
		if r.Status == StatusQueued || r.Status == StatusProgress {
			agg.ActiveCount++
		}
	}
	if agg.TotalBytes > 0 {
		agg.Percentage = float64(agg.DownloadedBytes) / float64(agg.TotalBytes) * 100
	}
	return agg
}
