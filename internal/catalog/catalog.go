// Package catalog implements the Catalog Store (spec.md §4.2): the
// durable record of every model artifact this pod knows about, keyed by
// (group, modelName), persisted as a single JSON document guarded by the
// "catalog" lock and written with the teacher's write-temp/validate/rename
// pattern (internal/cloud/state/download.go).
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bleash-dev/comfyui-docker-sub000/internal/lockfile"
)

// MatchMode controls how FindByLocalPath and RemoveByLocalPath compare
// localPath against stored entries.
type MatchMode int

const (
	MatchExact MatchMode = iota
	MatchContains
	MatchAuto
)

// Entry is one catalog record: an artifact this pod has downloaded,
// uploaded, or is tracking for potential download.
type Entry struct {
	Group              string    `json:"group"`
	ModelName          string    `json:"modelName"`
	OriginalRemotePath string    `json:"originalRemotePath"`
	LocalPath          string    `json:"localPath"`
	ModelSize          int64     `json:"modelSize"`
	DownloadURL        string    `json:"downloadUrl,omitempty"`
	UploadedAt         time.Time `json:"uploadedAt"`
	LastUpdated        time.Time `json:"lastUpdated"`
}

func key(group, modelName string) string { return group + "\x00" + modelName }

type document struct {
	Entries []Entry `json:"entries"`
}

// Store is the Catalog Store. All mutating methods hold the "catalog" lock
// for their full duration, and so do FindByLocalPath and GetDownloadURL;
// the listing methods read a snapshot without locking since
// stale-by-a-moment reads are acceptable for listing operations (spec.md
// §4.2 only requires mutations to be serialized, not reads).
type Store struct {
	path    string
	locks   *lockfile.Manager
	lockTTL time.Duration
}

// NewStore returns a Store persisting to <stateDir>/catalog.json, guarded
// by locks rooted at stateDir.
func NewStore(stateDir string, locks *lockfile.Manager, lockTTL time.Duration) *Store {
	return &Store{path: filepath.Join(stateDir, "catalog.json"), locks: locks, lockTTL: lockTTL}
}

func (s *Store) load() (map[string]Entry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Entry{}, nil
		}
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	byKey := make(map[string]Entry, len(doc.Entries))
	for _, e := range doc.Entries {
		byKey[key(e.Group, e.ModelName)] = e
	}
	return byKey, nil
}

func (s *Store) save(byKey map[string]Entry) error {
	doc := document{Entries: make([]Entry, 0, len(byKey))}
	for _, e := range byKey {
		doc.Entries = append(doc.Entries, e)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal catalog: %w", err)
	}
	// Validate round-trip before committing, matching the teacher's
	// "write temp, validate, rename" discipline so a torn write never
	// clobbers a well-formed catalog.
	var probe document
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("refusing to persist unparsable catalog: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp catalog: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename catalog: %w", err)
	}
	return nil
}

func (s *Store) withLock(fn func() error) error {
	lock, err := s.locks.Acquire("catalog", s.lockTTL, s.lockTTL)
	if err != nil {
		return fmt.Errorf("failed to acquire catalog lock: %w", err)
	}
	defer lock.Release()
	return fn()
}

// stripBucketPrefix removes an "s3://bucket/" or leading "/" scheme from a
// remote path, per spec.md §4.2: originalRemotePath is stored scheme-free.
func stripBucketPrefix(remotePath string) string {
	if idx := strings.Index(remotePath, "://"); idx != -1 {
		rest := remotePath[idx+3:]
		if slash := strings.Index(rest, "/"); slash != -1 {
			return rest[slash+1:]
		}
		return rest
	}
	return strings.TrimPrefix(remotePath, "/")
}

// Upsert inserts or overwrites the entry identified by (group, modelName).
// LastUpdated is always set here; UploadedAt is stored as the caller passes
// it. OriginalRemotePath is normalized to strip any bucket/scheme prefix.
func (s *Store) Upsert(entry Entry) error {
	entry.OriginalRemotePath = stripBucketPrefix(entry.OriginalRemotePath)
	entry.LastUpdated = time.Now()

	return s.withLock(func() error {
		byKey, err := s.load()
		if err != nil {
			return err
		}
		byKey[key(entry.Group, entry.ModelName)] = entry
		return s.save(byKey)
	})
}

// Delete removes the entry for (group, modelName), if any.
func (s *Store) Delete(group, modelName string) error {
	return s.withLock(func() error {
		byKey, err := s.load()
		if err != nil {
			return err
		}
		delete(byKey, key(group, modelName))
		return s.save(byKey)
	})
}

func normalizePath(p string) string {
	return filepath.Clean(p)
}

// FindByLocalPath returns entries matching localPath under the given mode.
// MatchAuto prefers an exact match; if none exists, it falls back to every
// entry whose LocalPath contains localPath as a substring.
func (s *Store) FindByLocalPath(localPath string, mode MatchMode) ([]Entry, error) {
	var result []Entry
	err := s.withLock(func() error {
		byKey, err := s.load()
		if err != nil {
			return err
		}
		target := normalizePath(localPath)

		var exact, contains []Entry
		for _, e := range byKey {
			if normalizePath(e.LocalPath) == target {
				exact = append(exact, e)
			} else if strings.Contains(e.LocalPath, localPath) {
				contains = append(contains, e)
			}
		}

		switch mode {
		case MatchExact:
			result = exact
		case MatchContains:
			result = contains
		default: // MatchAuto
			if len(exact) > 0 {
				result = exact
			} else {
				result = contains
			}
		}
		return nil
	})
	return result, err
}

// RemoveByLocalPath deletes every entry matching localPath under mode and
// returns the removed entries, so the caller can log each removal
// individually as spec.md §4.2 requires.
func (s *Store) RemoveByLocalPath(localPath string, mode MatchMode) ([]Entry, error) {
	var removed []Entry
	err := s.withLock(func() error {
		byKey, err := s.load()
		if err != nil {
			return err
		}
		target := normalizePath(localPath)

		var matchKeys []string
		var exactKeys, containsKeys []string
		for k, e := range byKey {
			if normalizePath(e.LocalPath) == target {
				exactKeys = append(exactKeys, k)
			} else if strings.Contains(e.LocalPath, localPath) {
				containsKeys = append(containsKeys, k)
			}
		}
		switch mode {
		case MatchExact:
			matchKeys = exactKeys
		case MatchContains:
			matchKeys = containsKeys
		default:
			if len(exactKeys) > 0 {
				matchKeys = exactKeys
			} else {
				matchKeys = containsKeys
			}
		}

		for _, k := range matchKeys {
			removed = append(removed, byKey[k])
			delete(byKey, k)
		}
		if len(matchKeys) == 0 {
			return nil
		}
		return s.save(byKey)
	})
	return removed, err
}

// ListByGroup returns every entry belonging to group.
func (s *Store) ListByGroup(group string) ([]Entry, error) {
	all, err := s.ListAll()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range all {
		if e.Group == group {
			out = append(out, e)
		}
	}
	return out, nil
}

// ListAll returns every entry in the catalog.
func (s *Store) ListAll() ([]Entry, error) {
	byKey, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(byKey))
	for _, e := range byKey {
		out = append(out, e)
	}
	return out, nil
}

// DownloadableEntries returns entries with a non-empty DownloadURL whose
// LocalPath does not yet exist on disk.
func (s *Store) DownloadableEntries() ([]Entry, error) {
	all, err := s.ListAll()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range all {
		if e.DownloadURL == "" {
			continue
		}
		if _, err := os.Stat(e.LocalPath); err == nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// GetDownloadURL looks up the DownloadURL of the entry whose LocalPath
// exactly matches localPath, if any.
func (s *Store) GetDownloadURL(localPath string) (string, bool, error) {
	entries, err := s.FindByLocalPath(localPath, MatchExact)
	if err != nil {
		return "", false, err
	}
	if len(entries) == 0 {
		return "", false, nil
	}
	return entries[0].DownloadURL, true, nil
}
