// Package lockfile implements the Lock Manager (spec.md §4.1): an advisory,
// file-based mutex per named operation with staleness detection, shared by
// every cooperating process on the pod volume.
//
// A lock is a single file whose existence is the lock. Its contents are a
// human-readable "pid:epoch" payload, matching the teacher's coordinator
// PID-file convention (internal/ratelimit/coordinator/lifecycle.go), so a
// peer or an operator inspecting the volume can tell who holds a lock and
// since when without any tooling beyond `cat`.
package lockfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// retryInterval is how long Acquire sleeps between contended attempts.
const retryInterval = 50 * time.Millisecond

// Manager creates and reclaims locks rooted at a single directory — the
// pod volume's state directory.
type Manager struct {
	dir string
}

// NewManager returns a Manager whose lock files live under dir. The
// directory is created on first use.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir}
}

// Lock is a held advisory lock. The zero value is not valid; obtain one
// from Manager.Acquire.
type Lock struct {
	manager *Manager
	name    string
	path    string
	ownerPID int
}

func (m *Manager) pathFor(name string) string {
	return filepath.Join(m.dir, name+".lock")
}

type record struct {
	pid   int
	epoch int64
}

func (r record) String() string {
	return fmt.Sprintf("%d:%d", r.pid, r.epoch)
}

func parseRecord(data []byte) (record, error) {
	parts := strings.SplitN(strings.TrimSpace(string(data)), ":", 2)
	if len(parts) != 2 {
		return record{}, fmt.Errorf("malformed lock record %q", data)
	}
	pid, err := strconv.Atoi(parts[0])
	if err != nil {
		return record{}, fmt.Errorf("malformed lock pid %q: %w", parts[0], err)
	}
	epoch, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return record{}, fmt.Errorf("malformed lock epoch %q: %w", parts[1], err)
	}
	return record{pid: pid, epoch: epoch}, nil
}

// isStale reports whether the owner of rec should be considered gone: its
// process no longer exists, or it has held the lock longer than ttl.
func isStale(rec record, ttl time.Duration) bool {
	if !isProcessAlive(rec.pid) {
		return true
	}
	age := time.Since(time.Unix(rec.epoch, 0))
	return age > ttl
}

// Acquire attempts to take the named lock, retrying on contention until
// timeout elapses. A lock held by a dead process, or one older than ttl, is
// forcibly reclaimed and the acquisition retried within the same call —
// spec.md §8: "a new acquire succeeds within one retry window."
func (m *Manager) Acquire(name string, ttl, timeout time.Duration) (*Lock, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	path := m.pathFor(name)
	deadline := time.Now().Add(timeout)

	for {
		rec := record{pid: os.Getpid(), epoch: time.Now().Unix()}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, writeErr := f.WriteString(rec.String())
			closeErr := f.Close()
			if writeErr != nil || closeErr != nil {
				os.Remove(path)
				if writeErr != nil {
					return nil, fmt.Errorf("failed to write lock %s: %w", name, writeErr)
				}
				return nil, fmt.Errorf("failed to close lock %s: %w", name, closeErr)
			}
			return &Lock{manager: m, name: name, path: path, ownerPID: rec.pid}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock %s: %w", name, err)
		}

		// Contended: inspect the existing holder for staleness.
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			if os.IsNotExist(readErr) {
				continue // raced with a release; retry immediately
			}
			return nil, fmt.Errorf("failed to read lock %s: %w", name, readErr)
		}
		existing, parseErr := parseRecord(data)
		if parseErr != nil {
			// Torn or malformed lock record: remove it and retry as if
			// the lock were absent.
			os.Remove(path)
			continue
		}
		if isStale(existing, ttl) {
			os.Remove(path)
			continue
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out acquiring lock %s held by pid %d", name, existing.pid)
		}
		time.Sleep(retryInterval)
	}
}

// Release releases the lock if and only if the caller is still the
// recorded owner. If the file no longer matches our record (a peer already
// reclaimed it as stale), this is a non-fatal no-op that reports false so
// the caller can log it instead of silently racing a stale-lock trap.
func (l *Lock) Release() (bool, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read lock %s before release: %w", l.name, err)
	}
	rec, err := parseRecord(data)
	if err != nil {
		return false, nil
	}
	if rec.pid != l.ownerPID {
		return false, nil
	}
	if err := os.Remove(l.path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to remove lock %s: %w", l.name, err)
	}
	return true, nil
}

// Name returns the lock's operation name.
func (l *Lock) Name() string { return l.name }

// Touch rewrites the lock's epoch to now, extending its staleness window.
// Used by long-lived holders (the worker-running lock) as a heartbeat.
func (l *Lock) Touch() error {
	rec := record{pid: l.ownerPID, epoch: time.Now().Unix()}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(rec.String()), 0o600); err != nil {
		return fmt.Errorf("failed to write heartbeat for lock %s: %w", l.name, err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename heartbeat for lock %s: %w", l.name, err)
	}
	return nil
}
