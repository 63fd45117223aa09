package lockfile

import (
	"fmt"
	"os"
	"time"
)

// Peek reports whether a named lock is currently held by a live, non-stale
// owner, without attempting to acquire it. Callers use this for read-only
// checks (e.g. "is the worker already running?") that must not block.
func (m *Manager) Peek(name string, ttl time.Duration) (held bool, err error) {
	data, err := os.ReadFile(m.pathFor(name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read lock %s: %w", name, err)
	}
	rec, err := parseRecord(data)
	if err != nil {
		return false, nil
	}
	return !isStale(rec, ttl), nil
}

// StartSingleton implements the two-phase singleton start described in
// spec.md §4.1 and §4.7: a short-lived "starting" lock gates entrance so
// that only one of several racing processes proceeds to check, and
// possibly take, the long-lived "running" lock. This prevents a
// thundering-herd of pod processes from each spawning their own worker.
//
// If a live worker already holds runningName, StartSingleton returns
// (nil, true, nil): the caller's start is a no-op. Otherwise it returns the
// newly acquired running Lock, which the caller must Touch periodically
// (heartbeat) and Release on shutdown.
func (m *Manager) StartSingleton(startingName, runningName string, startingTTL, runningTTL time.Duration, tries int) (*Lock, bool, error) {
	starting, err := m.Acquire(startingName, startingTTL, time.Duration(tries)*retryInterval*10)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire starting lock: %w", err)
	}
	defer starting.Release()

	alreadyRunning, err := m.Peek(runningName, runningTTL)
	if err != nil {
		return nil, false, err
	}
	if alreadyRunning {
		return nil, true, nil
	}

	running, err := m.Acquire(runningName, runningTTL, 2*time.Second)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire running lock: %w", err)
	}
	return running, false, nil
}
