// Package registry implements the Destination Registry (spec.md §3/§4.5):
// it tracks which catalog entries are waiting on which physical download
// destination, so that when the Download Worker finishes fetching one
// destination it knows every (group, modelName, localPath) that needs a
// symlink fanned out to it. Persistence follows the same
// write-temp/validate/rename discipline as internal/catalog, grounded on
// the teacher's internal/cloud/state atomic-write pattern.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bleash-dev/comfyui-docker-sub000/internal/lockfile"
)

// Waiter is one catalog entry waiting on a destination's download.
type Waiter struct {
	Group     string `json:"group"`
	ModelName string `json:"modelName"`
	LocalPath string `json:"localPath"`
}

type document struct {
	// Entries maps a download destination to every waiter depending on it.
	Entries map[string][]Waiter `json:"entries"`
}

// Registry is the Destination Registry. Mutating methods hold the
// "registration" lock for their full duration.
type Registry struct {
	path    string
	locks   *lockfile.Manager
	lockTTL time.Duration
}

// New returns a Registry persisting to <stateDir>/registry.json.
func New(stateDir string, locks *lockfile.Manager, lockTTL time.Duration) *Registry {
	return &Registry{path: filepath.Join(stateDir, "registry.json"), locks: locks, lockTTL: lockTTL}
}

func (r *Registry) load() (document, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return document{Entries: map[string][]Waiter{}}, nil
		}
		return document{}, fmt.Errorf("failed to read registry: %w", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return document{}, fmt.Errorf("failed to parse registry: %w", err)
	}
	if doc.Entries == nil {
		doc.Entries = map[string][]Waiter{}
	}
	return doc, nil
}

func (r *Registry) save(doc document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}
	var probe document
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("refusing to persist unparsable registry: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename registry: %w", err)
	}
	return nil
}

func (r *Registry) withLock(fn func() error) error {
	lock, err := r.locks.Acquire("registration", r.lockTTL, r.lockTTL)
	if err != nil {
		return fmt.Errorf("failed to acquire registration lock: %w", err)
	}
	defer lock.Release()
	return fn()
}

// Register adds waiter to destination's waiting list, avoiding duplicates.
func (r *Registry) Register(destination string, waiter Waiter) error {
	return r.withLock(func() error {
		doc, err := r.load()
		if err != nil {
			return err
		}
		existing := doc.Entries[destination]
		for _, w := range existing {
			if w == waiter {
				return nil
			}
		}
		doc.Entries[destination] = append(existing, waiter)
		return r.save(doc)
	})
}

// Waiters returns every waiter registered against destination.
func (r *Registry) Waiters(destination string) ([]Waiter, error) {
	var out []Waiter
	err := r.withLock(func() error {
		doc, err := r.load()
		if err != nil {
			return err
		}
		out = append(out, doc.Entries[destination]...)
		return nil
	})
	return out, err
}

// Clear removes destination's waiter list entirely — called by the
// worker once every waiter has been symlinked.
func (r *Registry) Clear(destination string) error {
	return r.withLock(func() error {
		doc, err := r.load()
		if err != nil {
			return err
		}
		if _, ok := doc.Entries[destination]; !ok {
			return nil
		}
		delete(doc.Entries, destination)
		return r.save(doc)
	})
}

// RemoveWaiter removes a single (group, modelName) waiter from every
// destination's list — used by cancellation (spec.md §4.7 "cancel"),
// which must scrub the registry of an entry regardless of which
// destination it was waiting on.
func (r *Registry) RemoveWaiter(group, modelName string) error {
	return r.withLock(func() error {
		doc, err := r.load()
		if err != nil {
			return err
		}
		changed := false
		for dest, waiters := range doc.Entries {
			filtered := waiters[:0]
			for _, w := range waiters {
				if w.Group == group && w.ModelName == modelName {
					changed = true
					continue
				}
				filtered = append(filtered, w)
			}
			if len(filtered) == 0 {
				delete(doc.Entries, dest)
			} else {
				doc.Entries[dest] = filtered
			}
		}
		if !changed {
			return nil
		}
		return r.save(doc)
	})
}
