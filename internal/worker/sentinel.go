package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// sentinels manages the on-disk cancellation signals described in spec.md
// §4.7: an empty per-model file under <stateDir>/sentinels/ signals that
// model's cancellation, and a fixed global-stop file signals a full drain.
// Keeping these as files (rather than only an in-process context) is what
// lets a peer process request cancellation without sharing memory with the
// worker, per the REDESIGN FLAGS note that per-download sentinels may
// remain on disk even after the subshell model is replaced.
type sentinels struct {
	dir string
}

const globalStopFile = "STOP"

func newSentinels(stateDir string) *sentinels {
	return &sentinels{dir: filepath.Join(stateDir, "sentinels")}
}

func sentinelName(group, modelName string) string {
	replacer := strings.NewReplacer("/", "_", "\x00", "_")
	return replacer.Replace(group) + "__" + replacer.Replace(modelName)
}

func (s *sentinels) path(group, modelName string) string {
	return filepath.Join(s.dir, sentinelName(group, modelName))
}

// Touch creates the per-model cancellation sentinel, if not already present.
func (s *sentinels) Touch(group, modelName string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create sentinel directory: %w", err)
	}
	f, err := os.OpenFile(s.path(group, modelName), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to touch cancellation sentinel: %w", err)
	}
	return f.Close()
}

// IsCancelled reports whether a cancellation sentinel exists for (group,
// modelName).
func (s *sentinels) IsCancelled(group, modelName string) bool {
	_, err := os.Stat(s.path(group, modelName))
	return err == nil
}

// TouchGlobalStop writes the global-stop sentinel, signalling every worker
// sharing this state directory to drain and exit.
func (s *sentinels) TouchGlobalStop() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create sentinel directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(s.dir, globalStopFile), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to touch global-stop sentinel: %w", err)
	}
	return f.Close()
}

// IsGlobalStop reports whether the global-stop sentinel exists.
func (s *sentinels) IsGlobalStop() bool {
	_, err := os.Stat(filepath.Join(s.dir, globalStopFile))
	return err == nil
}

// Sweep removes every per-model sentinel older than maxAge. The global-stop
// sentinel is never swept automatically; the worker's main loop removes it
// via ClearGlobalStop once it has finished draining.
func (s *sentinels) Sweep(maxAge time.Duration) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to list sentinel directory: %w", err)
	}
	now := time.Now()
	for _, entry := range entries {
		if entry.Name() == globalStopFile {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > maxAge {
			os.Remove(filepath.Join(s.dir, entry.Name()))
		}
	}
	return nil
}

// ClearGlobalStop removes the global-stop sentinel, e.g. after a drained
// worker exits cleanly and a fresh start should be permitted.
func (s *sentinels) ClearGlobalStop() error {
	err := os.Remove(filepath.Join(s.dir, globalStopFile))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear global-stop sentinel: %w", err)
	}
	return nil
}
