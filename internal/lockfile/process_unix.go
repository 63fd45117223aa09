//go:build !windows

package lockfile

import "syscall"
import "os"

// isProcessAlive checks whether a process with the given PID still exists.
// On Unix, os.FindProcess always succeeds, so liveness is tested with a
// signal 0 probe.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
