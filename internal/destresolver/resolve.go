// Package destresolver implements the Download Destination Resolver
// (spec.md §4.4): a pure, deterministic function that collapses many
// localPaths sharing a canonical remote tail onto one physical on-disk
// destination, enabling deduplication via symlinks. Modeled on the
// teacher's pathutil package, which keeps path math as side-effect-free
// functions independent of any particular caller (CLI, worker, queue).
package destresolver

import (
	"path/filepath"
	"strings"
)

const modelsSegment = "models"

// Resolve implements spec.md §4.4's 5-step algorithm. It performs no I/O:
// localPath and remotePath need not exist on disk.
func Resolve(localPath, remotePath string) (destination string, needsSymlink bool) {
	prefix := localPrefix(localPath)
	normalizedRemote := normalizeRemotePath(remotePath)
	suffix := remoteSuffix(normalizedRemote)

	destination = filepath.Join(prefix, suffix)
	needsSymlink = filepath.Clean(localPath) != filepath.Clean(destination)
	return destination, needsSymlink
}

// localPrefix extracts the longest prefix of localPath ending at a
// ".../models" segment. If no such segment exists, it falls back to
// localPath's parent directory.
func localPrefix(localPath string) string {
	cleaned := filepath.Clean(localPath)
	parts := strings.Split(cleaned, string(filepath.Separator))
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] == modelsSegment {
			joined := strings.Join(parts[:i+1], string(filepath.Separator))
			if filepath.IsAbs(cleaned) && !strings.HasPrefix(joined, string(filepath.Separator)) {
				joined = string(filepath.Separator) + joined
			}
			return joined
		}
	}
	return filepath.Dir(cleaned)
}

// normalizeRemotePath strips an "s3://bucket/" scheme or a leading slash
// from remotePath.
func normalizeRemotePath(remotePath string) string {
	if idx := strings.Index(remotePath, "://"); idx != -1 {
		rest := remotePath[idx+3:]
		if slash := strings.Index(rest, "/"); slash != -1 {
			return rest[slash+1:]
		}
		return rest
	}
	return strings.TrimPrefix(remotePath, "/")
}

// remoteSuffix returns the portion of a normalized remote path after its
// last "models/" segment, or the whole path if no such segment exists.
func remoteSuffix(normalizedRemote string) string {
	marker := modelsSegment + "/"
	if idx := strings.LastIndex(normalizedRemote, marker); idx != -1 {
		return normalizedRemote[idx+len(marker):]
	}
	return normalizedRemote
}
