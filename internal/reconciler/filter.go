package reconciler

import (
	"path/filepath"
	"strings"

	"github.com/bleash-dev/comfyui-docker-sub000/internal/localfs"
)

// skipName reports whether a regular file's base name should never be
// considered for sync, per spec.md §4.8 step 5: hidden files plus logs,
// temp files, and the sidecar *_info/*_metadata files the pod itself
// writes alongside a model. Hidden-file detection is the teacher's own
// internal/localfs.IsHiddenName, adapted here unchanged.
func skipName(path string) bool {
	name := filepath.Base(path)
	if localfs.IsHiddenName(name) {
		return true
	}
	switch filepath.Ext(name) {
	case ".log", ".tmp", ".temp":
		return true
	}
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	return strings.HasSuffix(stem, "_info") || strings.HasSuffix(stem, "_metadata")
}
