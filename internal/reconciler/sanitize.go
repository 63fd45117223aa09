package reconciler

import (
	"fmt"
	"os"

	"github.com/bleash-dev/comfyui-docker-sub000/internal/catalog"
)

// Sanitize implements spec.md §4.8's Sanitization pass: entries sharing a
// non-empty downloadUrl form a duplicate cluster; the cluster's primary is
// whichever entry's local file is largest on disk, and every other local
// member is rewritten to point at the primary's originalRemotePath. No
// filesystem change happens here — the next download run materializes the
// symlink once the rewritten catalog says so.
func (r *Reconciler) Sanitize() error {
	entries, err := r.catalog.ListAll()
	if err != nil {
		return fmt.Errorf("failed to list catalog for sanitization: %w", err)
	}

	clusters := make(map[string][]catalog.Entry)
	for _, e := range entries {
		if e.DownloadURL == "" {
			continue
		}
		clusters[e.DownloadURL] = append(clusters[e.DownloadURL], e)
	}

	for _, cluster := range clusters {
		if len(cluster) < 2 {
			continue
		}
		if err := r.sanitizeCluster(cluster); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) sanitizeCluster(cluster []catalog.Entry) error {
	type local struct {
		entry catalog.Entry
		size  int64
	}
	var locals []local
	for _, e := range cluster {
		info, err := os.Stat(e.LocalPath)
		if err != nil {
			continue // remote-only member, left untouched
		}
		locals = append(locals, local{entry: e, size: info.Size()})
	}
	if len(locals) < 2 {
		return nil
	}

	primary := locals[0]
	for _, l := range locals[1:] {
		if l.size > primary.size {
			primary = l
		}
	}
	correctedSize := primary.size > primary.entry.ModelSize
	if correctedSize {
		primary.entry.ModelSize = primary.size
	}

	for _, l := range locals {
		if l.entry.Group == primary.entry.Group && l.entry.ModelName == primary.entry.ModelName {
			continue
		}
		l.entry.OriginalRemotePath = primary.entry.OriginalRemotePath
		if err := r.catalog.Upsert(l.entry); err != nil {
			return fmt.Errorf("failed to rewrite duplicate entry %s/%s: %w", l.entry.Group, l.entry.ModelName, err)
		}
	}
	if correctedSize {
		return r.catalog.Upsert(primary.entry)
	}
	return nil
}
