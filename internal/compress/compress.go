// Package compress implements the Compression Adapter (spec.md §2 table,
// §4.7 steps 5-8): probing for a ".tar.zst" sidecar next to a remote
// artifact and, when present, streaming its decompression straight to the
// final destination without a second on-disk copy of the decompressed
// tree. This replaces the teacher's subprocess-based internal/util/tar
// (which shelled out to the system `tar` binary) with an in-process
// streaming decoder, per the Design Notes' guidance against a second
// on-disk copy or a shelled-out `tar`.
package compress

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/klauspost/compress/zstd"

	"github.com/bleash-dev/comfyui-docker-sub000/internal/objectstore"
)

const sidecarSuffix = ".tar.zst"

// UncompressedSizeMetadataKey is the object metadata key a compressed
// sidecar may carry with the original artifact's decompressed size, used
// to size the progress bar ahead of the transfer.
const UncompressedSizeMetadataKey = "uncompressed-size"

// Probe checks whether sourceRemotePath has a ".tar.zst" sidecar. If so it
// returns the sidecar's key as the transport object, isCompressed=true, and
// the sidecar's advertised uncompressed size (0 if not advertised).
func Probe(ctx context.Context, store objectstore.Store, sourceRemotePath string) (transportKey string, isCompressed bool, uncompressedSize int64, err error) {
	sidecarKey := sourceRemotePath + sidecarSuffix

	info, headErr := store.Head(ctx, sidecarKey)
	if headErr != nil {
		// No sidecar: fetch the object as-is.
		return sourceRemotePath, false, 0, nil
	}

	size := int64(0)
	if raw, ok := info.Metadata[UncompressedSizeMetadataKey]; ok {
		if parsed, parseErr := strconv.ParseInt(raw, 10, 64); parseErr == nil {
			size = parsed
		}
	}
	return sidecarKey, true, size, nil
}

// FetchAndMaterialize fetches transportKey from store and writes it to
// destination. If isCompressed, the fetched stream is treated as a
// single-entry tar+zstd archive and decompressed straight to destination's
// temp path before the atomic rename; otherwise the raw bytes land at
// destination directly. Either way, destination only ever sees a single,
// atomic rename — there is no partial file visible under its final name.
func FetchAndMaterialize(ctx context.Context, store objectstore.Store, transportKey, destination string, isCompressed bool, onBytes func(written int64)) error {
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	body, err := store.Get(ctx, transportKey)
	if err != nil {
		return fmt.Errorf("failed to open transport object %s: %w", transportKey, err)
	}
	defer body.Close()

	counting := &countingReader{r: body, onBytes: onBytes}

	tmp := destination + ".download.tmp"
	defer os.Remove(tmp)

	if !isCompressed {
		if err := writeToFile(tmp, counting); err != nil {
			return fmt.Errorf("failed to write %s: %w", tmp, err)
		}
		if err := os.Rename(tmp, destination); err != nil {
			return fmt.Errorf("failed to rename %s to %s: %w", tmp, destination, err)
		}
		return nil
	}

	if err := decompressSingleEntry(counting, destination); err != nil {
		return fmt.Errorf("failed to decompress %s: %w", transportKey, err)
	}
	return nil
}

type countingReader struct {
	r       io.Reader
	total   int64
	onBytes func(written int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.total += int64(n)
		if c.onBytes != nil {
			c.onBytes(c.total)
		}
	}
	return n, err
}

func writeToFile(path string, r io.Reader) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, r)
	return err
}

// decompressSingleEntry streams r (a zstd-compressed tar archive expected
// to contain exactly one regular file) straight into destination via an
// intermediate temp file, then renames atomically. Multi-entry archives
// materialize only their first regular file, matching spec.md §4.7 step
// 8's "locate the single extracted file" expectation.
func decompressSingleEntry(r io.Reader, destination string) error {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("failed to open zstd stream: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	tmp := destination + ".extract.tmp"
	defer os.Remove(tmp)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return fmt.Errorf("archive contained no regular file")
		}
		if err != nil {
			return fmt.Errorf("failed to read tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		if err := writeToFile(tmp, tr); err != nil {
			return fmt.Errorf("failed to extract %s: %w", hdr.Name, err)
		}
		if err := os.Rename(tmp, destination); err != nil {
			return fmt.Errorf("failed to rename extracted file to %s: %w", destination, err)
		}
		return nil
	}
}
