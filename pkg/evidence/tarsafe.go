package evidence

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Default extraction caps. A lab's evidence is terminal logs and
// capture files; anything past these limits is not evidence.
const (
	DefaultMaxFileBytes  = 512 << 20 // 512 MiB per member
	DefaultMaxTotalBytes = 2 << 30   // 2 GiB per archive
)

// Extraction modes. Whatever the tar header claims, extracted files
// are 0600 and directories 0700, owned by the backend user.
const (
	extractFileMode = os.FileMode(0o600)
	extractDirMode  = os.FileMode(0o700)
)

// Limits caps a safe extraction.
type Limits struct {
	MaxFileBytes  int64
	MaxTotalBytes int64
}

// DefaultLimits returns the standard evidence extraction caps.
func DefaultLimits() Limits {
	return Limits{MaxFileBytes: DefaultMaxFileBytes, MaxTotalBytes: DefaultMaxTotalBytes}
}

// ErrUnsafeEntry marks a tar member the extractor refuses on principle
// rather than on size.
var ErrUnsafeEntry = errors.New("unsafe tar entry")

// SafeExtract unpacks a tar stream from an untrusted producer into
// dest. Only regular files and directories are materialized. Absolute
// paths, parent traversal, symlinks, hardlinks, devices and FIFOs are
// refused, sizes are capped per member and in total, and header modes
// and ownership are discarded.
func SafeExtract(r io.Reader, dest string, limits Limits) error {
	if limits.MaxFileBytes <= 0 {
		limits.MaxFileBytes = DefaultMaxFileBytes
	}
	if limits.MaxTotalBytes <= 0 {
		limits.MaxTotalBytes = DefaultMaxTotalBytes
	}
	if err := os.MkdirAll(dest, extractDirMode); err != nil {
		return fmt.Errorf("failed to create extraction dir: %w", err)
	}

	var total int64
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar stream: %w", err)
		}

		switch hdr.Typeflag {
		case tar.TypeReg, tar.TypeDir:
		case tar.TypeSymlink, tar.TypeLink:
			return fmt.Errorf("%w: link %q", ErrUnsafeEntry, hdr.Name)
		case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
			return fmt.Errorf("%w: special file %q", ErrUnsafeEntry, hdr.Name)
		default:
			return fmt.Errorf("%w: type %d for %q", ErrUnsafeEntry, hdr.Typeflag, hdr.Name)
		}

		target, err := Contain(dest, hdr.Name)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnsafeEntry, err)
		}

		if hdr.Typeflag == tar.TypeDir {
			if err := os.MkdirAll(target, extractDirMode); err != nil {
				return fmt.Errorf("failed to create dir %q: %w", hdr.Name, err)
			}
			continue
		}

		if hdr.Size > limits.MaxFileBytes {
			return fmt.Errorf("tar member %q exceeds per-file cap (%d bytes)", hdr.Name, hdr.Size)
		}
		if total+hdr.Size > limits.MaxTotalBytes {
			return fmt.Errorf("archive exceeds total cap at %q", hdr.Name)
		}

		if err := os.MkdirAll(filepath.Dir(target), extractDirMode); err != nil {
			return fmt.Errorf("failed to create parent of %q: %w", hdr.Name, err)
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, extractFileMode)
		if err != nil {
			return fmt.Errorf("failed to create %q: %w", hdr.Name, err)
		}

		// LimitReader guards against a stream longer than its header.
		n, err := io.Copy(f, io.LimitReader(tr, limits.MaxFileBytes+1))
		closeErr := f.Close()
		if err != nil {
			return fmt.Errorf("failed to write %q: %w", hdr.Name, err)
		}
		if closeErr != nil {
			return fmt.Errorf("failed to close %q: %w", hdr.Name, closeErr)
		}
		if n > limits.MaxFileBytes {
			return fmt.Errorf("tar member %q exceeds per-file cap", hdr.Name)
		}
		total += n
	}
}
