package deploy

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
)

// Limits on the source files that accompany a Dockerfile upload. The
// files land in the lab record, not a build context, so the caps are
// about keeping lab rows and evidence bundles bounded.
const (
	MaxSourceFiles    = 32
	MaxSourceFileSize = 256 * 1024
)

// ErrInvalidSourceFile is wrapped by every source-file validation
// failure so callers can map the class to a single API response.
var ErrInvalidSourceFile = errors.New("invalid source file")

// ValidateSourceFiles checks the names and sizes of uploaded source
// files. Names must be clean, relative, slash-separated paths with no
// traversal. Returns the names sorted for deterministic recording.
func ValidateSourceFiles(files map[string]string) ([]string, error) {
	if len(files) > MaxSourceFiles {
		return nil, fmt.Errorf("%w: %d files exceeds limit of %d", ErrInvalidSourceFile, len(files), MaxSourceFiles)
	}
	names := make([]string, 0, len(files))
	for name, content := range files {
		if err := checkSourceName(name); err != nil {
			return nil, err
		}
		if len(content) > MaxSourceFileSize {
			return nil, fmt.Errorf("%w: %q exceeds %d bytes", ErrInvalidSourceFile, name, MaxSourceFileSize)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func checkSourceName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidSourceFile)
	}
	if strings.HasPrefix(name, "/") {
		return fmt.Errorf("%w: %q is absolute", ErrInvalidSourceFile, name)
	}
	if strings.Contains(name, "\\") {
		return fmt.Errorf("%w: %q must use forward slashes", ErrInvalidSourceFile, name)
	}
	cleaned := path.Clean(name)
	if cleaned != name || cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return fmt.Errorf("%w: %q is not a clean relative path", ErrInvalidSourceFile, name)
	}
	return nil
}
