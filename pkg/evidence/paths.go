package evidence

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Contain resolves rel against root and returns the absolute path,
// rejecting absolute inputs and any traversal that would land outside
// root. Symlinks in root are resolved first so the containment check
// runs against the real tree. Every path the evidence code touches
// goes through here.
func Contain(root, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("absolute path %q not allowed", rel)
	}
	cleanRel := filepath.Clean(rel)
	if cleanRel == ".." || strings.HasPrefix(cleanRel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the evidence root", rel)
	}

	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve evidence root: %w", err)
	}
	full := filepath.Join(realRoot, cleanRel)
	if full != realRoot && !strings.HasPrefix(full, realRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the evidence root", rel)
	}
	return full, nil
}

// listRegularFiles walks root and returns the relative paths of every
// regular file, sorted, slash-separated. Symlinks are reported as an
// error: a sealed or bundled tree must not contain any.
func listRegularFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&os.ModeSymlink != 0 {
			return fmt.Errorf("symlink %q in evidence tree", path)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
