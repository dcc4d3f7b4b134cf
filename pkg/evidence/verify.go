package evidence

import (
	"fmt"
	"os"
	"strings"
)

// VerifyResult is the outcome of verifying a sealed evidence tree.
type VerifyResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason"`
}

func invalid(format string, args ...any) VerifyResult {
	return VerifyResult{Valid: false, Reason: fmt.Sprintf(format, args...)}
}

// VerifyTree checks an extracted auth volume against its seal: parse
// the manifest, re-canonicalize, constant-time MAC check, then re-hash
// every listed file. Any symlink anywhere in the tree fails
// verification outright.
func (s *Sealer) VerifyTree(root string) VerifyResult {
	// listRegularFiles errors on the first symlink it meets.
	files, err := listRegularFiles(root)
	if err != nil {
		if strings.Contains(err.Error(), "symlink") {
			return invalid("symlink present in evidence tree")
		}
		return invalid("failed to enumerate evidence tree: %v", err)
	}

	manifestPath, err := Contain(root, ManifestName)
	if err != nil {
		return invalid("manifest path: %v", err)
	}
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return invalid("manifest unreadable: %v", err)
	}
	m, err := ParseManifest(raw)
	if err != nil {
		return invalid("manifest malformed: %v", err)
	}

	sigPath, err := Contain(root, SignatureName)
	if err != nil {
		return invalid("signature path: %v", err)
	}
	sigRaw, err := os.ReadFile(sigPath)
	if err != nil {
		return invalid("signature unreadable: %v", err)
	}

	// Do not trust the bytes on disk: the MAC covers the canonical
	// serialization of the parsed manifest.
	canonical, err := m.Canonical()
	if err != nil {
		return invalid("failed to canonicalize manifest: %v", err)
	}
	if !s.checkMAC(canonical, strings.TrimSpace(string(sigRaw))) {
		return invalid("signature mismatch")
	}

	present := map[string]bool{}
	for _, rel := range files {
		present[rel] = true
	}
	for rel, want := range m.Files {
		if !present[rel] {
			return invalid("listed file %q missing", rel)
		}
		got, err := hashFile(root, rel)
		if err != nil {
			return invalid("failed to hash %q: %v", rel, err)
		}
		if got != want {
			return invalid("digest mismatch for %q", rel)
		}
	}
	return VerifyResult{Valid: true, Reason: ""}
}
