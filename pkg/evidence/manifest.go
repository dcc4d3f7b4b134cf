package evidence

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// Manifest versions. Bumped independently: EvidenceVersion when the
// evidence layout changes, SealVersion when the sealing scheme does.
const (
	EvidenceVersion = 1
	SealVersion     = 1
)

// Reserved file names inside the auth volume. Never hashed into the
// manifest they belong to.
const (
	ManifestName  = "manifest.json"
	SignatureName = "manifest.sig"
)

// Manifest is the sealed inventory of the auth volume. Field order is
// the canonical (lexicographic) key order; keep it that way, the
// canonical serialization depends on it.
type Manifest struct {
	EvidenceVersion int               `json:"evidence_version"`
	Files           map[string]string `json:"files"` // slash path -> hex sha256
	LabID           string            `json:"lab_id"`
	SealVersion     int               `json:"seal_version"`
	SealedAt        string            `json:"sealed_at"` // RFC 3339 UTC
}

// BuildManifest hashes every regular file under root except the
// manifest and signature themselves.
func BuildManifest(root, labID string, sealedAt time.Time) (*Manifest, error) {
	files, err := listRegularFiles(root)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate evidence files: %w", err)
	}

	m := &Manifest{
		EvidenceVersion: EvidenceVersion,
		Files:           map[string]string{},
		LabID:           labID,
		SealVersion:     SealVersion,
		SealedAt:        sealedAt.UTC().Format(time.RFC3339),
	}
	for _, rel := range files {
		if rel == ManifestName || rel == SignatureName {
			continue
		}
		sum, err := hashFile(root, rel)
		if err != nil {
			return nil, err
		}
		m.Files[rel] = sum
	}
	return m, nil
}

// hashFile returns the hex SHA-256 of root/rel, containment-checked.
func hashFile(root, rel string) (string, error) {
	full, err := Contain(root, rel)
	if err != nil {
		return "", err
	}
	f, err := os.Open(full)
	if err != nil {
		return "", fmt.Errorf("failed to open %q: %w", rel, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %q: %w", rel, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Canonical serializes the manifest canonically: UTF-8, keys in
// lexicographic order, no insignificant whitespace, non-ASCII left
// unescaped. Verification re-canonicalizes through this same function
// instead of trusting bytes from disk.
func (m *Manifest) Canonical() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("failed to serialize manifest: %w", err)
	}
	// Encoder appends a newline; the canonical form has none.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// CanonicalSHA256 returns the hex digest of the canonical bytes, the
// value recorded on the lab row.
func (m *Manifest) CanonicalSHA256() (string, error) {
	data, err := m.Canonical()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ParseManifest decodes manifest bytes read from an extracted volume.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("malformed manifest: %w", err)
	}
	if m.Files == nil {
		m.Files = map[string]string{}
	}
	return &m, nil
}
