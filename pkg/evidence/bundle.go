package evidence

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"
)

// Artifact kinds surfaced in bundle manifests.
const (
	ArtifactTerminalLogs = "terminal_logs"
	ArtifactPcap         = "pcap"
)

// Zip tree prefixes. The untrusted user tree is labeled as such.
const (
	authPrefix          = "auth"
	userPrefix          = "user"
	userUntrustedPrefix = "user_untrusted"
)

// bundleEntry is one candidate file for an unverified bundle.
type bundleEntry struct {
	Name string // zip entry name, slash-separated
	Path string // absolute source path
	Kind string // artifact kind
}

// artifactInfo mirrors the zip's actual contents per artifact kind.
type artifactInfo struct {
	Present bool `json:"present"`
	Files   int  `json:"files"`
}

// BundleManifest describes an unverified bundle. IncludedFiles and
// Artifacts are derived from what was actually written into the zip,
// never from what enumeration promised.
type BundleManifest struct {
	Artifacts     map[string]artifactInfo `json:"artifacts"`
	GeneratedAt   string                  `json:"generated_at"`
	IncludedFiles []string                `json:"included_files"`
	LabID         string                  `json:"lab_id"`
}

// classifyArtifact maps a file name to its artifact kind, or "" for
// files the unverified bundle does not carry.
func classifyArtifact(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".log":
		return ArtifactTerminalLogs
	case ".pcap", ".pcapng":
		return ArtifactPcap
	}
	return ""
}

// enumerateArtifacts lists the user-visible artifacts of the two
// extracted trees. The admin preview and the bundle build both run
// through this function, so they agree by construction. A missing
// tree contributes nothing.
func enumerateArtifacts(authDir, userDir string) ([]bundleEntry, error) {
	var entries []bundleEntry
	for _, tree := range []struct {
		prefix string
		dir    string
	}{
		{authPrefix, authDir},
		{userPrefix, userDir},
	} {
		if tree.dir == "" {
			continue
		}
		if _, err := os.Stat(tree.dir); err != nil {
			continue
		}
		files, err := listRegularFiles(tree.dir)
		if err != nil {
			return nil, err
		}
		for _, rel := range files {
			if rel == ManifestName || rel == SignatureName {
				continue
			}
			kind := classifyArtifact(rel)
			if kind == "" {
				continue
			}
			full, err := Contain(tree.dir, rel)
			if err != nil {
				return nil, err
			}
			entries = append(entries, bundleEntry{
				Name: path.Join(tree.prefix, rel),
				Path: full,
				Kind: kind,
			})
		}
	}
	return entries, nil
}

// PreviewBundle returns the entry names a subsequent unverified bundle
// build would include.
func PreviewBundle(authDir, userDir string) ([]string, error) {
	entries, err := enumerateArtifacts(authDir, userDir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return names, nil
}

// zipEntry opens one DEFLATE member with mode 0600.
func zipEntry(zw *zip.Writer, name string, modified time.Time) (io.Writer, error) {
	hdr := &zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: modified,
	}
	hdr.SetMode(0o600)
	return zw.CreateHeader(hdr)
}

// BuildUnverifiedBundle streams the zip of user-visible artifacts to
// w. manifest.json is written last; its included_files and artifact
// booleans reflect the zip's real contents, so an artifact that failed
// to copy is simply not claimed.
func BuildUnverifiedBundle(w io.Writer, labID, authDir, userDir string, now time.Time) (*BundleManifest, error) {
	entries, err := enumerateArtifacts(authDir, userDir)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate artifacts: %w", err)
	}

	manifest := &BundleManifest{
		Artifacts: map[string]artifactInfo{
			ArtifactTerminalLogs: {},
			ArtifactPcap:         {},
		},
		GeneratedAt:   now.UTC().Format(time.RFC3339),
		IncludedFiles: []string{},
		LabID:         labID,
	}

	zw := zip.NewWriter(w)
	for _, entry := range entries {
		if err := copyIntoZip(zw, entry, now); err != nil {
			// Not written, therefore not claimed.
			continue
		}
		manifest.IncludedFiles = append(manifest.IncludedFiles, entry.Name)
		info := manifest.Artifacts[entry.Kind]
		info.Present = true
		info.Files++
		manifest.Artifacts[entry.Kind] = info
	}

	mw, err := zipEntry(zw, ManifestName, now)
	if err != nil {
		return nil, fmt.Errorf("failed to open bundle manifest entry: %w", err)
	}
	enc := json.NewEncoder(mw)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(manifest); err != nil {
		return nil, fmt.Errorf("failed to write bundle manifest: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish bundle: %w", err)
	}
	return manifest, nil
}

// copyIntoZip reads the whole source file before opening the zip
// member. Opening the member first would leave an orphan entry in the
// archive if the read failed partway, and the manifest never claims
// entries that were not written.
func copyIntoZip(zw *zip.Writer, entry bundleEntry, now time.Time) error {
	data, err := os.ReadFile(entry.Path)
	if err != nil {
		return err
	}
	w, err := zipEntry(zw, entry.Name, now)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// BuildVerifiedBundle streams the sealed auth tree, manifest and
// signature included, optionally plus the user tree under a prefix
// labeled untrusted. The caller enforces seal state and verification
// before this runs.
func BuildVerifiedBundle(w io.Writer, authDir, userDir string, includeUser bool, now time.Time) error {
	zw := zip.NewWriter(w)

	if err := copyTreeIntoZip(zw, authDir, authPrefix, now); err != nil {
		return err
	}
	if includeUser && userDir != "" {
		if _, err := os.Stat(userDir); err == nil {
			if err := copyTreeIntoZip(zw, userDir, userUntrustedPrefix, now); err != nil {
				return err
			}
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish verified bundle: %w", err)
	}
	return nil
}

func copyTreeIntoZip(zw *zip.Writer, dir, prefix string, now time.Time) error {
	files, err := listRegularFiles(dir)
	if err != nil {
		return fmt.Errorf("failed to enumerate %s tree: %w", prefix, err)
	}
	for _, rel := range files {
		full, err := Contain(dir, rel)
		if err != nil {
			return err
		}
		if err := copyIntoZip(zw, bundleEntry{Name: path.Join(prefix, rel), Path: full}, now); err != nil {
			return fmt.Errorf("failed to add %q to verified bundle: %w", rel, err)
		}
	}
	return nil
}
