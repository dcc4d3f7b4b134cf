package evidence

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bundleTrees(t *testing.T) (authDir, userDir string) {
	t.Helper()
	authDir = t.TempDir()
	userDir = t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(authDir, "captures"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(authDir, "desktop.log"), []byte("container log"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(authDir, "captures", "lab.pcap"), []byte("pcap"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(authDir, ManifestName), []byte("{}"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(authDir, SignatureName), []byte("sig"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(userDir, "notes.txt"), []byte("scratch"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(userDir, "terminal.log"), []byte("user log"), 0o600))
	return authDir, userDir
}

func readZip(t *testing.T, data []byte) *zip.Reader {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	return zr
}

func TestUnverifiedBundleContents(t *testing.T) {
	authDir, userDir := bundleTrees(t)
	var buf bytes.Buffer

	manifest, err := BuildUnverifiedBundle(&buf, testLabID, authDir, userDir, time.Now())
	require.NoError(t, err)

	zr := readZip(t, buf.Bytes())
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
		assert.Equal(t, os.FileMode(0o600), f.Mode().Perm(), f.Name)
	}

	// manifest.json is the last entry.
	require.NotEmpty(t, names)
	assert.Equal(t, ManifestName, names[len(names)-1])

	// Artifacts only: the seal files and notes.txt are not bundled.
	assert.ElementsMatch(t, []string{
		"auth/desktop.log", "auth/captures/lab.pcap", "user/terminal.log", ManifestName,
	}, names)

	assert.ElementsMatch(t, []string{
		"auth/desktop.log", "auth/captures/lab.pcap", "user/terminal.log",
	}, manifest.IncludedFiles)
	assert.True(t, manifest.Artifacts[ArtifactTerminalLogs].Present)
	assert.Equal(t, 2, manifest.Artifacts[ArtifactTerminalLogs].Files)
	assert.True(t, manifest.Artifacts[ArtifactPcap].Present)
	assert.Equal(t, 1, manifest.Artifacts[ArtifactPcap].Files)

	// The embedded manifest agrees with the returned one.
	var embedded BundleManifest
	mf, err := zr.Open(ManifestName)
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(mf).Decode(&embedded))
	mf.Close()
	assert.ElementsMatch(t, manifest.IncludedFiles, embedded.IncludedFiles)
	assert.Equal(t, manifest.Artifacts, embedded.Artifacts)
	assert.Equal(t, testLabID, embedded.LabID)
}

func TestUnverifiedBundleSkipsUnwritableFile(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("file permissions do not bind root")
	}
	authDir, userDir := bundleTrees(t)
	// A file that enumerates but cannot be opened must not be claimed.
	blocked := filepath.Join(authDir, "blocked.log")
	require.NoError(t, os.WriteFile(blocked, []byte("x"), 0o600))
	require.NoError(t, os.Chmod(blocked, 0o000))
	t.Cleanup(func() { _ = os.Chmod(blocked, 0o600) })

	var buf bytes.Buffer
	manifest, err := BuildUnverifiedBundle(&buf, testLabID, authDir, userDir, time.Now())
	require.NoError(t, err)

	assert.NotContains(t, manifest.IncludedFiles, "auth/blocked.log")
	for _, f := range readZip(t, buf.Bytes()).File {
		assert.NotEqual(t, "auth/blocked.log", f.Name)
	}
}

func TestFailedCopyLeavesNoOrphanEntry(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "kept.log"), []byte("kept"), 0o600))

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	err := copyIntoZip(zw, bundleEntry{Name: "auth/gone.log", Path: filepath.Join(dir, "gone.log")}, time.Now())
	require.Error(t, err)
	require.NoError(t, copyIntoZip(zw, bundleEntry{Name: "auth/kept.log", Path: filepath.Join(dir, "kept.log")}, time.Now()))
	require.NoError(t, zw.Close())

	// A failed copy must not leave a header behind in the archive.
	var names []string
	for _, f := range readZip(t, buf.Bytes()).File {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"auth/kept.log"}, names)
}

func TestPreviewMatchesBundleBuild(t *testing.T) {
	authDir, userDir := bundleTrees(t)

	preview, err := PreviewBundle(authDir, userDir)
	require.NoError(t, err)

	var buf bytes.Buffer
	manifest, err := BuildUnverifiedBundle(&buf, testLabID, authDir, userDir, time.Now())
	require.NoError(t, err)

	assert.ElementsMatch(t, preview, manifest.IncludedFiles)
}

func TestUnverifiedBundleMissingUserTree(t *testing.T) {
	authDir, _ := bundleTrees(t)
	var buf bytes.Buffer

	manifest, err := BuildUnverifiedBundle(&buf, testLabID, authDir, "", time.Now())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"auth/desktop.log", "auth/captures/lab.pcap"}, manifest.IncludedFiles)
}

func TestVerifiedBundleCarriesSealAndUserPrefix(t *testing.T) {
	root, _ := sealedTree(t)
	userDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(userDir, "terminal.log"), []byte("user"), 0o600))

	var buf bytes.Buffer
	require.NoError(t, BuildVerifiedBundle(&buf, root, userDir, true, time.Now()))

	var names []string
	for _, f := range readZip(t, buf.Bytes()).File {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, "auth/"+ManifestName)
	assert.Contains(t, names, "auth/"+SignatureName)
	assert.Contains(t, names, "auth/terminal.log")
	assert.Contains(t, names, "user_untrusted/terminal.log")

	// Without the user tree nothing untrusted appears.
	buf.Reset()
	require.NoError(t, BuildVerifiedBundle(&buf, root, userDir, false, time.Now()))
	for _, f := range readZip(t, buf.Bytes()).File {
		assert.NotContains(t, f.Name, userUntrustedPrefix)
	}
}

func TestClassifyArtifact(t *testing.T) {
	assert.Equal(t, ArtifactTerminalLogs, classifyArtifact("session.log"))
	assert.Equal(t, ArtifactPcap, classifyArtifact("captures/x.pcap"))
	assert.Equal(t, ArtifactPcap, classifyArtifact("x.PCAPNG"))
	assert.Equal(t, "", classifyArtifact("notes.txt"))
	assert.Equal(t, "", classifyArtifact(ManifestName))
}
