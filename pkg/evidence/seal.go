package evidence

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"
)

// Sealer computes and checks the HMAC seal over canonical manifests.
// The secret never leaves the backend process.
type Sealer struct {
	secret []byte
}

// NewSealer builds a sealer over the backend-held secret.
func NewSealer(secret []byte) (*Sealer, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("evidence seal secret must be at least 16 bytes, got %d", len(secret))
	}
	return &Sealer{secret: secret}, nil
}

// SealResult carries everything sealing produced: the canonical
// manifest bytes to persist as manifest.json, the base64 signature
// line for manifest.sig, and the row digest.
type SealResult struct {
	Manifest       *Manifest
	CanonicalJSON  []byte
	SignatureB64   string
	ManifestSHA256 string
}

// Seal builds the manifest over root and signs it.
func (s *Sealer) Seal(root, labID string, sealedAt time.Time) (*SealResult, error) {
	m, err := BuildManifest(root, labID, sealedAt)
	if err != nil {
		return nil, err
	}
	canonical, err := m.Canonical()
	if err != nil {
		return nil, err
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(canonical)
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	sha, err := m.CanonicalSHA256()
	if err != nil {
		return nil, err
	}
	return &SealResult{
		Manifest:       m,
		CanonicalJSON:  canonical,
		SignatureB64:   sig,
		ManifestSHA256: sha,
	}, nil
}

// checkMAC re-signs the canonical bytes and compares in constant time.
func (s *Sealer) checkMAC(canonical []byte, sigB64 string) bool {
	claimed, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(canonical)
	return hmac.Equal(mac.Sum(nil), claimed)
}
