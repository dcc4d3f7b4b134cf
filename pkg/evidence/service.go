package evidence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/rs/zerolog"

	"github.com/octolab/octolab/pkg/log"
	"github.com/octolab/octolab/pkg/metrics"
	"github.com/octolab/octolab/pkg/naming"
	"github.com/octolab/octolab/pkg/storage"
	"github.com/octolab/octolab/pkg/types"
)

// Bundle production failures the API maps to status codes.
var (
	ErrNotSealed          = errors.New("evidence not sealed")
	ErrVerificationFailed = errors.New("evidence verification failed")
	ErrNotAvailable       = errors.New("evidence not available for this lab state")
)

// Service owns the evidence lifecycle of a lab: extraction through the
// hardened helper, sealing, verification, bundles, reconciliation on
// read, and volume reclamation at expiry.
type Service struct {
	store  storage.Store
	sealer *Sealer
	ext    *extractor
	logger zerolog.Logger
}

// NewService wires the evidence service.
func NewService(store storage.Store, cli DockerClient, sealSecret []byte) (*Service, error) {
	sealer, err := NewSealer(sealSecret)
	if err != nil {
		return nil, err
	}
	return &Service{
		store:  store,
		sealer: sealer,
		ext:    &extractor{cli: cli},
		logger: log.WithComponent("evidence"),
	}, nil
}

// captureDir is where the pcap volume lands inside the extracted auth
// tree. Overlaying it there puts captures under the seal and into
// every bundle without the capture sidecar ever mounting the auth
// volume itself.
const captureDir = "captures"

// extractBoth pulls the auth, pcap, and user volumes into a temp dir.
// The pcap volume overlays authDir/captures; it and the user volume
// failing are tolerated (microvm labs have no pcap volume, the user
// volume is untrusted and optional). The auth volume failing is fatal.
func (s *Service) extractBoth(ctx context.Context, lab *types.Lab) (authDir, userDir string, cleanup func(), err error) {
	if err := naming.ValidateLabID(lab.ID); err != nil {
		return "", "", nil, err
	}
	tmp, err := os.MkdirTemp("", "octolab-evidence-")
	if err != nil {
		return "", "", nil, fmt.Errorf("failed to create extraction dir: %w", err)
	}
	cleanup = func() { _ = os.RemoveAll(tmp) }

	authDir = tmp + "/auth"
	userDir = tmp + "/user"
	if err := s.ext.ExtractVolume(ctx, naming.AuthVolume(lab.ID), authDir, DefaultLimits()); err != nil {
		cleanup()
		return "", "", nil, fmt.Errorf("failed to extract auth volume: %w", err)
	}
	if err := s.ext.ExtractVolume(ctx, naming.PcapVolume(lab.ID), authDir+"/"+captureDir, DefaultLimits()); err != nil {
		s.logger.Debug().Str("lab_id", lab.ID).Err(err).Msg("pcap volume extraction failed")
	}
	if err := s.ext.ExtractVolume(ctx, naming.UserVolume(lab.ID), userDir, DefaultLimits()); err != nil {
		s.logger.Warn().Str("lab_id", lab.ID).Err(err).Msg("user volume extraction failed")
		userDir = ""
	}
	return authDir, userDir, cleanup, nil
}

// ExportLogs writes authoritative log files into the lab's auth volume.
// Called during teardown, before sealing, so the exported logs land
// under the seal.
func (s *Service) ExportLogs(ctx context.Context, lab *types.Lab, files map[string][]byte) error {
	if err := naming.ValidateLabID(lab.ID); err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}
	return s.ext.WriteFiles(ctx, naming.AuthVolume(lab.ID), files)
}

// Seal builds, signs and persists the manifest for the lab's auth
// volume, then records the seal on the lab row.
func (s *Service) Seal(ctx context.Context, lab *types.Lab) error {
	authDir, _, cleanup, err := s.extractBoth(ctx, lab)
	if err != nil {
		s.markSealFailed(lab.ID, err)
		return err
	}
	defer cleanup()

	sealedAt := time.Now()
	res, err := s.sealer.Seal(authDir, lab.ID, sealedAt)
	if err != nil {
		s.markSealFailed(lab.ID, err)
		return err
	}

	err = s.ext.WriteFiles(ctx, naming.AuthVolume(lab.ID), map[string][]byte{
		ManifestName:  res.CanonicalJSON,
		SignatureName: []byte(res.SignatureB64 + "\n"),
	})
	if err != nil {
		s.markSealFailed(lab.ID, err)
		return err
	}

	_, err = s.store.MutateLab(lab.ID, func(l *types.Lab) error {
		l.EvidenceSealStatus = types.SealSealed
		l.EvidenceSealedAt = &sealedAt
		l.EvidenceManifestSHA256 = res.ManifestSHA256
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record seal: %w", err)
	}
	s.logger.Info().Str("lab_id", lab.ID).Str("manifest_sha256", res.ManifestSHA256).
		Int("files", len(res.Manifest.Files)).Msg("evidence sealed")
	return nil
}

func (s *Service) markSealFailed(labID string, cause error) {
	s.logger.Error().Str("lab_id", labID).Err(cause).Msg("evidence sealing failed")
	if _, err := s.store.MutateLab(labID, func(l *types.Lab) error {
		l.EvidenceSealStatus = types.SealFailed
		return nil
	}); err != nil {
		s.logger.Warn().Str("lab_id", labID).Err(err).Msg("failed to record seal failure")
	}
}

// Verify re-extracts the auth volume and checks the seal end to end.
func (s *Service) Verify(ctx context.Context, lab *types.Lab) VerifyResult {
	if lab.EvidenceSealStatus != types.SealSealed {
		return invalid("evidence is not sealed")
	}
	authDir, _, cleanup, err := s.extractBoth(ctx, lab)
	if err != nil {
		return invalid("extraction failed: %v", err)
	}
	defer cleanup()
	res := s.sealer.VerifyTree(authDir)
	countVerify(res.Valid)
	return res
}

// Status reports the evidence state plus live artifact presence.
func (s *Service) Status(ctx context.Context, lab *types.Lab) (*types.EvidenceStatus, error) {
	st := &types.EvidenceStatus{
		State:          lab.EvidenceState,
		SealStatus:     lab.EvidenceSealStatus,
		ManifestSHA256: lab.EvidenceManifestSHA256,
		SealedAt:       lab.EvidenceSealedAt,
		ExpiresAt:      lab.EvidenceExpiresAt,
		Artifacts: map[string]types.ArtifactPresence{
			ArtifactTerminalLogs: {},
			ArtifactPcap:         {},
		},
	}

	authDir, userDir, cleanup, err := s.extractBoth(ctx, lab)
	if err != nil {
		return st, nil // state only; volumes may be gone past expiry
	}
	defer cleanup()

	entries, err := enumerateArtifacts(authDir, userDir)
	if err != nil {
		return st, nil
	}
	for _, e := range entries {
		p := st.Artifacts[e.Kind]
		p.Present = true
		p.Files++
		st.Artifacts[e.Kind] = p
	}
	return st, nil
}

// Preview lists the files an unverified bundle would contain. Shares
// the enumeration with BuildBundle, so the sets match.
func (s *Service) Preview(ctx context.Context, lab *types.Lab) ([]string, error) {
	if !lab.Status.Connectable() && lab.Status != types.LabStatusFinished {
		return nil, ErrNotAvailable
	}
	authDir, userDir, cleanup, err := s.extractBoth(ctx, lab)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	return PreviewBundle(authDir, userDir)
}

// BuildBundle streams the unverified zip for READY, DEGRADED or
// FINISHED labs.
func (s *Service) BuildBundle(ctx context.Context, lab *types.Lab, w io.Writer) (*BundleManifest, error) {
	if !lab.Status.Connectable() && lab.Status != types.LabStatusFinished {
		return nil, ErrNotAvailable
	}
	authDir, userDir, cleanup, err := s.extractBoth(ctx, lab)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	return BuildUnverifiedBundle(w, lab.ID, authDir, userDir, time.Now())
}

// BuildVerifiedBundle streams the sealed auth tree after a successful
// verification. Only FINISHED, sealed labs qualify.
func (s *Service) BuildVerifiedBundle(ctx context.Context, lab *types.Lab, w io.Writer, includeUser bool) error {
	if lab.Status != types.LabStatusFinished || lab.EvidenceSealStatus != types.SealSealed {
		return ErrNotSealed
	}
	authDir, userDir, cleanup, err := s.extractBoth(ctx, lab)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	defer cleanup()

	res := s.sealer.VerifyTree(authDir)
	countVerify(res.Valid)
	if !res.Valid {
		return fmt.Errorf("%w: %s", ErrVerificationFailed, res.Reason)
	}
	return BuildVerifiedBundle(w, authDir, userDir, includeUser, time.Now())
}

func countVerify(valid bool) {
	outcome := "ok"
	if !valid {
		outcome = "failed"
	}
	metrics.EvidenceVerifiesTotal.WithLabelValues(outcome).Inc()
}

// ReconcileOnRead finalizes evidence state for a terminal lab that was
// never finalized: it checks what the volumes actually hold and lands
// on present or unavailable, exactly once.
func (s *Service) ReconcileOnRead(ctx context.Context, lab *types.Lab) (*types.Lab, error) {
	if !lab.Status.IsTerminal() || lab.EvidenceState != types.EvidenceCollecting || lab.EvidenceFinalizedAt != nil {
		return lab, nil
	}

	state := types.EvidencePresent
	if _, _, cleanup, err := s.extractBoth(ctx, lab); err != nil {
		state = types.EvidenceUnavailable
	} else {
		cleanup()
	}

	now := time.Now()
	updated, err := s.store.MutateLab(lab.ID, func(l *types.Lab) error {
		if l.EvidenceFinalizedAt != nil {
			return nil // lost the race, someone else finalized
		}
		l.EvidenceState = state
		l.EvidenceFinalizedAt = &now
		return nil
	})
	if err != nil {
		return lab, fmt.Errorf("failed to finalize evidence state: %w", err)
	}
	s.logger.Info().Str("lab_id", lab.ID).Str("state", string(state)).Msg("evidence state finalized on read")
	return updated, nil
}

// RemoveVolumes deletes the lab's evidence volumes once retention has
// run out. Missing volumes are success.
func (s *Service) RemoveVolumes(ctx context.Context, lab *types.Lab) error {
	if err := naming.ValidateLabID(lab.ID); err != nil {
		return err
	}
	var firstErr error
	for _, vol := range []string{
		naming.AuthVolume(lab.ID),
		naming.UserVolume(lab.ID),
		naming.PcapVolume(lab.ID),
	} {
		if err := s.ext.cli.VolumeRemove(ctx, vol, true); err != nil && !isVolumeGone(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func isVolumeGone(err error) bool {
	return cerrdefs.IsNotFound(err)
}
