package naming

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// ProjectPrefix is the namespace for every per-lab resource name.
const ProjectPrefix = "octolab_"

// Suffixes appended to the project name for derived resources.
const (
	SuffixLabNet       = "_lab_net"
	SuffixEgressNet    = "_egress_net"
	SuffixEvidenceAuth = "_evidence_auth"
	SuffixEvidenceUser = "_evidence_user"
	SuffixLabPcap      = "_lab_pcap"
)

var (
	// projectRe accepts exactly octolab_<v4-uuid> with an optional
	// lowercase suffix. Infra projects (octolab_mvp, the gateway stack)
	// do not match and are therefore refused.
	projectRe = regexp.MustCompile(`^octolab_[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}(_[a-z_]+)?$`)

	tapRe = regexp.MustCompile(`^tap-[0-9a-f]{8}$`)
)

// UnsafeNameError reports a resource name that failed strict validation.
// Every subprocess or SDK operation that mentions a project, network,
// volume, or TAP name validates first and refuses on this error.
type UnsafeNameError struct {
	Name string
}

func (e *UnsafeNameError) Error() string {
	return fmt.Sprintf("refusing operation on unsafe resource name %q", e.Name)
}

// Project derives the compose project name for a lab id.
func Project(labID string) string {
	return ProjectPrefix + strings.ToLower(labID)
}

// LabNet returns the per-lab isolated network name.
func LabNet(labID string) string {
	return Project(labID) + SuffixLabNet
}

// EgressNet returns the per-lab egress network name.
func EgressNet(labID string) string {
	return Project(labID) + SuffixEgressNet
}

// AuthVolume returns the tamper-evident evidence volume name.
func AuthVolume(labID string) string {
	return Project(labID) + SuffixEvidenceAuth
}

// UserVolume returns the user-writable evidence volume name.
func UserVolume(labID string) string {
	return Project(labID) + SuffixEvidenceUser
}

// PcapVolume returns the capture volume name.
func PcapVolume(labID string) string {
	return Project(labID) + SuffixLabPcap
}

// TAP derives the host TAP interface name from the trailing 8 hex
// characters of the lab id. Interface names are capped at 15 bytes by
// the kernel, so only the tail of the id fits.
func TAP(labID string) string {
	hex := strings.ReplaceAll(strings.ToLower(labID), "-", "")
	if len(hex) < 8 {
		return ""
	}
	return "tap-" + hex[len(hex)-8:]
}

// GatewayUser derives the per-lab gateway username from the first 8 hex
// characters of the lab id.
func GatewayUser(labID string) string {
	hex := strings.ReplaceAll(strings.ToLower(labID), "-", "")
	if len(hex) < 8 {
		return ""
	}
	return "lab-" + hex[:8]
}

// ValidateLabID checks that the id is a version-4 UUID.
func ValidateLabID(labID string) error {
	u, err := uuid.Parse(labID)
	if err != nil {
		return fmt.Errorf("invalid lab id %q: %w", labID, err)
	}
	if u.Version() != 4 {
		return fmt.Errorf("invalid lab id %q: not a v4 UUID", labID)
	}
	if labID != strings.ToLower(labID) {
		return fmt.Errorf("invalid lab id %q: must be lowercase", labID)
	}
	return nil
}

// ValidateProject checks a project, network, or volume name against the
// strict per-lab pattern. Returns UnsafeNameError on mismatch.
func ValidateProject(name string) error {
	if !projectRe.MatchString(name) {
		return &UnsafeNameError{Name: name}
	}
	return nil
}

// ValidateTAP checks a TAP interface name. Returns UnsafeNameError on
// mismatch.
func ValidateTAP(name string) error {
	if !tapRe.MatchString(name) {
		return &UnsafeNameError{Name: name}
	}
	return nil
}

// IsLabProject reports whether the name is a valid per-lab project with
// no suffix.
func IsLabProject(name string) bool {
	if err := ValidateProject(name); err != nil {
		return false
	}
	return ExtractLabID(name) != ""
}

// ExtractLabID returns the lab id embedded in a valid project (or
// project-derived) name, or "" when the name does not parse.
func ExtractLabID(name string) string {
	if !strings.HasPrefix(name, ProjectPrefix) {
		return ""
	}
	rest := strings.TrimPrefix(name, ProjectPrefix)
	// A UUID is 36 characters; anything after is a suffix.
	if len(rest) < 36 {
		return ""
	}
	id := rest[:36]
	if err := ValidateLabID(id); err != nil {
		return ""
	}
	if len(rest) > 36 && !strings.HasPrefix(rest[36:], "_") {
		return ""
	}
	return id
}

// BelongsToProject reports whether a container name was created by
// compose for the given project. Compose v2 joins project, service, and
// index with hyphens; v1 used underscores. Both are accepted.
func BelongsToProject(containerName, project string) bool {
	name := strings.TrimPrefix(containerName, "/")
	return strings.HasPrefix(name, project+"-") || strings.HasPrefix(name, project+"_")
}
