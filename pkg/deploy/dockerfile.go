package deploy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MaxDockerfileSize caps uploaded Dockerfiles. Anything larger is almost
// certainly not a lab definition.
const MaxDockerfileSize = 64 * 1024

// ErrInvalidDockerfile is wrapped by every validation failure in this
// package so callers can map the whole class to a single API response.
var ErrInvalidDockerfile = errors.New("invalid dockerfile")

// Spec is the validated content of an uploaded Dockerfile.
type Spec struct {
	// BaseImage is the image named by the first FROM instruction.
	BaseImage string
	// ExposedPorts holds every port declared by EXPOSE instructions,
	// in order of appearance, duplicates removed.
	ExposedPorts []int
	// Dockerfile is the original content, kept so the lab row can
	// record exactly what was deployed.
	Dockerfile string
}

// ParseDockerfile validates content as a Dockerfile and extracts the
// base image and exposed ports. The first non-comment instruction must
// be FROM per the Dockerfile grammar.
func ParseDockerfile(content string) (*Spec, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: empty content", ErrInvalidDockerfile)
	}
	if len(content) > MaxDockerfileSize {
		return nil, fmt.Errorf("%w: content exceeds %d bytes", ErrInvalidDockerfile, MaxDockerfileSize)
	}

	spec := &Spec{Dockerfile: content}
	seen := make(map[int]bool)
	sawInstruction := false

	for _, raw := range splitInstructions(content) {
		fields := strings.Fields(raw)
		if len(fields) == 0 {
			continue
		}
		instr := strings.ToUpper(fields[0])

		if !sawInstruction {
			if instr == "ARG" {
				// ARG may precede FROM to parameterize the base image.
				continue
			}
			if instr != "FROM" {
				return nil, fmt.Errorf("%w: first instruction must be FROM, got %s", ErrInvalidDockerfile, instr)
			}
		}
		sawInstruction = true

		switch instr {
		case "FROM":
			if len(fields) < 2 {
				return nil, fmt.Errorf("%w: FROM requires an image reference", ErrInvalidDockerfile)
			}
			if spec.BaseImage == "" {
				spec.BaseImage = fields[1]
			}
		case "EXPOSE":
			if len(fields) < 2 {
				return nil, fmt.Errorf("%w: EXPOSE requires at least one port", ErrInvalidDockerfile)
			}
			for _, arg := range fields[1:] {
				port, err := parsePort(arg)
				if err != nil {
					return nil, err
				}
				if !seen[port] {
					seen[port] = true
					spec.ExposedPorts = append(spec.ExposedPorts, port)
				}
			}
		}
	}

	if spec.BaseImage == "" {
		return nil, fmt.Errorf("%w: no FROM instruction", ErrInvalidDockerfile)
	}
	return spec, nil
}

// splitInstructions yields logical instruction lines: comments dropped,
// backslash continuations joined.
func splitInstructions(content string) []string {
	var out []string
	var cont strings.Builder
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if strings.HasSuffix(trimmed, "\\") {
			cont.WriteString(strings.TrimSuffix(trimmed, "\\"))
			cont.WriteString(" ")
			continue
		}
		cont.WriteString(trimmed)
		out = append(out, cont.String())
		cont.Reset()
	}
	if cont.Len() > 0 {
		out = append(out, cont.String())
	}
	return out
}

func parsePort(arg string) (int, error) {
	// EXPOSE accepts "80", "80/tcp", "53/udp".
	numeric := arg
	if i := strings.IndexByte(arg, '/'); i >= 0 {
		proto := strings.ToLower(arg[i+1:])
		if proto != "tcp" && proto != "udp" {
			return 0, fmt.Errorf("%w: unknown protocol in EXPOSE %s", ErrInvalidDockerfile, arg)
		}
		numeric = arg[:i]
	}
	port, err := strconv.Atoi(numeric)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("%w: bad port in EXPOSE %s", ErrInvalidDockerfile, arg)
	}
	return port, nil
}
