package deploy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDockerfile(t *testing.T) {
	spec, err := ParseDockerfile("FROM httpd:2.4\nEXPOSE 80\n")
	require.NoError(t, err)
	assert.Equal(t, "httpd:2.4", spec.BaseImage)
	assert.Equal(t, []int{80}, spec.ExposedPorts)
}

func TestParseDockerfileMultipleExpose(t *testing.T) {
	spec, err := ParseDockerfile("FROM nginx:1.27\nEXPOSE 80 443/tcp\nEXPOSE 53/udp 80\n")
	require.NoError(t, err)
	assert.Equal(t, []int{80, 443, 53}, spec.ExposedPorts)
}

func TestParseDockerfileCommentsAndContinuations(t *testing.T) {
	content := "# lab image\nARG TAG=2.4\nFROM httpd:${TAG}\nRUN apt-get update && \\\n    apt-get install -y curl\nEXPOSE 8080\n"
	spec, err := ParseDockerfile(content)
	require.NoError(t, err)
	assert.Equal(t, "httpd:${TAG}", spec.BaseImage)
	assert.Equal(t, []int{8080}, spec.ExposedPorts)
}

func TestParseDockerfileNoExpose(t *testing.T) {
	spec, err := ParseDockerfile("FROM alpine:3.20\nCMD [\"sleep\", \"infinity\"]\n")
	require.NoError(t, err)
	assert.Empty(t, spec.ExposedPorts)
}

func TestParseDockerfileRejectsEmpty(t *testing.T) {
	_, err := ParseDockerfile("   \n\n")
	assert.ErrorIs(t, err, ErrInvalidDockerfile)
}

func TestParseDockerfileRejectsMissingFrom(t *testing.T) {
	_, err := ParseDockerfile("RUN echo hi\n")
	assert.ErrorIs(t, err, ErrInvalidDockerfile)
}

func TestParseDockerfileRejectsBadPort(t *testing.T) {
	for _, expose := range []string{"EXPOSE http", "EXPOSE 0", "EXPOSE 99999", "EXPOSE 80/sctp"} {
		_, err := ParseDockerfile("FROM alpine\n" + expose + "\n")
		assert.ErrorIs(t, err, ErrInvalidDockerfile, expose)
	}
}

func TestParseDockerfileRejectsOversized(t *testing.T) {
	_, err := ParseDockerfile("FROM alpine\n" + strings.Repeat("# pad\n", MaxDockerfileSize/6))
	assert.ErrorIs(t, err, ErrInvalidDockerfile)
}
