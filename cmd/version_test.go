package cmd

import (
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/CodingWithBoris/Chillers-Bot/chillers"
	"github.com/stretchr/testify/assert"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := chillers.Version
	originalCommitSHA := chillers.CommitSHA
	originalBuildTime := chillers.BuildTime

	t.Cleanup(
		func() {
			chillers.Version = originalVersion
			chillers.CommitSHA = originalCommitSHA
			chillers.BuildTime = originalBuildTime
		},
	)

	chillers.Version = "1.0.0"
	chillers.CommitSHA = "abc123"
	chillers.BuildTime = "2023-10-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	// Capture the output
	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	output := string(out)
	t.Logf("output: %s", string(out))
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		chillers.Version,
		chillers.CommitSHA,
		chillers.BuildTime,
	)
	assert.Equal(t, expected, output)
}
