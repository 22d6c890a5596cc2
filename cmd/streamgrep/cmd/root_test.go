package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with the given args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestRootCmd_ShowsHelp(t *testing.T) {
	out, err := execute(t, "--help")

	require.NoError(t, err)
	assert.Contains(t, out, "streamgrep <pattern> [path]")
	assert.Contains(t, out, "--overflow")
	assert.Contains(t, out, "--watch")
}

func TestRootCmd_VersionFlag(t *testing.T) {
	out, err := execute(t, "--version")

	require.NoError(t, err)
	assert.Contains(t, out, "streamgrep version")
}

func TestRootCmd_RequiresPattern(t *testing.T) {
	_, err := execute(t)

	assert.Error(t, err)
}

func TestRootCmd_RejectsUnknownFormat(t *testing.T) {
	_, err := execute(t, "needle", t.TempDir(), "--format", "xml")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown output format")
}

func TestRootCmd_RejectsBadOverflowPolicy(t *testing.T) {
	_, err := execute(t, "needle", t.TempDir(), "--overflow", "explode")

	assert.Error(t, err)
}
