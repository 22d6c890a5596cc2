package cmd

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamgrep/streamgrep/pkg/version"
)

func TestVersionCmd_Default(t *testing.T) {
	out, err := execute(t, "version")

	require.NoError(t, err)
	assert.Contains(t, out, "streamgrep")
	assert.Contains(t, out, version.Version)
	assert.Contains(t, out, "commit")
}

func TestVersionCmd_Short(t *testing.T) {
	out, err := execute(t, "version", "--short")

	require.NoError(t, err)
	assert.Equal(t, version.Version+"\n", out)
}

func TestVersionCmd_JSON(t *testing.T) {
	out, err := execute(t, "version", "--json")

	require.NoError(t, err)
	var info version.BuildInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, version.Version, info.Version)
	assert.NotEmpty(t, info.GoVersion)
}
