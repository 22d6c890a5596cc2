package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamgrep/streamgrep/internal/config"
)

// writeEntry writes content to a temp file and returns its fileEntry.
func writeEntry(t *testing.T, name, content string) fileEntry {
	t.Helper()
	dir := t.TempDir()
	abs := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	return fileEntry{abs: abs, rel: name}
}

func scan(t *testing.T, p config.Partial, pattern, name, content string) Batch {
	t.Helper()
	cfg := mustCanonical(t, p, pattern)
	re, err := compileMatcher(cfg)
	require.NoError(t, err)
	batch, err := scanFile(cfg, re, writeEntry(t, name, content))
	require.NoError(t, err)
	return batch
}

func TestScanFile_LineMode(t *testing.T) {
	// Given: the spec's reference scenario
	batch := scan(t, config.Partial{}, "fo+", "a.txt", "foo\nbar\nfooo\n")

	// Then: two matches in file-line order with 1-based line numbers
	require.Len(t, batch, 2)
	assert.Equal(t, []string{"foo"}, batch[0].Lines)
	assert.Equal(t, 1, batch[0].LineNumber)
	assert.Equal(t, []string{"fooo"}, batch[1].Lines)
	assert.Equal(t, 3, batch[1].LineNumber)
	assert.Equal(t, "a.txt", batch[0].File)
}

func TestScanFile_NoTrailingNewline(t *testing.T) {
	batch := scan(t, config.Partial{}, "fo+", "a.txt", "bar\nfoo")

	require.Len(t, batch, 1)
	assert.Equal(t, 2, batch[0].LineNumber)
}

func TestScanFile_LineNumbersDisabled(t *testing.T) {
	f := false
	batch := scan(t, config.Partial{IncludeLineNumbers: &f}, "foo", "a.txt", "foo\n")

	require.Len(t, batch, 1)
	assert.Equal(t, 0, batch[0].LineNumber)
}

func TestScanFile_InvertMatch(t *testing.T) {
	inv := true
	batch := scan(t, config.Partial{InvertMatch: &inv}, "fo+", "a.txt", "foo\nbar\nfooo\n")

	require.Len(t, batch, 1)
	assert.Equal(t, []string{"bar"}, batch[0].Lines)
	assert.Equal(t, 2, batch[0].LineNumber)
}

func TestScanFile_Passthru(t *testing.T) {
	pt := true
	batch := scan(t, config.Partial{Passthru: &pt}, "fo+", "a.txt", "foo\nbar\n")

	// Every line is reported, matched or not
	require.Len(t, batch, 2)
	assert.Equal(t, []string{"foo"}, batch[0].Lines)
	assert.Equal(t, []string{"bar"}, batch[1].Lines)
}

func TestScanFile_CRLF(t *testing.T) {
	crlf := true
	batch := scan(t, config.Partial{CRLF: &crlf}, "foo$", "a.txt", "foo\r\nbar\r\n")

	require.Len(t, batch, 1)
	assert.Equal(t, []string{"foo"}, batch[0].Lines)
}

func TestScanFile_Multiline(t *testing.T) {
	ml := true
	batch := scan(t, config.Partial{MultilineSearch: &ml}, "start\nend", "a.txt",
		"junk\nstart\nend\nmore\n")

	// Then: the match spans two lines and reports the first line's number
	require.Len(t, batch, 1)
	assert.Equal(t, []string{"start", "end"}, batch[0].Lines)
	assert.Equal(t, 2, batch[0].LineNumber)
}

func TestScanFile_MultilineDedupesSameSpan(t *testing.T) {
	ml := true
	batch := scan(t, config.Partial{MultilineSearch: &ml}, "o", "a.txt", "foo\n")

	// Two regex matches on the same line collapse to one result
	require.Len(t, batch, 1)
	assert.Equal(t, []string{"foo"}, batch[0].Lines)
}

func TestScanFile_MultilineInvert(t *testing.T) {
	ml := true
	inv := true
	batch := scan(t, config.Partial{MultilineSearch: &ml, InvertMatch: &inv},
		"start\nend", "a.txt", "junk\nstart\nend\nmore\n")

	// Lines covered by the match are excluded
	require.Len(t, batch, 2)
	assert.Equal(t, []string{"junk"}, batch[0].Lines)
	assert.Equal(t, []string{"more"}, batch[1].Lines)
	assert.Equal(t, 4, batch[1].LineNumber)
}

func TestScanFile_BinarySkipped(t *testing.T) {
	cfg := mustCanonical(t, config.Partial{}, "foo")
	re, err := compileMatcher(cfg)
	require.NoError(t, err)

	entry := writeEntry(t, "bin", "foo\x00bar")
	batch, err := scanFile(cfg, re, entry)

	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestScanFile_EmptyFile(t *testing.T) {
	batch := scan(t, config.Partial{}, "foo", "empty.txt", "")
	assert.Empty(t, batch)
}

func TestScanFile_ReadError(t *testing.T) {
	cfg := mustCanonical(t, config.Partial{}, "foo")
	re, err := compileMatcher(cfg)
	require.NoError(t, err)

	_, err = scanFile(cfg, re, fileEntry{abs: filepath.Join(t.TempDir(), "nope"), rel: "nope"})

	assert.Error(t, err)
}

func TestMatchByteSize(t *testing.T) {
	m := Match{File: "ab", Lines: []string{"xyz", "12"}}
	assert.Equal(t, int64(7), m.ByteSize())

	b := Batch{m, m}
	assert.Equal(t, int64(14), b.ByteSize())
}
