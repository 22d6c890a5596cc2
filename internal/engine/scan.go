package engine

import (
	"bytes"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/streamgrep/streamgrep/internal/config"
)

// binarySniffLen is how many leading bytes are checked for a NUL byte to
// classify a file as binary.
const binarySniffLen = 8192

// scanFile searches one file and returns its batch of matches. An empty
// batch means the file is binary or simply had no matches. The returned
// error is a per-file read failure; the caller records it and keeps
// scanning other files.
func scanFile(cfg config.Search, re *regexp.Regexp, entry fileEntry) (Batch, error) {
	data, err := os.ReadFile(entry.abs)
	if err != nil {
		return nil, err
	}

	sniff := data
	if len(sniff) > binarySniffLen {
		sniff = sniff[:binarySniffLen]
	}
	if bytes.IndexByte(sniff, 0) >= 0 {
		return nil, nil
	}

	content := string(data)
	lines := splitLines(content, cfg.CRLF)

	switch {
	case cfg.Passthru:
		return passthruBatch(cfg, entry, lines), nil
	case cfg.MultilineSearch:
		return multilineBatch(cfg, re, entry, content, lines), nil
	default:
		return lineBatch(cfg, re, entry, lines), nil
	}
}

// splitLines splits content into lines without terminators. A trailing
// newline does not produce an empty final line. With crlf set, a trailing
// carriage return is treated as part of the terminator.
func splitLines(content string, crlf bool) []string {
	if content == "" {
		return nil
	}
	lines := strings.Split(content, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if crlf {
		for i, l := range lines {
			lines[i] = strings.TrimSuffix(l, "\r")
		}
	}
	return lines
}

// lineBatch matches line by line: one Match per line whose match status
// differs from InvertMatch.
func lineBatch(cfg config.Search, re *regexp.Regexp, entry fileEntry, lines []string) Batch {
	var batch Batch
	for i, line := range lines {
		if re.MatchString(line) == cfg.InvertMatch {
			continue
		}
		batch = append(batch, Match{
			File:       entry.rel,
			Lines:      []string{line},
			LineNumber: lineNumber(cfg, i),
		})
	}
	return batch
}

// passthruBatch reports every line, matched or not.
func passthruBatch(cfg config.Search, entry fileEntry, lines []string) Batch {
	batch := make(Batch, 0, len(lines))
	for i, line := range lines {
		batch = append(batch, Match{
			File:       entry.rel,
			Lines:      []string{line},
			LineNumber: lineNumber(cfg, i),
		})
	}
	return batch
}

// multilineBatch runs the regex over the whole file content so matches may
// span lines. Each regex match becomes one Match holding every line it
// touches; matches collapsing to the same line span are reported once.
func multilineBatch(cfg config.Search, re *regexp.Regexp, entry fileEntry, content string, lines []string) Batch {
	spans := re.FindAllStringIndex(content, -1)
	if spans == nil && !cfg.InvertMatch {
		return nil
	}

	starts := lineStarts(content)

	if cfg.InvertMatch {
		return multilineInvertBatch(cfg, entry, lines, starts, spans)
	}

	var batch Batch
	prevStart, prevEnd := -1, -1
	for _, span := range spans {
		startLine := lineAt(starts, span[0])
		endLine := startLine
		if span[1] > span[0] {
			endLine = lineAt(starts, span[1]-1)
		}
		if endLine >= len(lines) {
			endLine = len(lines) - 1
		}
		if startLine == prevStart && endLine == prevEnd {
			continue
		}
		prevStart, prevEnd = startLine, endLine

		batch = append(batch, Match{
			File:       entry.rel,
			Lines:      append([]string(nil), lines[startLine:endLine+1]...),
			LineNumber: lineNumber(cfg, startLine),
		})
	}
	return batch
}

// multilineInvertBatch reports every line not covered by any match.
func multilineInvertBatch(cfg config.Search, entry fileEntry, lines []string, starts []int, spans [][]int) Batch {
	covered := make([]bool, len(lines))
	for _, span := range spans {
		startLine := lineAt(starts, span[0])
		endLine := startLine
		if span[1] > span[0] {
			endLine = lineAt(starts, span[1]-1)
		}
		for i := startLine; i <= endLine && i < len(lines); i++ {
			covered[i] = true
		}
	}

	var batch Batch
	for i, line := range lines {
		if covered[i] {
			continue
		}
		batch = append(batch, Match{
			File:       entry.rel,
			Lines:      []string{line},
			LineNumber: lineNumber(cfg, i),
		})
	}
	return batch
}

// lineStarts returns the byte offset of the start of each line.
func lineStarts(content string) []int {
	starts := []int{0}
	for i := 0; i < len(content); i++ {
		if content[i] == '\n' && i+1 < len(content) {
			starts = append(starts, i+1)
		}
	}
	return starts
}

// lineAt returns the 0-based line index containing byte offset off.
func lineAt(starts []int, off int) int {
	return sort.Search(len(starts), func(i int) bool { return starts[i] > off }) - 1
}

// lineNumber converts a 0-based index to the reported line number,
// honoring the include-line-numbers flag (0 means disabled).
func lineNumber(cfg config.Search, idx int) int {
	if !cfg.IncludeLineNumbers {
		return 0
	}
	return idx + 1
}
