// Package output renders search results for the terminal. Output is
// colored through lipgloss when the destination is a TTY and plain
// otherwise, so piping into other tools stays clean.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/streamgrep/streamgrep/internal/engine"
)

// Color palette, single lime accent.
const (
	colorLime     = "154" // file paths and counts
	colorGray     = "245" // line numbers, secondary text
	colorDarkGray = "238" // separators
	colorRed      = "196" // errors
	colorYellow   = "220" // warnings
)

// Styles holds the render styles.
type Styles struct {
	File    lipgloss.Style
	LineNo  lipgloss.Style
	Summary lipgloss.Style
	Dim     lipgloss.Style
	Error   lipgloss.Style
	Warning lipgloss.Style
}

// DefaultStyles returns the colored styles.
func DefaultStyles() Styles {
	return Styles{
		File:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorLime)),
		LineNo:  lipgloss.NewStyle().Foreground(lipgloss.Color(colorGray)),
		Summary: lipgloss.NewStyle().Foreground(lipgloss.Color(colorLime)),
		Dim:     lipgloss.NewStyle().Foreground(lipgloss.Color(colorDarkGray)),
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color(colorRed)),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color(colorYellow)),
	}
}

// NoColorStyles returns unstyled rendering for pipes and files.
func NoColorStyles() Styles {
	return Styles{
		File:    lipgloss.NewStyle(),
		LineNo:  lipgloss.NewStyle(),
		Summary: lipgloss.NewStyle(),
		Dim:     lipgloss.NewStyle(),
		Error:   lipgloss.NewStyle(),
		Warning: lipgloss.NewStyle(),
	}
}

// Writer renders matches and status lines.
type Writer struct {
	out    io.Writer
	styles Styles
}

// New creates a Writer, choosing colored styles when out is a terminal.
func New(out io.Writer) *Writer {
	if f, ok := out.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return NewStyled(out, DefaultStyles())
	}
	return NewStyled(out, NoColorStyles())
}

// NewStyled creates a Writer with explicit styles.
func NewStyled(out io.Writer, styles Styles) *Writer {
	return &Writer{out: out, styles: styles}
}

// Match renders one match as path:line:text, one output line per matched
// line. Write errors on console output are intentionally ignored.
func (w *Writer) Match(m engine.Match) {
	prefix := w.styles.File.Render(m.File)
	if m.LineNumber > 0 {
		prefix += w.styles.Dim.Render(":") + w.styles.LineNo.Render(fmt.Sprintf("%d", m.LineNumber))
	}
	for i, line := range m.Lines {
		n := m.LineNumber
		if n > 0 && i > 0 {
			// Continuation lines of a multiline match keep their own numbers
			prefix = w.styles.File.Render(m.File) +
				w.styles.Dim.Render(":") +
				w.styles.LineNo.Render(fmt.Sprintf("%d", n+i))
		}
		_, _ = fmt.Fprintf(w.out, "%s%s%s\n", prefix, w.styles.Dim.Render(":"), line)
	}
}

// Batch renders every match of a batch.
func (w *Writer) Batch(b engine.Batch) {
	for _, m := range b {
		w.Match(m)
	}
}

// Summary renders the closing line of a run.
func (w *Writer) Summary(matches int, dropped uint64) {
	line := fmt.Sprintf("%d matches", matches)
	if dropped > 0 {
		line += fmt.Sprintf(" (%d dropped by buffer policy)", dropped)
	}
	_, _ = fmt.Fprintln(w.out, w.styles.Summary.Render(line))
}

// Error renders a failure line.
func (w *Writer) Error(err error) {
	_, _ = fmt.Fprintln(w.out, w.styles.Error.Render("error: "+err.Error()))
}

// Warning renders a warning line.
func (w *Writer) Warning(msg string) {
	_, _ = fmt.Fprintln(w.out, w.styles.Warning.Render(msg))
}

// Status renders an informational line.
func (w *Writer) Status(msg string) {
	_, _ = fmt.Fprintln(w.out, w.styles.Dim.Render(msg))
}

// Statusf renders a formatted informational line.
func (w *Writer) Statusf(format string, args ...any) {
	w.Status(fmt.Sprintf(format, args...))
}

// JSON encodes v as indented JSON to the output.
func (w *Writer) JSON(v any) error {
	enc := json.NewEncoder(w.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Separator renders a rule between watch-mode runs.
func (w *Writer) Separator() {
	_, _ = fmt.Fprintln(w.out, w.styles.Dim.Render(strings.Repeat("─", 40)))
}

// Newline prints an empty line.
func (w *Writer) Newline() {
	_, _ = fmt.Fprintln(w.out)
}
