package engine

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/streamgrep/streamgrep/internal/config"
	sgerrors "github.com/streamgrep/streamgrep/internal/errors"
)

// compileMatcher builds the RE2 matcher for a canonical configuration.
//
// RE2 is always Unicode-aware and has no octal escape support, so
// Unicode=false and Octal=true are accepted but have no effect here; they
// exist for engines that can honor them. A pattern using octal escapes
// fails to compile and surfaces as a pattern-syntax failure.
func compileMatcher(cfg config.Search) (*regexp.Regexp, error) {
	pattern := cfg.Pattern

	if cfg.IgnoreWhitespace {
		pattern = stripUnescapedWhitespace(pattern)
	}
	if cfg.WordBoundariesOnly {
		pattern = `\b(?:` + pattern + `)\b`
	}

	var flags strings.Builder
	if cfg.CaseInsensitive || (cfg.SmartCase && !hasUpper(cfg.Pattern)) {
		flags.WriteByte('i')
	}
	if cfg.DotMatchesNewline {
		flags.WriteByte('s')
	}
	if cfg.MultilineSearch {
		// ^ and $ match line boundaries when matching whole-file content.
		flags.WriteByte('m')
	}
	if cfg.GreedySwap {
		flags.WriteByte('U')
	}
	if flags.Len() > 0 {
		pattern = "(?" + flags.String() + ")" + pattern
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, sgerrors.Wrap(sgerrors.ErrCodePatternSyntax, err)
	}
	return re, nil
}

// hasUpper reports whether the pattern contains an uppercase letter outside
// escape sequences. Used for smart-case: "foo" searches insensitively,
// "Foo" does not, and `\S` never counts as uppercase.
func hasUpper(pattern string) bool {
	escaped := false
	for _, r := range pattern {
		if escaped {
			escaped = false
			continue
		}
		if r == '\\' {
			escaped = true
			continue
		}
		if unicode.IsUpper(r) {
			return true
		}
	}
	return false
}

// stripUnescapedWhitespace removes whitespace that is neither escaped nor
// inside a character class, mirroring verbose-pattern semantics.
func stripUnescapedWhitespace(pattern string) string {
	var b strings.Builder
	escaped := false
	inClass := false
	for _, r := range pattern {
		switch {
		case escaped:
			b.WriteRune(r)
			escaped = false
		case r == '\\':
			b.WriteRune(r)
			escaped = true
		case r == '[' && !inClass:
			b.WriteRune(r)
			inClass = true
		case r == ']' && inClass:
			b.WriteRune(r)
			inClass = false
		case !inClass && unicode.IsSpace(r):
			// dropped
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
