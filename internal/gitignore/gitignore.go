// Package gitignore provides gitignore pattern matching for the built-in
// search engine's directory traversal. It implements the pattern syntax
// documented at https://git-scm.com/docs/gitignore
package gitignore

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Matcher holds compiled gitignore patterns. A Matcher is immutable after
// the last AddPattern call and safe for concurrent Match calls.
type Matcher struct {
	rules []rule
}

// rule represents a single compiled gitignore pattern.
type rule struct {
	regex    *regexp.Regexp
	negation bool // starts with !
	dirOnly  bool // ends with /
	anchored bool // contains / or starts with /
	base     string
}

// New creates a new empty Matcher.
func New() *Matcher {
	return &Matcher{}
}

// AddPattern adds a gitignore pattern to the matcher.
func (m *Matcher) AddPattern(pattern string) {
	m.AddPatternWithBase(pattern, "")
}

// AddPatternWithBase adds a pattern that only applies under the given base
// directory (for nested .gitignore files).
func (m *Matcher) AddPatternWithBase(pattern, base string) {
	pattern = strings.TrimSpace(pattern)

	// Skip empty lines and comments
	if pattern == "" || (strings.HasPrefix(pattern, "#") && !strings.HasPrefix(pattern, `\#`)) {
		return
	}

	r := rule{base: base}

	// Escaped leading # or !
	if strings.HasPrefix(pattern, `\#`) || strings.HasPrefix(pattern, `\!`) {
		pattern = strings.TrimPrefix(pattern, `\`)
	} else if strings.HasPrefix(pattern, "!") {
		r.negation = true
		pattern = strings.TrimPrefix(pattern, "!")
	}

	if strings.HasSuffix(pattern, "/") {
		r.dirOnly = true
		pattern = strings.TrimSuffix(pattern, "/")
	}

	if strings.HasPrefix(pattern, "/") {
		r.anchored = true
		pattern = strings.TrimPrefix(pattern, "/")
	}

	// A pattern with an internal / is anchored at the base:
	// "doc/frotz" means "/doc/frotz", not "**/doc/frotz".
	if strings.Contains(pattern, "/") && !strings.HasPrefix(pattern, "**/") && !strings.HasPrefix(pattern, "*") {
		r.anchored = true
	}

	r.regex = regexp.MustCompile("^" + patternToRegex(pattern) + "$")
	m.rules = append(m.rules, r)
}

// AddFromFile reads patterns from a gitignore file.
func (m *Matcher) AddFromFile(path, base string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open gitignore file: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		m.AddPatternWithBase(scanner.Text(), base)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read gitignore file: %w", err)
	}

	return nil
}

// Match checks if a path matches any gitignore pattern.
// Returns true if the path should be ignored. The last matching rule wins,
// so a later negation can re-include a previously ignored path.
func (m *Matcher) Match(path string, isDir bool) bool {
	path = filepath.ToSlash(path)

	ignored := false
	for _, r := range m.rules {
		if matchRule(path, isDir, r) {
			ignored = !r.negation
		}
	}
	return ignored
}

// matchRule checks if a path matches a single rule. Directory-only patterns
// also match files inside the directory: for "temp/", "temp/file.go" matches.
func matchRule(path string, isDir bool, r rule) bool {
	if r.base != "" {
		if !strings.HasPrefix(path, r.base+"/") && path != r.base {
			return false
		}
		if path == r.base {
			path = filepath.Base(path)
		} else {
			path = strings.TrimPrefix(path, r.base+"/")
		}
	}

	parts := strings.Split(path, "/")
	basename := parts[len(parts)-1]

	if r.anchored {
		if r.regex.MatchString(path) {
			if r.dirOnly {
				return isDir
			}
			return true
		}
		// Files inside an anchored ignored directory
		if r.dirOnly {
			for i := range parts[:len(parts)-1] {
				if r.regex.MatchString(strings.Join(parts[:i+1], "/")) {
					return true
				}
			}
		}
		return false
	}

	if r.dirOnly {
		for i, part := range parts {
			if r.regex.MatchString(part) {
				if i == len(parts)-1 {
					return isDir
				}
				return true
			}
		}
		return false
	}

	if r.regex.MatchString(basename) || r.regex.MatchString(path) {
		return true
	}
	for _, part := range parts {
		if r.regex.MatchString(part) {
			return true
		}
	}
	return false
}

// patternToRegex converts a gitignore pattern to a regex string.
func patternToRegex(pattern string) string {
	var result strings.Builder

	i := 0
	for i < len(pattern) {
		c := pattern[i]

		switch c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				if i+2 < len(pattern) && pattern[i+2] == '/' {
					// **/ matches any number of directories
					result.WriteString("(?:.*/)?")
					i += 3
					continue
				} else if i == 0 || pattern[i-1] == '/' {
					result.WriteString(".*")
					i += 2
					continue
				}
			}
			// Single * matches anything except /
			result.WriteString("[^/]*")
			i++

		case '?':
			result.WriteString("[^/]")
			i++

		case '[':
			// Character class passes through as-is
			j := i + 1
			for j < len(pattern) && pattern[j] != ']' {
				j++
			}
			if j < len(pattern) {
				result.WriteString(pattern[i : j+1])
				i = j + 1
			} else {
				result.WriteString(regexp.QuoteMeta(string(c)))
				i++
			}

		case '\\':
			if i+1 < len(pattern) {
				result.WriteString(regexp.QuoteMeta(string(pattern[i+1])))
				i += 2
			} else {
				result.WriteString(regexp.QuoteMeta(string(c)))
				i++
			}

		default:
			result.WriteString(regexp.QuoteMeta(string(c)))
			i++
		}
	}

	return result.String()
}
