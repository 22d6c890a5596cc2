// Package config defines the search configuration and its canonical form.
//
// Callers supply a Partial in which every field is optional; Canonicalize
// resolves it into a Search in which every field has a concrete value.
// Resolution is presence-based, not truthiness-based: a field is defaulted
// only when it is nil, so an explicit false or 0 from the caller is never
// silently overridden.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	sgerrors "github.com/streamgrep/streamgrep/internal/errors"
)

// OverflowPolicy selects the buffer's behavior when it is full.
type OverflowPolicy string

const (
	// OverflowBlock parks the producing worker until space frees.
	// This is the backpressure path and the default.
	OverflowBlock OverflowPolicy = "block"
	// OverflowDrop evicts the oldest buffered matches to make room.
	// Evictions are counted and visible to the consumer.
	OverflowDrop OverflowPolicy = "drop"
)

// Default values applied by Canonicalize for absent Partial fields.
const (
	DefaultNumMatchesToBuffer = 100000
)

// Search is a canonical search configuration. Every field holds a concrete
// value; nothing is "unset". Treat values as immutable once produced by
// Canonicalize.
type Search struct {
	// Pattern is the regular expression to search for. Always non-empty.
	Pattern string

	// AfterContext and BeforeContext are context line counts passed through
	// to the engine. Non-negative.
	AfterContext  int
	BeforeContext int

	// Searcher behavior flags.
	MultilineSearch    bool
	InvertMatch        bool
	IncludeLineNumbers bool
	Passthru           bool

	// Matcher behavior flags.
	CaseInsensitive    bool
	SmartCase          bool
	DotMatchesNewline  bool
	GreedySwap         bool
	IgnoreWhitespace   bool
	Unicode            bool
	Octal              bool
	CRLF               bool
	WordBoundariesOnly bool

	// NumMatchesToBuffer caps the number of buffered-but-unconsumed matches.
	// Always positive.
	NumMatchesToBuffer int

	// HeapLimit caps the approximate byte size of buffered matched text.
	// Zero means no ceiling.
	HeapLimit int64

	// Overflow is the buffer's behavior when either limit is reached.
	Overflow OverflowPolicy
}

// Partial is a search configuration with every field optional. Nil fields
// receive documented defaults during canonicalization.
type Partial struct {
	AfterContext  *int `yaml:"after_context"`
	BeforeContext *int `yaml:"before_context"`

	MultilineSearch    *bool `yaml:"multiline_search"`
	InvertMatch        *bool `yaml:"invert_match"`
	IncludeLineNumbers *bool `yaml:"include_line_numbers"`
	Passthru           *bool `yaml:"passthru"`

	CaseInsensitive    *bool `yaml:"case_insensitive"`
	SmartCase          *bool `yaml:"smart_case"`
	DotMatchesNewline  *bool `yaml:"dot_matches_newline"`
	GreedySwap         *bool `yaml:"greedy_swap"`
	IgnoreWhitespace   *bool `yaml:"ignore_whitespace"`
	Unicode            *bool `yaml:"unicode"`
	Octal              *bool `yaml:"octal"`
	CRLF               *bool `yaml:"crlf"`
	WordBoundariesOnly *bool `yaml:"word_boundaries_only"`

	NumMatchesToBuffer *int   `yaml:"num_matches_to_buffer"`
	HeapLimit          *int64 `yaml:"heap_limit"`

	Overflow *OverflowPolicy `yaml:"overflow"`
}

// Canonicalize resolves a Partial and a pattern into a canonical Search.
// It is a pure function: no side effects, no engine invocation. It fails
// only on invalid input (empty pattern, negative context counts,
// non-positive capacity or heap limit, unknown overflow policy).
func Canonicalize(p Partial, pattern string) (Search, error) {
	if pattern == "" {
		return Search{}, sgerrors.ValidationError(sgerrors.ErrCodeEmptyPattern,
			"search pattern must not be empty")
	}

	cfg := Search{
		Pattern:            pattern,
		AfterContext:       intOr(p.AfterContext, 0),
		BeforeContext:      intOr(p.BeforeContext, 0),
		MultilineSearch:    boolOr(p.MultilineSearch, false),
		InvertMatch:        boolOr(p.InvertMatch, false),
		IncludeLineNumbers: boolOr(p.IncludeLineNumbers, true),
		Passthru:           boolOr(p.Passthru, false),
		CaseInsensitive:    boolOr(p.CaseInsensitive, false),
		SmartCase:          boolOr(p.SmartCase, true),
		DotMatchesNewline:  boolOr(p.DotMatchesNewline, false),
		GreedySwap:         boolOr(p.GreedySwap, false),
		IgnoreWhitespace:   boolOr(p.IgnoreWhitespace, false),
		Unicode:            boolOr(p.Unicode, true),
		Octal:              boolOr(p.Octal, false),
		CRLF:               boolOr(p.CRLF, false),
		WordBoundariesOnly: boolOr(p.WordBoundariesOnly, false),
		NumMatchesToBuffer: intOr(p.NumMatchesToBuffer, DefaultNumMatchesToBuffer),
		Overflow:           OverflowBlock,
	}
	if p.HeapLimit != nil {
		cfg.HeapLimit = *p.HeapLimit
	}
	if p.Overflow != nil {
		cfg.Overflow = *p.Overflow
	}

	if cfg.AfterContext < 0 || cfg.BeforeContext < 0 {
		return Search{}, sgerrors.ValidationError(sgerrors.ErrCodeNegativeContext,
			fmt.Sprintf("context line counts must be non-negative (before=%d, after=%d)",
				cfg.BeforeContext, cfg.AfterContext))
	}
	if cfg.NumMatchesToBuffer <= 0 {
		return Search{}, sgerrors.ValidationError(sgerrors.ErrCodeBadCapacity,
			fmt.Sprintf("num_matches_to_buffer must be positive, got %d", cfg.NumMatchesToBuffer))
	}
	if p.HeapLimit != nil && cfg.HeapLimit <= 0 {
		return Search{}, sgerrors.ValidationError(sgerrors.ErrCodeBadHeapLimit,
			fmt.Sprintf("heap_limit must be positive when set, got %d", cfg.HeapLimit))
	}
	switch cfg.Overflow {
	case OverflowBlock, OverflowDrop:
	default:
		return Search{}, sgerrors.ValidationError(sgerrors.ErrCodeBadOverflowPolicy,
			fmt.Sprintf("overflow policy must be %q or %q, got %q",
				OverflowBlock, OverflowDrop, cfg.Overflow))
	}

	return cfg, nil
}

// Partial converts a canonical Search back into a fully-present Partial.
// Canonicalize(cfg.Partial(), cfg.Pattern) returns cfg unchanged, which
// makes canonicalization idempotent.
func (s Search) Partial() Partial {
	p := Partial{
		AfterContext:       ptr(s.AfterContext),
		BeforeContext:      ptr(s.BeforeContext),
		MultilineSearch:    ptr(s.MultilineSearch),
		InvertMatch:        ptr(s.InvertMatch),
		IncludeLineNumbers: ptr(s.IncludeLineNumbers),
		Passthru:           ptr(s.Passthru),
		CaseInsensitive:    ptr(s.CaseInsensitive),
		SmartCase:          ptr(s.SmartCase),
		DotMatchesNewline:  ptr(s.DotMatchesNewline),
		GreedySwap:         ptr(s.GreedySwap),
		IgnoreWhitespace:   ptr(s.IgnoreWhitespace),
		Unicode:            ptr(s.Unicode),
		Octal:              ptr(s.Octal),
		CRLF:               ptr(s.CRLF),
		WordBoundariesOnly: ptr(s.WordBoundariesOnly),
		NumMatchesToBuffer: ptr(s.NumMatchesToBuffer),
		Overflow:           ptr(s.Overflow),
	}
	if s.HeapLimit > 0 {
		p.HeapLimit = ptr(s.HeapLimit)
	}
	return p
}

// ConfigFileName is the per-project partial configuration file.
const ConfigFileName = ".streamgrep.yaml"

// LoadPartial reads a Partial from a yaml file. A missing file yields an
// empty Partial, not an error, so project config stays optional.
func LoadPartial(path string) (Partial, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Partial{}, nil
		}
		return Partial{}, sgerrors.Wrap(sgerrors.ErrCodeConfigNotFound, err)
	}

	var p Partial
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Partial{}, sgerrors.ConfigError(
			fmt.Sprintf("failed to parse %s", path), err)
	}
	return p, nil
}

func boolOr(v *bool, def bool) bool {
	if v != nil {
		return *v
	}
	return def
}

func intOr(v *int, def int) int {
	if v != nil {
		return *v
	}
	return def
}

func ptr[T any](v T) *T { return &v }
