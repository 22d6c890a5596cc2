// Package errors provides structured error handling for StreamGrep.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: IO errors (file, disk)
//   - 4XX: Validation errors
//   - 5XX: Engine and internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryIO indicates file and disk I/O errors.
	CategoryIO Category = "IO"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryEngine indicates search-engine execution errors.
	CategoryEngine Category = "ENGINE"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// IO errors (200-299)
	ErrCodeRootNotFound     = "ERR_201_ROOT_NOT_FOUND"
	ErrCodeRootNotDirectory = "ERR_202_ROOT_NOT_DIRECTORY"

	// Validation errors (400-499)
	ErrCodeEmptyPattern      = "ERR_401_EMPTY_PATTERN"
	ErrCodeNegativeContext   = "ERR_402_NEGATIVE_CONTEXT"
	ErrCodeBadCapacity       = "ERR_403_BAD_CAPACITY"
	ErrCodeBadHeapLimit      = "ERR_404_BAD_HEAP_LIMIT"
	ErrCodeBadOverflowPolicy = "ERR_405_BAD_OVERFLOW_POLICY"

	// Engine and internal errors (500-599)
	ErrCodePatternSyntax = "ERR_501_PATTERN_SYNTAX"
	ErrCodeTraversal     = "ERR_502_TRAVERSAL"
	ErrCodeEngine        = "ERR_503_ENGINE"
	ErrCodeInternal      = "ERR_510_INTERNAL"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryIO
	case '4':
		return CategoryValidation
	case '5':
		if code == ErrCodeInternal {
			return CategoryInternal
		}
		return CategoryEngine
	default:
		return CategoryInternal
	}
}

// severityFromCode derives severity from error code.
// Validation and config errors are recoverable by the caller; engine and
// internal errors terminate the session they belong to.
func severityFromCode(code string) Severity {
	switch categoryFromCode(code) {
	case CategoryConfig, CategoryValidation:
		return SeverityError
	case CategoryIO:
		return SeverityError
	default:
		return SeverityFatal
	}
}
