package config

import "fmt"

// ParseError is a fatal, pre-execution error produced while turning a
// workflow document into a Model: a malformed block, a duplicate step id,
// an unsupported input type, or a config value that contradicts the
// tool's published schema. Subject names the offending step or field.
type ParseError struct {
	Subject string
	Reason  string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Subject == "" {
		return fmt.Sprintf("parse error: %s", e.Reason)
	}
	return fmt.Sprintf("parse error in %q: %s", e.Subject, e.Reason)
}

// NewParseError constructs a ParseError with a formatted reason.
func NewParseError(subject, format string, args ...any) *ParseError {
	return &ParseError{Subject: subject, Reason: fmt.Sprintf(format, args...)}
}
