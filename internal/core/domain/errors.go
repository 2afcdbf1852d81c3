package domain

import (
	"errors"
	"fmt"
)

var (
	ErrRefusal           = errors.New("agent refusal")
	ErrTimeout           = errors.New("deadline exceeded")
	ErrParse             = errors.New("malformed structured answer")
	ErrConfig            = errors.New("invalid configuration")
	ErrInvalidInput      = errors.New("invalid input")
	ErrTemporary         = errors.New("temporary failure")
	ErrAllSegmentsFailed = errors.New("all segments failed")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// NewParseError wraps ErrParse with a truncated copy of the offending
// payload for diagnosis.
func NewParseError(operation, payload string, err error) error {
	const maxSnippet = 512
	if len(payload) > maxSnippet {
		payload = payload[:maxSnippet]
	}
	return fmt.Errorf("%s: %w: %w (payload: %q)", operation, ErrParse, err, payload)
}
