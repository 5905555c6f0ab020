package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for retry and HTTP mapping.
type Kind string

const (
	KindNotFound    Kind = "not_found"
	KindValidation  Kind = "validation"
	KindExtraction  Kind = "extraction"
	KindPersistence Kind = "persistence"
)

// Error is the application error carried across component boundaries.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Extraction wraps a failure of the extraction service.
func Extraction(message string, err error) error {
	return &Error{Kind: KindExtraction, Message: message, Err: err}
}

// Persistence wraps a failure of a storage call.
func Persistence(message string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return fmt.Errorf("%s: %w", message, err)
	}
	return &Error{Kind: KindPersistence, Message: message, Err: err}
}

// KindOf returns the kind of the outermost *Error in the chain, or "" for untyped errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

func IsValidation(err error) bool {
	return KindOf(err) == KindValidation
}

// Retryable reports whether redelivery may succeed. Not-found and validation
// failures are final; everything else, including untyped errors, is retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindNotFound, KindValidation:
		return false
	default:
		return true
	}
}
