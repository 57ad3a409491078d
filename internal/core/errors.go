package core

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed input, such as an empty segment or a
// size that does not match the provided data.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "validation: " + e.Msg }

// Validationf builds a ValidationError with a formatted message.
func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IntegrityError reports stored totals that disagree with their detail
// records, for example a folder version whose declared file count does not
// match its file rows.
type IntegrityError struct {
	Msg string
}

func (e *IntegrityError) Error() string { return "integrity: " + e.Msg }

// Integrityf builds an IntegrityError with a formatted message.
func Integrityf(format string, args ...any) error {
	return &IntegrityError{Msg: fmt.Sprintf(format, args...)}
}

// FormatError reports a blob that is not in the expected format, such as a
// manifest with the wrong magic marker or an unsupported format version.
type FormatError struct {
	Msg string
}

func (e *FormatError) Error() string { return "format: " + e.Msg }

// Formatf builds a FormatError with a formatted message.
func Formatf(format string, args ...any) error {
	return &FormatError{Msg: fmt.Sprintf(format, args...)}
}

// TruncationError reports a blob whose declared counts or lengths exceed
// the remaining buffer.
type TruncationError struct {
	Msg string
}

func (e *TruncationError) Error() string { return "truncated: " + e.Msg }

// Truncatedf builds a TruncationError with a formatted message.
func Truncatedf(format string, args ...any) error {
	return &TruncationError{Msg: fmt.Sprintf(format, args...)}
}

// TransientTransportError wraps a transport failure that is worth retrying:
// busy, unavailable, timeout.
type TransientTransportError struct {
	Op  string
	Err error
}

func (e *TransientTransportError) Error() string {
	return fmt.Sprintf("transient transport error during %s: %v", e.Op, e.Err)
}

func (e *TransientTransportError) Unwrap() error { return e.Err }

// TerminalTransportError wraps a transport rejection that no amount of
// retrying will fix.
type TerminalTransportError struct {
	Op  string
	Err error
}

func (e *TerminalTransportError) Error() string {
	return fmt.Sprintf("terminal transport error during %s: %v", e.Op, e.Err)
}

func (e *TerminalTransportError) Unwrap() error { return e.Err }

// ConflictError reports a lost compare-and-set race, such as two workers
// claiming the same segment. The loser simply asks for the next one.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string { return "conflict: " + e.Msg }

// IsTransient reports whether err is (or wraps) a transient transport
// failure. Used as the retryable predicate of the shared retry policy.
func IsTransient(err error) bool {
	var te *TransientTransportError
	return errors.As(err, &te)
}
