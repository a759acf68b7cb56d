package closing

import (
	"errors"
	"fmt"
)

// Kind is the stable, machine-readable classification of a closing error.
type Kind string

const (
	KindInvalidRange    Kind = "INVALID_RANGE"
	KindAmbiguousPeriod Kind = "AMBIGUOUS_PERIOD"
	KindMissingPeriod   Kind = "MISSING_PERIOD"
	KindOutOfBounds     Kind = "OUT_OF_BOUNDS"
	KindInvalidReason   Kind = "INVALID_REASON"

	KindUnauthorized Kind = "UNAUTHORIZED"

	KindAlreadyClosed     Kind = "ALREADY_CLOSED"
	KindClosingInProgress Kind = "CLOSING_IN_PROGRESS"
	KindAlreadyRolledBack Kind = "ALREADY_ROLLED_BACK"
	KindNotCompleted      Kind = "NOT_COMPLETED"
	KindNotFound          Kind = "NOT_FOUND"

	KindStorage   Kind = "STORAGE"
	KindAuditSink Kind = "AUDIT_SINK"
)

// Category groups kinds by how callers are expected to react.
type Category string

const (
	CategoryValidation   Category = "validation"
	CategoryUnauthorized Category = "unauthorized"
	CategoryConflict     Category = "conflict"
	CategoryStorage      Category = "storage"
	CategoryAudit        Category = "audit"
)

// CategoryOf maps a kind onto its category. Unknown kinds are treated as storage failures.
func CategoryOf(kind Kind) Category {
	switch kind {
	case KindInvalidRange, KindAmbiguousPeriod, KindMissingPeriod, KindOutOfBounds, KindInvalidReason:
		return CategoryValidation
	case KindUnauthorized:
		return CategoryUnauthorized
	case KindAlreadyClosed, KindClosingInProgress, KindAlreadyRolledBack, KindNotCompleted, KindNotFound:
		return CategoryConflict
	case KindAuditSink:
		return CategoryAudit
	default:
		return CategoryStorage
	}
}

// Error carries a kind, a human readable message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("closing: %s: %v", e.Message, e.Err)
	}
	return "closing: " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports a match when target is an *Error of the same kind, so wrapped
// errors with extra context still compare equal to the sentinels below.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidRange      = &Error{Kind: KindInvalidRange, Message: "year outside the accepted range"}
	ErrAmbiguousPeriod   = &Error{Kind: KindAmbiguousPeriod, Message: "quarter and month are mutually exclusive"}
	ErrMissingPeriod     = &Error{Kind: KindMissingPeriod, Message: "quarter or month required"}
	ErrOutOfBounds       = &Error{Kind: KindOutOfBounds, Message: "quarter or month out of bounds"}
	ErrInvalidReason     = &Error{Kind: KindInvalidReason, Message: "rollback reason invalid"}
	ErrUnauthorized      = &Error{Kind: KindUnauthorized, Message: "not permitted"}
	ErrAlreadyClosed     = &Error{Kind: KindAlreadyClosed, Message: "period already closed"}
	ErrClosingInProgress = &Error{Kind: KindClosingInProgress, Message: "closing already in progress for period"}
	ErrAlreadyRolledBack = &Error{Kind: KindAlreadyRolledBack, Message: "run already rolled back"}
	ErrNotCompleted      = &Error{Kind: KindNotCompleted, Message: "run not completed"}
	ErrNotFound          = &Error{Kind: KindNotFound, Message: "run not found"}
	ErrStorage           = &Error{Kind: KindStorage, Message: "storage failure"}
	ErrAuditSink         = &Error{Kind: KindAuditSink, Message: "audit sink failure"}
)

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// storageError wraps err as a STORAGE error unless it already carries a kind.
func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	return &Error{Kind: KindStorage, Message: op, Err: err}
}

// KindOf extracts the kind from err. Errors without a kind are storage failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindStorage
}
