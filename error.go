package odm

import (
	"errors"
	"fmt"
)

// ErrorCode classifies errors raised by the mapper.
type ErrorCode int

const (
	Unknown ErrorCode = iota
	// ConfigurationError reports bad or missing class metadata.
	ConfigurationError
	// ConcurrencyConflict reports a version mismatch on update or lock.
	ConcurrencyConflict
	// CascadeError reports a broken object graph, e.g. an unresolvable reference target.
	CascadeError
	// IdentityConflict reports two instances claiming the same identity in a session.
	IdentityConflict
	// InvalidState reports an operation not allowed in the object's current lifecycle state.
	InvalidState
	// ReentryLimit reports lifecycle hooks that keep registering new work during flush.
	ReentryLimit
)

func (c ErrorCode) String() string {
	switch c {
	case ConfigurationError:
		return "configuration error"
	case ConcurrencyConflict:
		return "concurrency conflict"
	case CascadeError:
		return "cascade error"
	case IdentityConflict:
		return "identity conflict"
	case InvalidState:
		return "invalid state"
	case ReentryLimit:
		return "reentry limit"
	}
	return "unknown"
}

var (
	// ErrNotFound is returned by storage drivers when a document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrDuplicateKey is returned by storage drivers on unique constraint violations.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrVersionConflict is the signal of a failed version precondition.
	ErrVersionConflict = errors.New("version conflict")
	// ErrIdentityConflict is returned when another instance is already managed under the same identity.
	ErrIdentityConflict = errors.New("identity already registered to another instance")
	// ErrFlushInProgress is returned when Flush is invoked while another flush runs on the same session.
	ErrFlushInProgress = errors.New("flush already in progress")
	// ErrReentryLimit is returned when lifecycle hooks keep registering changes past the configured pass limit.
	ErrReentryLimit = errors.New("flush re-entry limit reached")
	// ErrNotManaged is returned for operations requiring a managed object.
	ErrNotManaged = errors.New("object is not managed")
	// ErrUnresolvedReference is returned when a reference has neither a target nor an identifier to load.
	ErrUnresolvedReference = errors.New("unresolved reference")
)

// Error is the mapper's custom error carrying a classification code.
type Error struct {
	Code     ErrorCode
	Err      error
	UserData any
}

func (e Error) Error() string {
	if e.UserData != nil {
		return fmt.Sprintf("%s: %v, user data: %v", e.Code, e.Err, e.UserData)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

// Unwrap returns the wrapped error so errors.Is and errors.As see through Error.
func (e Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with code.
func NewError(code ErrorCode, err error, userData any) error {
	return Error{Code: code, Err: err, UserData: userData}
}

// Configurationf returns a ConfigurationError with a formatted message.
func Configurationf(format string, args ...any) error {
	return Error{Code: ConfigurationError, Err: fmt.Errorf(format, args...)}
}

// CodeOf returns the ErrorCode carried by err, or Unknown.
func CodeOf(err error) ErrorCode {
	var e Error
	if errors.As(err, &e) {
		return e.Code
	}
	var pe *Error
	if errors.As(err, &pe) && pe != nil {
		return pe.Code
	}
	return Unknown
}

// IsConcurrencyConflict reports whether err signals a failed version precondition.
func IsConcurrencyConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict) || CodeOf(err) == ConcurrencyConflict
}

// Operation names the write a flush was executing when it failed.
type Operation string

const (
	OpInsert           Operation = "insert"
	OpUpdate           Operation = "update"
	OpDelete           Operation = "delete"
	OpCollectionUpdate Operation = "collection update"
	OpCollectionDelete Operation = "collection delete"
	OpCascade          Operation = "cascade"
	OpLock             Operation = "lock"
)

// FlushError describes which class and operation a failed flush stopped at.
// Err is the driver or engine error, unchanged.
type FlushError struct {
	Class     string
	Operation Operation
	Err       error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("flush %s of %s failed: %v", e.Operation, e.Class, e.Err)
}

func (e *FlushError) Unwrap() error {
	return e.Err
}
