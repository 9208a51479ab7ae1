package core

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind enumerates the closed error taxonomy. Application-visible
// failures are always one of these; the engine never panics for them.
type ErrorKind uint8

const (
	ErrNotFound ErrorKind = iota + 1
	ErrWrongType
	ErrInvalidKey
	ErrInvalidPath
	ErrInvalidInput
	ErrInvalidOperation
	ErrConstraintViolation
	ErrHistoryTrimmed
	ErrConflict
	ErrVersionConflict
	ErrWriteConflict
	ErrTransactionAborted
	ErrTransactionTimeout
	ErrTransactionNotActive
	ErrStorage
	ErrSerialization
	ErrCorruption
	ErrCapacityExceeded
	ErrBudgetExceeded
	ErrInternal
)

func (k ErrorKind) String() string {
	switch k {
	case ErrNotFound:
		return "NotFound"
	case ErrWrongType:
		return "WrongType"
	case ErrInvalidKey:
		return "InvalidKey"
	case ErrInvalidPath:
		return "InvalidPath"
	case ErrInvalidInput:
		return "InvalidInput"
	case ErrInvalidOperation:
		return "InvalidOperation"
	case ErrConstraintViolation:
		return "ConstraintViolation"
	case ErrHistoryTrimmed:
		return "HistoryTrimmed"
	case ErrConflict:
		return "Conflict"
	case ErrVersionConflict:
		return "VersionConflict"
	case ErrWriteConflict:
		return "WriteConflict"
	case ErrTransactionAborted:
		return "TransactionAborted"
	case ErrTransactionTimeout:
		return "TransactionTimeout"
	case ErrTransactionNotActive:
		return "TransactionNotActive"
	case ErrStorage:
		return "Storage"
	case ErrSerialization:
		return "Serialization"
	case ErrCorruption:
		return "Corruption"
	case ErrCapacityExceeded:
		return "CapacityExceeded"
	case ErrBudgetExceeded:
		return "BudgetExceeded"
	case ErrInternal:
		return "Internal"
	default:
		return fmt.Sprintf("ErrorKind(%d)", uint8(k))
	}
}

// Conflict describes one failed validation inside a WriteConflict.
type Conflict struct {
	Entity   EntityRef
	Expected Version
	Actual   Version
}

func (c Conflict) String() string {
	return fmt.Sprintf("%s expected=%s actual=%s", c.Entity, c.Expected, c.Actual)
}

// Error is the structured error every engine operation returns. Details are
// populated per kind: versions for conflicts, entity for addressing errors,
// Source for wrapped I/O failures.
type Error struct {
	Kind     ErrorKind
	Entity   *EntityRef
	Expected Version
	Actual   Version
	// Earliest is the oldest retained version for HistoryTrimmed.
	Earliest  Version
	Reason    string
	Conflicts []Conflict
	Source    error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.String())
	if e.Entity != nil {
		fmt.Fprintf(&sb, " %s", e.Entity)
	}
	if e.Kind == ErrVersionConflict {
		fmt.Fprintf(&sb, " expected=%s actual=%s", e.Expected, e.Actual)
	}
	if e.Kind == ErrWriteConflict && len(e.Conflicts) > 0 {
		parts := make([]string, len(e.Conflicts))
		for i, c := range e.Conflicts {
			parts[i] = c.String()
		}
		fmt.Fprintf(&sb, " [%s]", strings.Join(parts, "; "))
	}
	if e.Reason != "" {
		fmt.Fprintf(&sb, ": %s", e.Reason)
	}
	if e.Source != nil {
		fmt.Fprintf(&sb, ": %v", e.Source)
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Source }

// Is lets errors.Is match on bare kinds via KindSentinel values.
func (e *Error) Is(target error) bool {
	var ke kindError
	if errors.As(target, &ke) {
		return e.Kind == ke.kind
	}
	return false
}

type kindError struct{ kind ErrorKind }

func (k kindError) Error() string { return k.kind.String() }

// KindSentinel returns a sentinel usable with errors.Is to match any Error
// of the given kind.
func KindSentinel(k ErrorKind) error { return kindError{kind: k} }

// KindOf extracts the taxonomy kind, or 0 for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Retryable reports whether the caller may retry the failed operation.
// Conflicts are retryable; Corruption and Internal never are.
func Retryable(err error) bool {
	switch KindOf(err) {
	case ErrConflict, ErrVersionConflict, ErrWriteConflict:
		return true
	default:
		return false
	}
}

// IsConflict reports whether the error is any conflict variant.
func IsConflict(err error) bool { return Retryable(err) }

// IsNotFound reports whether the error is NotFound.
func IsNotFound(err error) bool { return KindOf(err) == ErrNotFound }

// NotFound builds a NotFound error for the entity.
func NotFound(ref EntityRef) *Error {
	return &Error{Kind: ErrNotFound, Entity: &ref}
}

// WrongType builds a WrongType error.
func WrongType(ref EntityRef, reason string) *Error {
	return &Error{Kind: ErrWrongType, Entity: &ref, Reason: reason}
}

// InvalidKeyErr builds an InvalidKey error.
func InvalidKeyErr(reason string) *Error {
	return &Error{Kind: ErrInvalidKey, Reason: reason}
}

// InvalidPath builds an InvalidPath error.
func InvalidPath(reason string) *Error {
	return &Error{Kind: ErrInvalidPath, Reason: reason}
}

// InvalidInput builds an InvalidInput error.
func InvalidInput(reason string) *Error {
	return &Error{Kind: ErrInvalidInput, Reason: reason}
}

// InvalidOperation builds an InvalidOperation error.
func InvalidOperation(ref EntityRef, reason string) *Error {
	return &Error{Kind: ErrInvalidOperation, Entity: &ref, Reason: reason}
}

// ConstraintViolation builds a ConstraintViolation error.
func ConstraintViolation(reason string) *Error {
	return &Error{Kind: ErrConstraintViolation, Reason: reason}
}

// HistoryTrimmed builds a HistoryTrimmed error.
func HistoryTrimmed(ref EntityRef, requested, earliest Version) *Error {
	return &Error{Kind: ErrHistoryTrimmed, Entity: &ref, Expected: requested, Earliest: earliest}
}

// VersionConflict builds a CAS/read-set mismatch error.
func VersionConflict(ref EntityRef, expected, actual Version) *Error {
	return &Error{Kind: ErrVersionConflict, Entity: &ref, Expected: expected, Actual: actual}
}

// WriteConflict builds an OCC validation failure carrying every conflict.
func WriteConflict(conflicts []Conflict) *Error {
	return &Error{Kind: ErrWriteConflict, Conflicts: conflicts}
}

// TransactionAborted builds a TransactionAborted error.
func TransactionAborted(reason string) *Error {
	return &Error{Kind: ErrTransactionAborted, Reason: reason}
}

// TransactionTimeout builds a TransactionTimeout error.
func TransactionTimeout(reason string) *Error {
	return &Error{Kind: ErrTransactionTimeout, Reason: reason}
}

// TransactionNotActive builds a TransactionNotActive error.
func TransactionNotActive() *Error {
	return &Error{Kind: ErrTransactionNotActive}
}

// StorageErr wraps a low-level I/O failure.
func StorageErr(source error, reason string) *Error {
	return &Error{Kind: ErrStorage, Reason: reason, Source: source}
}

// SerializationErr wraps an encode/decode failure.
func SerializationErr(source error, reason string) *Error {
	return &Error{Kind: ErrSerialization, Reason: reason, Source: source}
}

// Corruption builds a Corruption error. Not retryable.
func Corruption(source error, reason string) *Error {
	return &Error{Kind: ErrCorruption, Reason: reason, Source: source}
}

// CapacityExceeded builds a CapacityExceeded error.
func CapacityExceeded(reason string) *Error {
	return &Error{Kind: ErrCapacityExceeded, Reason: reason}
}

// BudgetExceeded builds a BudgetExceeded error.
func BudgetExceeded(reason string) *Error {
	return &Error{Kind: ErrBudgetExceeded, Reason: reason}
}

// Internalf builds an Internal error; these indicate bugs, never user error.
func Internalf(format string, args ...any) *Error {
	return &Error{Kind: ErrInternal, Reason: fmt.Sprintf(format, args...)}
}
