package invoicerelay

import (
	"errors"
	"fmt"
)

var (
	ErrValidation     = errors.New("validation failed")
	ErrNotFound       = errors.New("not found")
	ErrTransient      = errors.New("transient infrastructure failure")
	ErrInconsistency  = errors.New("inconsistent state")
	ErrAlreadyExists  = errors.New("already exists")
	ErrStatusConflict = errors.New("status conflict")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Kind classifies a failure so callers can branch without inspecting messages.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindNotFound      Kind = "not_found"
	KindTransient     Kind = "transient"
	KindInconsistency Kind = "inconsistency"
)

type Error struct {
	Kind Kind
	Op   string
	Key  Key
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Key != (Key{}) {
		msg += " [" + e.Key.String() + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrTransient:
		return e.Kind == KindTransient
	case ErrInconsistency:
		return e.Kind == KindInconsistency
	}
	return false
}

// StatusConflictError reports a compare-and-swap that found a different
// status than the caller expected.
type StatusConflictError struct {
	Key      Key
	Expected Status
	Current  Status
}

func (e *StatusConflictError) Error() string {
	return fmt.Sprintf("status conflict for %s: expected %s, found %s", e.Key, e.Expected, e.Current)
}

func (e *StatusConflictError) Is(target error) bool {
	return target == ErrStatusConflict
}

// KindOf returns the category of err. Unclassified errors are transient so
// that the platform's redelivery policy gets a chance to act on them.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidInput):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInconsistency):
		return KindInconsistency
	}
	return KindTransient
}

func validationError(op string, key Key, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Key: key, Err: fmt.Errorf(format, args...)}
}

func notFoundError(op string, key Key, err error) error {
	if err == nil {
		err = ErrNotFound
	}
	return &Error{Kind: KindNotFound, Op: op, Key: key, Err: err}
}

func transientError(op string, key Key, err error) error {
	return &Error{Kind: KindTransient, Op: op, Key: key, Err: err}
}

func inconsistencyError(op string, key Key, err error) error {
	return &Error{Kind: KindInconsistency, Op: op, Key: key, Err: err}
}
