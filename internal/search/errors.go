package search

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can map it to a response.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation means the input was rejected before touching storage
	// or models.
	KindValidation
	KindNotFound
	KindStore
	KindModel
	// KindDecode means a stored document could not be decoded as text.
	KindDecode
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindStore:
		return "store"
	case KindModel:
		return "model"
	case KindDecode:
		return "decode"
	}
	return "unknown"
}

// Error carries the failing operation and its Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func wrap(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func invalid(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}
