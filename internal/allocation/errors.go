package allocation

import (
	"errors"
	"fmt"
)

// Kind classifies allocation failures.
type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindInvalidPolicy      Kind = "invalid_policy"
	KindInvalidInput       Kind = "invalid_input"
	KindStaleState         Kind = "stale_state"
	KindPersistenceFailure Kind = "persistence_failure"
)

// Sentinels usable with errors.Is against any *Error of the same kind.
var (
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrInvalidPolicy      = &Error{Kind: KindInvalidPolicy}
	ErrInvalidInput       = &Error{Kind: KindInvalidInput}
	ErrStaleState         = &Error{Kind: KindStaleState}
	ErrPersistenceFailure = &Error{Kind: KindPersistenceFailure}
)

// Error carries the failure kind plus enough run context to diagnose it
// without re-running.
type Error struct {
	Kind      Kind
	Op        string
	ProductID int64
	Msg       string
	Details   map[string]any
	Err       error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		if e.ProductID != 0 {
			return fmt.Sprintf("%s product %d: %s", e.Op, e.ProductID, msg)
		}
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so callers can test errors.Is(err, ErrStaleState).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == "" && t.Err == nil
}

// Errorf builds an *Error of the given kind.
func Errorf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithProduct returns a copy of err annotated with the product id when err is
// an *Error that does not already carry one.
func WithProduct(err error, productID int64) error {
	var ae *Error
	if !errors.As(err, &ae) || ae.ProductID != 0 {
		return err
	}
	cp := *ae
	cp.ProductID = productID
	return &cp
}

// KindOf returns the Kind of err, or "" when err is not an allocation error.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}
