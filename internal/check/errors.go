package check

import (
	"errors"
	"fmt"

	"castswap/internal/order"
)

var (
	ErrExpired      = errors.New("order expired")
	ErrAlreadyTaken = errors.New("order already taken")
	ErrFeeMismatch  = errors.New("protocol fee mismatch")

	// ErrSignatureInvalid is re-exported so callers only need this package for terminal reasons.
	ErrSignatureInvalid = order.ErrSignatureInvalid
)

// TerminalError ends every flow on the order: no state-changing action can make it valid again.
type TerminalError struct {
	Reason error
	Detail string
}

func (e *TerminalError) Error() string {
	if e.Detail == "" {
		return e.Reason.Error()
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

func (e *TerminalError) Unwrap() error { return e.Reason }

func terminal(reason error, format string, args ...interface{}) *TerminalError {
	return &TerminalError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// IsTerminal reports whether err is one of the terminal check outcomes.
func IsTerminal(err error) bool {
	var t *TerminalError
	return errors.As(err, &t)
}
