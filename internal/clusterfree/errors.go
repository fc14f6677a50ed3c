package clusterfree

import (
	"errors"
	"fmt"
)

// ErrFatalInput marks caller misuse that aborts a whole scoring run.
// Use errors.Is(err, ErrFatalInput) to detect it.
var ErrFatalInput = errors.New("fatal input error")

// FatalInputError describes invalid input detected during scoring.
type FatalInputError struct {
	Op  string
	Msg string
}

func (e *FatalInputError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

func (e *FatalInputError) Unwrap() error { return ErrFatalInput }

func fatalf(op, format string, args ...interface{}) error {
	return &FatalInputError{Op: op, Msg: fmt.Sprintf(format, args...)}
}
