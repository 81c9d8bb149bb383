package convert

import (
	"context"
	"errors"
	"fmt"
)

// ErrCancelled is returned when a conversion was aborted through its Handle.
var ErrCancelled = errors.New("conversion cancelled")

// ConversionError reports an unrecoverable adapter failure. Message is safe to
// show to users; Detail holds diagnostic output such as tool stderr.
type ConversionError struct {
	Message string
	Detail  string
	Err     error
}

func (e *ConversionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ConversionError) Unwrap() error { return e.Err }

// Failf builds a ConversionError wrapping err.
func Failf(err error, format string, args ...any) *ConversionError {
	return &ConversionError{Message: fmt.Sprintf(format, args...), Err: err}
}

// Interpret maps a failure during external work to ErrCancelled when the
// handle was killed or ctx ended, and returns err unchanged otherwise.
func Interpret(ctx context.Context, h *Handle, err error) error {
	if err == nil {
		return nil
	}
	if h.Aborted() || ctx.Err() != nil {
		return ErrCancelled
	}
	return err
}
