package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/lokalhq/lokal/internal/governor"
)

var (
	// ErrInvalidInput rejects a job before any stage runs.
	ErrInvalidInput = errors.New("pipeline: invalid input")
	// ErrThrottled is returned when the governor refuses admission.
	ErrThrottled = governor.ErrThrottled
	// ErrDuplicateJob is returned when a job id is already active.
	ErrDuplicateJob = errors.New("pipeline: job already active")
)

// PipelineError reports the stage that failed a job after its retries and
// fallback were exhausted.
type PipelineError struct {
	JobID string
	Stage Stage
	Cause error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline: job %s: stage %s: %v", e.JobID, e.Stage, e.Cause)
}

func (e *PipelineError) Unwrap() error { return e.Cause }

// TerminalError marks a failure that no retry or fallback can fix.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string { return e.Err.Error() }

func (e *TerminalError) Unwrap() error { return e.Err }

// Terminal wraps err so the retry wrapper fails immediately.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}

// IsTerminal reports whether err, or anything it wraps, is terminal.
func IsTerminal(err error) bool {
	var t *TerminalError
	return errors.As(err, &t)
}

// retryable reports whether a failed attempt may be repeated.
func retryable(err error) bool {
	switch {
	case IsTerminal(err):
		return false
	case errors.Is(err, ErrThrottled):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	return true
}
