package worker

import (
	"errors"

	"github.com/relaybus/cmdbus/internal/domain"
)

// TransientError marks a handler failure as safe to retry with backoff —
// the usual case for timeouts, connection resets, and other infrastructure
// hiccups that are expected to clear on their own.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps err as a TransientError.
func NewTransientError(err error) error { return &TransientError{Err: err} }

// PermanentError marks a handler failure as one retrying cannot fix — the
// command is moved directly to the troubleshooting queue for operator
// inspection instead of being redelivered.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// NewPermanentError wraps err as a PermanentError.
func NewPermanentError(err error) error { return &PermanentError{Err: err} }

// BusinessRuleError marks a handler failure as an expected business
// outcome — the command reaches the terminal FAILED status directly,
// never touching the troubleshooting queue or a batch's failed_count.
type BusinessRuleError struct{ Err error }

func (e *BusinessRuleError) Error() string { return e.Err.Error() }
func (e *BusinessRuleError) Unwrap() error { return e.Err }

// NewBusinessRuleError wraps err as a BusinessRuleError.
func NewBusinessRuleError(err error) error { return &BusinessRuleError{Err: err} }

// Classify maps a handler error to the ErrorKind that drives the dispatch
// engine's outcome routing. An error that is none of the three wrapper
// types is treated as TRANSIENT, since a handler that forgot to classify
// its failure is far more likely to be hitting a flaky dependency than
// intentionally signaling a business rule violation or a dead end.
func Classify(err error) domain.ErrorKind {
	var perm *PermanentError
	var biz *BusinessRuleError
	switch {
	case errors.As(err, &perm):
		return domain.ErrorKindPermanent
	case errors.As(err, &biz):
		return domain.ErrorKindBusinessRule
	default:
		return domain.ErrorKindTransient
	}
}
