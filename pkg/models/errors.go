package models

import (
	"errors"
	"fmt"
)

var (
	// ErrUpstreamUnavailable indicates the file source or the model provider failed.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrBudgetExceeded indicates the prompt input is over a hard token ceiling.
	ErrBudgetExceeded = errors.New("token budget exceeded")

	// ErrInstructionsRejected indicates the model declined the request.
	ErrInstructionsRejected = errors.New("invalid or unclear instructions provided")

	// ErrMalformedOutput indicates a phase's output lacks the structure the next phase needs.
	ErrMalformedOutput = errors.New("malformed model output")

	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

// BudgetError reports how far over a ceiling a prompt input is.
type BudgetError struct {
	Tokens int
	Limit  int
	Reason string
}

func (e *BudgetError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (limit %d tokens, current size %d)", e.Reason, e.Limit, e.Tokens)
	}
	return fmt.Sprintf("input of %d tokens exceeds the limit of %d", e.Tokens, e.Limit)
}

func (e *BudgetError) Unwrap() error { return ErrBudgetExceeded }
