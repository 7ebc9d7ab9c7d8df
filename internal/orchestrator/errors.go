package orchestrator

import (
	"context"
	"errors"

	"github.com/kalambet/machinist/internal/llm"
	"github.com/kalambet/machinist/internal/storage"
	"github.com/kalambet/machinist/internal/telemetry"
)

// ErrCancelledByClient marks a request abandoned by its client. No event
// is sent for it.
var ErrCancelledByClient = errors.New("cancelled by client")

// ErrEmptyQuestion rejects a request with nothing to answer.
var ErrEmptyQuestion = errors.New("question is required")

// errBadTransition is a programming error in the state machine.
var errBadTransition = errors.New("invalid state transition")

// describeError turns an execution error into the text of the error event.
func describeError(err error) string {
	var violation *telemetry.SchemaViolationError
	switch {
	case errors.As(err, &violation):
		return "The generated telemetry query was rejected: " + violation.Reason + "."
	case errors.Is(err, telemetry.ErrQueryTimeout):
		return "The telemetry query timed out, even over a narrower time range. Try a shorter period or a single machine."
	case errors.Is(err, llm.ErrModelUnavailable), errors.Is(err, context.DeadlineExceeded):
		return "The language model is unavailable or did not answer in time. Please try again or switch provider."
	case errors.Is(err, storage.ErrNotFound):
		return "The conversation thread was not found."
	}
	return "Something went wrong while answering the question."
}
