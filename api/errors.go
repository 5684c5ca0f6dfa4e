package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rollupkit/orchestrator/prover/job"
	"github.com/rollupkit/orchestrator/prover/orchestrator"
)

var (
	// ErrBadRequest is returned when the provided HTTP request
	// is malformed.
	ErrBadRequest = errors.New("invalid request parameters")
	// ErrNotFound is returned when handling a request for an item that
	// does not exist.
	ErrNotFound = errors.New("item not found")
)

func HttpCodeForError(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, orchestrator.ErrInvalidBlock):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound),
		errors.Is(err, job.ErrUnknownJob),
		errors.Is(err, orchestrator.ErrUnknownBlock):
		return http.StatusNotFound
	case errors.Is(err, job.ErrNotClaimed),
		errors.Is(err, job.ErrAlreadyResolved),
		errors.Is(err, job.ErrJobCancelled),
		errors.Is(err, orchestrator.ErrDuplicateBlock),
		errors.Is(err, orchestrator.ErrIncompleteBlock):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// A simple error handler that renders any error as human-readable JSON to
// the HTTP response stream `w`.
func HumanReadableJsonErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.Header().Set("x-content-type-options", "nosniff")
	w.WriteHeader(HttpCodeForError(err))

	_ = json.NewEncoder(w).Encode(HumanReadableError{Msg: err.Error()})
}
