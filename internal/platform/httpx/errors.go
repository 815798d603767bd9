// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/pharmacore/internal/shared"
)

// Sentinel errors for the transport layer.
var (
	ErrBadRequest = errors.New("malformed request")
)

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	var transition *shared.TransitionError
	switch {
	case errors.As(err, &transition):
		JSON(w, http.StatusConflict, TransitionProblem{
			ProblemDetail: ProblemDetail{Title: "Invalid Transition", Status: http.StatusConflict, Detail: err.Error()},
			Reasons:       transition.Reasons,
		})
	case errors.Is(err, shared.ErrInvalidTransition):
		Problem(w, http.StatusConflict, "Invalid Transition", err.Error())
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrConflict):
		Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, shared.ErrInsufficientStock):
		Problem(w, http.StatusConflict, "Insufficient Stock", err.Error())
	case errors.Is(err, shared.ErrValidation), errors.Is(err, ErrBadRequest):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrTemporarilyUnavailable), errors.Is(err, shared.ErrTransient):
		w.Header().Set("Retry-After", "1")
		Problem(w, http.StatusServiceUnavailable, "Temporarily Unavailable", "")
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

// TransitionProblem extends the problem document with unmet preconditions.
type TransitionProblem struct {
	ProblemDetail
	Reasons []string `json:"reasons,omitempty"`
}

// IDParam parses a positive int64 URL parameter.
func IDParam(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, shared.Validation(name, "must be a positive integer")
	}
	return id, nil
}
