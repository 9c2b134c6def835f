// Package httpserver exposes the thin HTTP surface over the orchestration
// core: enqueue, cancel, erase, artifact review, the SSE progress stream, and
// the guarded metrics endpoint. Request parsing stays minimal; business rules
// live behind the handlers.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/docpipe/internal/domain"
	"github.com/fairyhunter13/docpipe/internal/observability"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   any    `json:"details,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error, details any) {
	status := http.StatusInternalServerError
	code := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
		code = "INVALID_INPUT"
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
		code = "NOT_FOUND"
	case errors.Is(err, domain.ErrAlreadyExists):
		status = http.StatusConflict
		code = "ALREADY_EXISTS"
	case errors.Is(err, domain.ErrQueueHalted):
		status = http.StatusServiceUnavailable
		code = "QUEUE_HALTED"
	case errors.Is(err, domain.ErrCircuitOpen):
		status = http.StatusServiceUnavailable
		code = "CIRCUIT_OPEN"
	case errors.Is(err, domain.ErrThrottled):
		status = http.StatusTooManyRequests
		code = "THROTTLED"
	case errors.Is(err, domain.ErrBudgetExceeded):
		status = http.StatusPaymentRequired
		code = "BUDGET_EXCEEDED"
	case errors.Is(err, domain.ErrTransient):
		status = http.StatusServiceUnavailable
		code = "TRANSIENT"
	case errors.Is(err, domain.ErrJobCancelled):
		status = http.StatusConflict
		code = "JOB_CANCELLED"
	}
	writeJSON(w, status, errorEnvelope{Error: apiError{
		Code:      code,
		Message:   err.Error(),
		Details:   details,
		RequestID: observability.RequestIDFromContext(r.Context()),
	}})
}
