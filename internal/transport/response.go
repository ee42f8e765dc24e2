// Package transport contains the HTTP router, middleware chain, and the
// request handlers of the caseflow API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/caseflow/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:              http.StatusBadRequest,
	model.ErrUnauthorized:            http.StatusUnauthorized,
	model.ErrForbidden:               http.StatusForbidden,
	model.ErrNotFound:                http.StatusNotFound,
	model.ErrConflict:                http.StatusConflict,
	model.ErrInternalError:           http.StatusInternalServerError,
	model.ErrInvalidTransition:       http.StatusUnprocessableEntity,
	model.ErrMissingRequiredField:    http.StatusUnprocessableEntity,
	model.ErrInvalidDisposition:      http.StatusUnprocessableEntity,
	model.ErrInvalidConfiguration:    http.StatusUnprocessableEntity,
	model.ErrConcurrentModification:  http.StatusConflict,
	model.ErrApprovalAlreadyResolved: http.StatusConflict,
	model.ErrReconciliationRequired:  http.StatusConflict,
	model.ErrCaseClosed:              http.StatusConflict,
	model.ErrConfigurationNotFound:   http.StatusServiceUnavailable,
}

// StatusFor returns the HTTP status of err.
func StatusFor(err error) int {
	status := statusForCode[model.CodeOf(err)]
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return status
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. Errors that are not envelopes become a generic 500.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, StatusFor(ee), errorResponse{Error: ee})
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewForbiddenError(msg))
}
