package server

import (
	"net/http"

	"github.com/concilia-dev/concilia/pkg/errors"
)

// errorResponse is the JSON error body
type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Category   string `json:"category"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

// writeError maps the error taxonomy to HTTP status codes. Conflict and
// stale both map to 409: the client's next step is the same, re-read and
// retry or regenerate.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr, ok := errors.AsError(err)
	if !ok {
		s.logger.WithError(err).WithField("path", r.URL.Path).Error("Unclassified error")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: errorBody{
			Category: string(errors.CategoryInternal),
			Code:     string(errors.CodeUnexpectedError),
			Message:  "internal error",
		}})
		return
	}

	status := statusFor(appErr.Category)
	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).WithField("path", r.URL.Path).Error("Request failed")
	}

	writeJSON(w, status, errorResponse{Error: errorBody{
		Category:   string(appErr.Category),
		Code:       string(appErr.Code),
		Message:    appErr.Message,
		Suggestion: appErr.Suggestion,
	}})
}

func statusFor(category errors.ErrorCategory) int {
	switch category {
	case errors.CategoryValidation:
		return http.StatusBadRequest
	case errors.CategoryNotFound:
		return http.StatusNotFound
	case errors.CategoryConflict, errors.CategoryStale:
		return http.StatusConflict
	case errors.CategoryInvariant:
		return http.StatusUnprocessableEntity
	case errors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
