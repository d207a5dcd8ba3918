package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/omnibox-core/internal/infrastructure/database"
	"github.com/nerrad567/omnibox-core/internal/usage"
)

// Error codes carried in ErrorBody.Code.
const (
	ErrCodeBadRequest  = "bad_request"
	ErrCodeNotFound    = "not_found"
	ErrCodeInternal    = "internal_error"
	ErrCodeValidation  = "validation_error"
	ErrCodeUnavailable = "unavailable"
)

// ErrorResponse is the body of every failed request:
//
//	{"error": {"code": "not_found", "message": "command not found"}}
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody describes what went wrong.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v) //nolint:errcheck // The client may be gone
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorBody{Code: code, Message: message}})
}

func badRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func notFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

func internalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeStoreError maps a usage or database error onto a response. Only
// unexpected errors are logged.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, usage.ErrEmptyCommand):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "command is required")
	case errors.Is(err, database.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "database is closed")
	default:
		s.logger.Error("usage store error",
			"error", err,
			"path", r.URL.Path,
			"request_id", requestIDFrom(r.Context()),
		)
		internalError(w, "usage store error")
	}
}
