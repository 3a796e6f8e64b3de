package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/flowctl/flowctl/internal/domain"
	"github.com/flowctl/flowctl/internal/runner"
	"github.com/flowctl/flowctl/internal/store"
)

// wireError is the uniform error response shape every façade failure is
// rendered into.
type wireError struct {
	Message   string         `json:"message"`
	ErrorCode string         `json:"error_code"`
	Details   map[string]any `json:"details,omitempty"`
}

// writeError maps err to an HTTP status and the uniform wire format. A
// handler that has already produced a more specific code should call
// writeErrorCode directly instead.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeErrorCode(w, http.StatusNotFound, "PipelineNotFound", err.Error(), nil)
	case domain.IsConflictError(err):
		writeErrorCode(w, http.StatusConflict, "PipelineAlreadyExists", err.Error(), nil)
	case domain.IsValidationError(err):
		writeErrorCode(w, http.StatusBadRequest, "NameInvalid", err.Error(), nil)
	default:
		var rerr *runner.Error
		if errors.As(err, &rerr) {
			writeErrorCode(w, http.StatusBadGateway, string(rerr.Code), rerr.Message, nil)
			return
		}
		writeErrorCode(w, http.StatusInternalServerError, "SystemError", err.Error(), nil)
	}
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(wireError{Message: message, ErrorCode: code, Details: details})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
