// Package handlers provides HTTP handlers for the status API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/patientflow/go-pro/internal/proerr"
)

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

// writeDomainError maps the engine's error kinds onto HTTP codes. Lock
// timeouts come back 503 with Retry-After so the client treats the visit as
// in process.
func writeDomainError(w http.ResponseWriter, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, proerr.ErrValidation):
		jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, proerr.ErrNotFound):
		jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, proerr.ErrTransitionNotAllowed):
		jsonError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, proerr.ErrLockTimeout):
		w.Header().Set("Retry-After", "1")
		jsonError(w, "inprocess", http.StatusServiceUnavailable)
	case errors.Is(err, proerr.ErrConfiguration):
		logger.Error("configuration fault", zap.Error(err))
		jsonError(w, "configuration error", http.StatusInternalServerError)
	default:
		logger.Error("request failed", zap.Error(err))
		jsonError(w, "internal error", http.StatusInternalServerError)
	}
}
