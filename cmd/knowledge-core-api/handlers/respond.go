// Package handlers implements the HTTP handlers of the knowledge-core API.
// Handlers stay thin: decode, validate, call the engine facade, encode.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/noetic-labs/knowledge-core/pkg/engine"
)

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes the error body shape shared by every endpoint.
func writeError(w http.ResponseWriter, status int, message, detail string) {
	resp := map[string]string{
		"error":   message,
		"message": message,
	}
	if detail != "" {
		resp["detail"] = detail
	}
	writeJSON(w, status, resp)
}

// statusFor maps engine errors onto HTTP statuses: invalid requests
// are the caller's fault, everything else is ours.
func statusFor(err error) int {
	if errors.Is(err, engine.ErrInvalidRequest) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// jobAccepted is the response for every endpoint that enqueues work.
type jobAccepted struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}
