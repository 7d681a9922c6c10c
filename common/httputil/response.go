// Package httputil has the JSON response helpers used by the intel HTTP
// handlers.
package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/telhawk-systems/telhawk-intel/common/logging"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

// WriteJSON writes a JSON response with the given status code and data.
// Encoding failures are logged; the status line is already sent by then.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", logging.Error(err))
	}
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, status int, message string, details ...string) {
	WriteJSON(w, status, ErrorResponse{Error: message, Details: details})
}
