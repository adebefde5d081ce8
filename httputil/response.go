// Package httputil - JSON responses, request ids and upload parsing shared by the HTTP services.
package httputil

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"error"`
}

// WriteJSON writes a JSON response with the given status code and data.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Warn("failed to encode json response", zap.Error(err))
	}
}

// WriteJSONOK writes a successful JSON response (200 OK).
func WriteJSONOK(w http.ResponseWriter, data interface{}) {
	WriteJSON(w, http.StatusOK, data)
}

// WriteError writes a JSON error response with a machine-readable code.
func WriteError(w http.ResponseWriter, status int, code, msg string) {
	WriteJSON(w, status, ErrorResponse{Code: code, Message: msg})
}

// BadRequest writes a 400 Bad Request response.
func BadRequest(w http.ResponseWriter, code, msg string) {
	WriteError(w, http.StatusBadRequest, code, msg)
}

// InternalServerError writes a 500 Internal Server Error response.
func InternalServerError(w http.ResponseWriter, msg string) {
	WriteError(w, http.StatusInternalServerError, "internal_error", msg)
}

// Health answers liveness probes.
func Health(w http.ResponseWriter, _ *http.Request) {
	WriteJSONOK(w, map[string]string{"status": "healthy"})
}
