package httpx

import (
	"encoding/json"
	"net/http"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStatusError sends the {status, message, correlation_id} error shape used by the
// provisioning endpoints.
func writeStatusError(w http.ResponseWriter, status int, msg, correlationID string) {
	writeJSON(w, status, map[string]string{
		"status":         "error",
		"message":        msg,
		"correlation_id": correlationID,
	})
}
