// Package httpx holds the JSON response helpers shared by the API handlers.
package httpx

import (
	"encoding/json"
	"log"
	"net/http"
)

// RespondJSON writes data as JSON with the given status code. The body is
// encoded before the header is written so an encoding failure can still
// become a 500.
func RespondJSON(w http.ResponseWriter, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		log.Printf("Failed to encode JSON response: %v", err)
		status = http.StatusInternalServerError
		body, _ = json.Marshal(ErrorResponse{Error: http.StatusText(status), Status: status})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(append(body, '\n'))
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Status  int    `json:"status"`
	Message string `json:"message,omitempty"`
}

// RespondError writes err as an error response. Server-side failures are
// logged as well.
func RespondError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		log.Printf("Request failed (%d): %v", status, err)
	}
	RespondErrorString(w, status, err.Error())
}

// RespondErrorString writes an error response with a plain message.
func RespondErrorString(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Status:  status,
		Message: message,
	})
}
