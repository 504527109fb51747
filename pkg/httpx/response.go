// Package httpx provides HTTP response utilities.
package httpx

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
)

// RespondJSON writes a JSON response with the given status code and data.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Failed to encode JSON response: %v", err)
	}
}

// RespondRawJSON writes an already encoded JSON body.
func RespondRawJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		log.Printf("Failed to write JSON response: %v", err)
	}
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RespondError writes an error response with the given status code and error message.
func RespondError(w http.ResponseWriter, status int, err error) {
	RespondErrorString(w, status, err.Error())
}

// RespondErrorString writes an error response with the given status code and error message string.
func RespondErrorString(w http.ResponseWriter, status int, message string) {
	response := ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	}
	RespondJSON(w, status, response)
}

// ETag formats a strong entity tag from a content fingerprint.
func ETag(fingerprint uint64) string {
	return `"` + strconv.FormatUint(fingerprint, 16) + `"`
}

// MatchesETag reports whether the request's If-None-Match header lists etag.
func MatchesETag(r *http.Request, etag string) bool {
	header := r.Header.Get("If-None-Match")
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}
