package server

import (
	"encoding/json"
	"errors"
	"math"
	"mime"
	"net/http"
	"strconv"
	"time"
)

var (
	errBodyTooLarge       = errors.New("request body too large")
	errInvalidJSON        = errors.New("invalid JSON")
	errUnsupportedContent = errors.New("unsupported content type")
)

type errorResponse struct {
	Error string `json:"error"`
}

type successResponse struct {
	Success bool `json:"success"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeRetryAfter answers 429 with Retry-After in whole seconds, rounded up.
func writeRetryAfter(w http.ResponseWriter, retryAfter time.Duration, msg string) {
	writeThrottled(w, retryAfter, errorResponse{Error: msg})
}

// writeThrottled sets Retry-After in whole seconds (at least 1) and writes
// body with status 429.
func writeThrottled(w http.ResponseWriter, retryAfter time.Duration, body any) {
	secs := int(math.Ceil(retryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeJSON(w, http.StatusTooManyRequests, body)
}

// decodeJSON reads at most maxBodyBytes of JSON into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errBodyTooLarge
		}
		return errInvalidJSON
	}
	return nil
}

// beaconContentType accepts the types navigator.sendBeacon and fetch send.
func beaconContentType(r *http.Request) error {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return errUnsupportedContent
	}
	switch mt {
	case "application/json", "text/plain":
		return nil
	default:
		return errUnsupportedContent
	}
}

func decodeStatus(err error) int {
	if errors.Is(err, errBodyTooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}
