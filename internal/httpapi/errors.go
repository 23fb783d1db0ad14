package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"fleetd/internal/lazy"
	"fleetd/pkg/types"
)

// HTTPError allows collaborators to choose the status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusFor maps resource errors to HTTP status codes: a runtime that cannot
// be loaded is unavailable, a runtime that failed on the input is a server
// error.
func statusFor(err error) int {
	var he HTTPError
	switch {
	case errors.As(err, &he):
		return he.StatusCode()
	case lazy.IsResourceLoadError(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, errDeadline):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

var errDeadline = errors.New("inference timed out")

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger().Error().Err(err).Msg("http event=encode_failed")
	}
}
