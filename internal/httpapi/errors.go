package httpapi

import (
	"encoding/json"
	"net/http"

	"replicad/internal/host"
	"replicad/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusForError maps the engine's error taxonomy to HTTP status codes.
func statusForError(err error) int {
	switch {
	case host.IsMethodNotFound(err):
		return http.StatusNotFound
	case host.IsUsageError(err), host.IsConfigError(err):
		return http.StatusBadRequest
	case host.IsHealthCheckFailed(err):
		return http.StatusServiceUnavailable
	case host.IsInitializationError(err):
		return http.StatusInternalServerError
	default:
		if he, ok := err.(HTTPError); ok {
			return he.StatusCode()
		}
		return http.StatusInternalServerError
	}
}

// writeMappedError writes a JSON error using the taxonomy mapping, unless
// the client is already gone.
func writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	if r.Context().Err() != nil {
		return
	}
	writeJSONError(w, statusForError(err), err.Error())
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}
