package server

import (
	"encoding/json"
	"net/http"

	"github.com/o19s/search-relevance/internal/pkg/errors"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Encoding errors cannot be reported after headers are written.
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response with the proper status code.
func writeError(w http.ResponseWriter, err error) {
	errors.WriteError(w, err)
}

// decodeJSON decodes a JSON request body.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.InvalidRequestError("invalid request body: " + err.Error())
	}
	return nil
}
