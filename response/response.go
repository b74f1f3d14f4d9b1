package response

import (
	"encoding/json"
	"net/http"
)

// WriteResponse encodes v as a 200 JSON response
func WriteResponse(w http.ResponseWriter, r *http.Request, v interface{}) {
	writeJSON(w, http.StatusOK, v)
}

// WriteError encodes e as a JSON response with its status code
func WriteError(w http.ResponseWriter, r *http.Request, e *Error) {
	if e == nil {
		e = ErrUnexpected()
	}
	writeJSON(w, e.StatusCode, e)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
