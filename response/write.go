package response

import (
	"encoding/json"
	"net/http"
)

// WriteError writes e as JSON with its status code
func WriteError(w http.ResponseWriter, r *http.Request, e *Error) {
	WriteResponse(w, r, e.StatusCode, e)
}

// WriteResponse writes body as JSON with the given status code
func WriteResponse(w http.ResponseWriter, r *http.Request, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	json.NewEncoder(w).Encode(body)
}
