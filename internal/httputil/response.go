// Package httputil holds the JSON response helpers shared by the admin routes.
package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/banshee-data/depthkit/internal/monitoring"
	"github.com/banshee-data/depthkit/internal/sensorerr"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error     string `json:"error"`
	Domain    string `json:"domain,omitempty"`
	Code      *int   `json:"code,omitempty"`
	Subsystem string `json:"subsystem,omitempty"`
}

// WriteJSON writes data as indented JSON with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		monitoring.Logf("failed to encode json response: %v", err)
	}
}

// WriteJSONError writes {"error": msg} with the given status code.
func WriteJSONError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorBody{Error: msg})
}

// WriteError writes err, carrying its driver error code when it has one.
// Configuration and validation errors are the caller's fault (400), a
// missing file is 404, and anything else is 500.
func WriteError(w http.ResponseWriter, err error) {
	body := ErrorBody{Error: err.Error()}
	status := http.StatusInternalServerError
	if code, ok := sensorerr.CodeOf(err); ok {
		c := int(code)
		body.Domain = sensorerr.Domain
		body.Code = &c
		body.Subsystem = string(code.Subsystem())
		switch code.Subsystem() {
		case sensorerr.SubsystemConfiguration, sensorerr.SubsystemValidation:
			status = http.StatusBadRequest
		case sensorerr.SubsystemFile:
			if code == sensorerr.FileNoSuchFile {
				status = http.StatusNotFound
			}
		}
	}
	WriteJSON(w, status, body)
}

func MethodNotAllowed(w http.ResponseWriter) {
	WriteJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func BadRequest(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusBadRequest, msg)
}

func NotFound(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusNotFound, msg)
}
