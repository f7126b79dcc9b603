package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/woclouds/wopan/pan"
)

// legacyFailCode is the body level code carried by every failure
// response.  Shipped clients switch on it, so all failures report 401
// regardless of the real cause - do not "fix" this without a
// compatibility flag.
const legacyFailCode = 401

// legacyOKCode is the body level code of every success response
const legacyOKCode = 200

// writeJSON writes v as the response body with the given HTTP status
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		pan.Errorf(nil, "failed to write response: %v", err)
	}
}

// writeOK sends a success body.  fields are merged over {"code":200}.
func writeOK(w http.ResponseWriter, fields map[string]interface{}) {
	body := map[string]interface{}{"code": legacyOKCode}
	for k, v := range fields {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

// writeFail sends a failure body in the legacy shape.  httpStatus is
// the transport status, code the body level code (normally 401).
func writeFail(w http.ResponseWriter, httpStatus, code int, errMsg, message string) {
	body := map[string]interface{}{
		"code":    code,
		"success": false,
		"error":   errMsg,
	}
	if message != "" {
		body["message"] = message
	}
	writeJSON(w, httpStatus, body)
}
