package controlapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/casarerpa/orchestrator/internal/apperr"
)

// errorEnvelope is the structured error shape spec.md §6 requires: a stable
// code, a human message free of stack traces or secrets, and an optional
// retry_after for rate-limit/quota errors.
type errorEnvelope struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError translates any error into the structured envelope, defaulting
// unrecognized errors to apperr.Internal so a driver-specific message never
// leaks to a caller.
func writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatusOf(err)
	code := apperr.CodeOf(err)

	env := errorEnvelope{Code: string(code), Message: "internal error"}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		env.Message = appErr.Error()
		if ra := appErr.RetryAfter(); ra > 0 {
			env.RetryAfter = int(ra.Seconds())
		}
	}
	writeJSON(w, status, env)
}
