package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	domainerrors "github.com/erazemk/knjiznica/internal/errors"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

// jsonResponse writes a JSON response with the given status code.
func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("error encoding response", "error", err)
		}
	}
}

// jsonError writes a JSON error response.
func jsonError(w http.ResponseWriter, status int, code domainerrors.Code, message string) {
	jsonResponse(w, status, errorResponse{Error: message, Code: string(code)})
}

// writeError maps err to its HTTP status. Errors without a domain code are
// logged and reported as internal.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var de *domainerrors.Error
	if !domainerrors.As(err, &de) {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		jsonError(w, http.StatusInternalServerError, domainerrors.CodeInternal, "internal error")
		return
	}

	status := de.HTTPStatus()
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "code", de.Code, "error", err)
	}
	if de.Code == domainerrors.CodeInternal {
		jsonError(w, status, de.Code, "internal error")
		return
	}
	if domainerrors.Retryable(err) {
		w.Header().Set("Retry-After", "1")
	}
	jsonResponse(w, status, errorResponse{Error: de.Message, Code: string(de.Code), Details: de.Details})
}

// decodeJSON decodes a JSON request body into the given target.
func decodeJSON(r *http.Request, target any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return domainerrors.Validation("invalid request body").WithCause(err)
	}
	return nil
}

// bind decodes and validates a JSON request body.
func (s *Services) bind(r *http.Request, target any) error {
	if err := decodeJSON(r, target); err != nil {
		return err
	}
	return s.Validator.Validate(target)
}
