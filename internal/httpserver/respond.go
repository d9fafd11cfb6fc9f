package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/wisbric/brandowl/internal/apperr"
	"github.com/wisbric/brandowl/internal/telemetry"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// ErrorResponse is the standard JSON error envelope.
type ErrorResponse struct {
	Error     string         `json:"error"`
	Message   string         `json:"message,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// RespondError writes a JSON error response.
func RespondError(w http.ResponseWriter, r *http.Request, status int, errName, message string) {
	Respond(w, status, ErrorResponse{
		Error:     errName,
		Message:   message,
		RequestID: RequestIDFromContext(r.Context()),
	})
}

// RespondAppError translates a typed pipeline error to its HTTP response,
// including Retry-After metadata for rate/budget refusals.
func RespondAppError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		ae = apperr.Wrap(apperr.KindInternal, err, "internal error")
	}

	telemetry.ErrorsTotal.WithLabelValues(ae.Kind.String()).Inc()

	if ae.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(ae.RetryAfter))
	}

	resp := ErrorResponse{
		Error:     ae.Kind.String(),
		Message:   ae.Message,
		RequestID: RequestIDFromContext(r.Context()),
		Details:   ae.Fields,
	}
	if ae.RetryAfter > 0 {
		if resp.Details == nil {
			resp.Details = map[string]any{}
		}
		resp.Details["retry_after_seconds"] = ae.RetryAfter
	}
	Respond(w, ae.Kind.HTTPStatus(), resp)
}
