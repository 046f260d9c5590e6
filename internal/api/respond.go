package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/hlog"

	apperrors "github.com/shehryarbajwa/browserpilot/internal/errors"
)

// envelope is the body of every JSON response; success is added on write
type envelope map[string]any

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	if body == nil {
		body = envelope{}
	}
	if _, ok := body["success"]; !ok {
		body["success"] = status < http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// statusFor maps the error taxonomy onto HTTP statuses
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrConcurrencyLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, apperrors.ErrEngineUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, apperrors.ErrSubmissionRejected), errors.Is(err, apperrors.ErrDecryption):
		return http.StatusUnprocessableEntity
	case errors.Is(err, apperrors.ErrTaskTerminal), errors.Is(err, apperrors.ErrLoginPending):
		return http.StatusConflict
	case errors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError responds with the mapped status. Unexpected errors are
// logged and reported generically.
func writeError(w http.ResponseWriter, r *http.Request, err error, extra envelope) {
	status := statusFor(err)
	body := envelope{"error": err.Error()}
	if status == http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Msg("Request failed")
		body["error"] = "internal error"
	}
	if apperrors.Retryable(err) {
		body["retryable"] = true
	}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, body)
}

// decode reads a JSON body into v and validates it. An empty body is
// accepted when optional is set.
func (h *Handler) decode(r *http.Request, v any, optional bool) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return apperrors.Wrapf(apperrors.ErrInvalidRequest, "malformed body: %s", err.Error())
	}
	if err := h.validate.Struct(v); err != nil {
		return apperrors.Wrapf(apperrors.ErrInvalidRequest, "%s", err.Error())
	}
	return nil
}
