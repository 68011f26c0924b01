package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/code-sandbox/internal/apperror"
	"github.com/sakif/code-sandbox/internal/observability"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

const internalErrorMessage = "an internal error occurred"

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// headers are already sent
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch apperror.KindOf(err) {
	case apperror.KindInvalidRequest, apperror.KindUnsupportedLanguage:
		return http.StatusBadRequest
	case apperror.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeError sends err as {"error": message}. Only an AppError's client-safe
// message is rendered; anything else becomes a generic 500.
func writeError(w http.ResponseWriter, err error) {
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: internalErrorMessage})
		return
	}
	writeJSON(w, statusFor(err), ErrorResponse{Error: appErr.Message})
}

// Unauthorized is the rejection written by the auth guard.
func Unauthorized(w http.ResponseWriter, _ *http.Request, _ error) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="code-sandbox"`)
	writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "valid authentication required"})
}

// TooManyRequests is the rejection written by the rate limiter.
func TooManyRequests(w http.ResponseWriter, _ *http.Request) {
	observability.RateLimitedTotal.Inc()
	w.Header().Set("Retry-After", "1")
	writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: "too many requests"})
}
