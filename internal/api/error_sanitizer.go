package api

import (
	"errors"
	"net/http"

	"github.com/countryballcards/signup/internal/gateway"
	"github.com/countryballcards/signup/internal/pkg/httputil"
	"github.com/countryballcards/signup/internal/service/broadcast"
	"github.com/countryballcards/signup/internal/service/subscriber"
)

// =============================================================================
// ERROR MAPPING
// Service errors become HTTP statuses here and nowhere else. 5xx bodies only
// ever carry a generic message; the cause is logged by httputil.InternalError.
// =============================================================================

// statusFor maps a gateway error kind to an HTTP status.
func statusFor(kind gateway.ErrorKind) int {
	switch kind {
	case gateway.KindValidation:
		return http.StatusBadRequest
	case gateway.KindRateLimited:
		return http.StatusTooManyRequests
	case gateway.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// respondEnvelope writes a gateway result.
func respondEnvelope(w http.ResponseWriter, env gateway.Envelope) {
	if !env.Success {
		httputil.ErrorCode(w, statusFor(env.ErrorKind), string(env.ErrorKind), env.Message)
		return
	}
	data := map[string]any{"message": env.Message}
	if env.SubscriberID != "" {
		data["subscriber_id"] = env.SubscriberID
	}
	if env.Outcome != "" {
		data["outcome"] = env.Outcome
	}
	httputil.Success(w, data)
}

// respondServiceError maps subscriber and broadcast errors. publicMsg is
// only used for 5xx responses.
func respondServiceError(w http.ResponseWriter, err error, publicMsg string) {
	switch {
	case errors.Is(err, subscriber.ErrNotFound):
		httputil.NotFound(w, "Subscriber not found")
	case errors.Is(err, subscriber.ErrInvalidEmail):
		httputil.BadRequest(w, "Invalid email format")
	case errors.Is(err, subscriber.ErrInvalidStatus):
		httputil.BadRequest(w, "Invalid status")
	case errors.Is(err, subscriber.ErrQueryTooShort):
		httputil.BadRequest(w, "Search query must be at least 2 characters")
	case errors.Is(err, broadcast.ErrInvalidRequest):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, broadcast.ErrInProgress):
		httputil.ErrorCode(w, http.StatusConflict, "conflict", "A broadcast is already running")
	default:
		httputil.InternalError(w, err, publicMsg)
	}
}

// respondUnavailable is used for optional features that are not configured.
func respondUnavailable(w http.ResponseWriter, msg string) {
	httputil.ErrorCode(w, http.StatusServiceUnavailable, "not_configured", msg)
}
