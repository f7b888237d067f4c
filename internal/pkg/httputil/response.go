package httputil

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/countryballcards/signup/internal/pkg/logger"
)

// Envelope is the response body shape shared by every endpoint.
type Envelope struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Now is the clock used for envelope timestamps.
var Now = time.Now

// JSON writes any value as JSON with the given status code. If encoding
// fails the error is logged; headers are already sent by then.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("httputil: JSON encode failed", "error", err)
	}
}

// Success writes a 200 envelope carrying data.
func Success(w http.ResponseWriter, data any) {
	SuccessStatus(w, http.StatusOK, data)
}

// SuccessStatus writes a success envelope with an explicit status.
func SuccessStatus(w http.ResponseWriter, status int, data any) {
	JSON(w, status, Envelope{
		Success:   true,
		Data:      data,
		Timestamp: Now().UTC().Format(time.RFC3339),
	})
}

// Error writes a failure envelope. message is shown to the client verbatim.
func Error(w http.ResponseWriter, status int, message string) {
	ErrorCode(w, status, "", message)
}

// ErrorCode writes a failure envelope with a machine-readable code.
func ErrorCode(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, Envelope{
		Success:   false,
		Error:     message,
		Code:      code,
		Timestamp: Now().UTC().Format(time.RFC3339),
	})
}

// BadRequest writes a 400 error.
func BadRequest(w http.ResponseWriter, message string) {
	ErrorCode(w, http.StatusBadRequest, "validation_error", message)
}

// NotFound writes a 404 error.
func NotFound(w http.ResponseWriter, message string) {
	ErrorCode(w, http.StatusNotFound, "not_found", message)
}

// Unauthorized writes a 401 error.
func Unauthorized(w http.ResponseWriter) {
	ErrorCode(w, http.StatusUnauthorized, "unauthorized", "Unauthorized")
}

// InternalError writes a 500 error. The real error is logged but the client
// only ever sees publicMsg (never leak internals).
func InternalError(w http.ResponseWriter, err error, publicMsg string) {
	logger.Error("internal error", "public", publicMsg, "error", err)
	ErrorCode(w, http.StatusInternalServerError, "storage_failure", publicMsg)
}

// MaxBodyBytes bounds request bodies read by Decode.
const MaxBodyBytes = 64 << 10

// ErrEmptyBody is returned by Decode for a request with no body.
var ErrEmptyBody = errors.New("request body is empty")

// Decode reads JSON from the request body into dst.
func Decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return ErrEmptyBody
		}
		return err
	}
	return nil
}
