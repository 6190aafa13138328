// Package errors renders domain failures as HTTP error envelopes.
//
// Envelopes carry a stable code and a generic message. Operator detail
// (remote stderr, raw scheduler output) is logged, never returned.
package errors

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"

	"github.com/3leaps/gospawner/pkg/allocation"
	"github.com/3leaps/gospawner/pkg/profile"
	"github.com/3leaps/gospawner/pkg/spawner"
	"github.com/3leaps/gospawner/pkg/statestore"
	"github.com/3leaps/gospawner/pkg/supervisor"
)

// Error codes.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeUnknownProfile     = "UNKNOWN_PROFILE"
	CodeProfileNotAllowed  = "PROFILE_NOT_ALLOWED"
	CodeSessionActive      = "SESSION_ACTIVE"
	CodeSubmitFailed       = "SUBMIT_FAILED"
	CodeSubmitAmbiguous    = "SUBMIT_AMBIGUOUS"
	CodeConfiguration      = "CONFIGURATION_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeUpstream           = "UPSTREAM_ERROR"
	CodeInternal           = "INTERNAL_ERROR"
)

// Generic user-facing messages.
const (
	MsgStartFailed     = "could not start your session"
	MsgStartUnknown    = "could not confirm that your session started; contact support before retrying"
	MsgUnavailable     = "the job scheduler is temporarily unavailable"
	MsgInternal        = "internal server error"
	MsgSessionActive   = "a session is already running for this user"
	MsgNoSession       = "no session for this user"
	MsgUnknownProfile  = "unknown profile"
	MsgProfileNotFound = "profile is not available to this user"
)

// HTTPError is the wire form of an error envelope.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HTTPErrorResponse is the envelope written for every failed request.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// RequestError is a handler-level failure with an explicit status and code.
type RequestError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
}

func (e *RequestError) Error() string {
	return e.Message
}

// BadRequest returns a 400 RequestError.
func BadRequest(message string) *RequestError {
	return &RequestError{Status: http.StatusBadRequest, Code: CodeBadRequest, Message: message}
}

// NotFound returns a 404 RequestError.
func NotFound(message string) *RequestError {
	return &RequestError{Status: http.StatusNotFound, Code: CodeNotFound, Message: message}
}

// Classify maps err to a status code, error code and generic message.
func Classify(err error) (int, string, string) {
	var reqErr *RequestError
	switch {
	case errors.As(err, &reqErr):
		return reqErr.Status, reqErr.Code, reqErr.Message
	case profile.IsUnknownProfile(err):
		return http.StatusBadRequest, CodeUnknownProfile, MsgUnknownProfile
	case errors.Is(err, profile.ErrProfileNotAllowed):
		return http.StatusForbidden, CodeProfileNotAllowed, MsgProfileNotFound
	case errors.Is(err, supervisor.ErrSessionActive):
		return http.StatusConflict, CodeSessionActive, MsgSessionActive
	case errors.Is(err, supervisor.ErrNoSession), statestore.IsNotFound(err):
		return http.StatusNotFound, CodeNotFound, MsgNoSession
	case spawner.IsSubmitAmbiguous(err):
		return http.StatusGatewayTimeout, CodeSubmitAmbiguous, MsgStartUnknown
	case spawner.IsConfiguration(err), errors.Is(err, profile.ErrProfileUnavailable):
		return http.StatusInternalServerError, CodeConfiguration, MsgStartFailed
	case spawner.IsTransient(err):
		return http.StatusServiceUnavailable, CodeServiceUnavailable, MsgUnavailable
	}

	var submitErr *spawner.SubmitError
	if errors.As(err, &submitErr) {
		return http.StatusBadGateway, CodeSubmitFailed, MsgStartFailed
	}
	var statusErr *allocation.StatusError
	if errors.As(err, &statusErr) {
		return http.StatusBadGateway, CodeUpstream, MsgUnavailable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, CodeServiceUnavailable, MsgUnavailable
	}
	return http.StatusInternalServerError, CodeInternal, MsgInternal
}

// NewEnvelope builds an error envelope. The request id travels as the
// correlation id and details as envelope context.
func NewEnvelope(code, message, requestID string, details map[string]any) *gferrors.ErrorEnvelope {
	env := gferrors.NewErrorEnvelope(code, message)
	if requestID != "" {
		env = env.WithCorrelationID(requestID)
	}
	if len(details) > 0 {
		if withCtx, err := env.WithContext(details); err == nil {
			env = withCtx
		}
	}
	return env
}

// RespondWithError writes the envelope for err.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := Classify(err)
	var details map[string]any
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		details = reqErr.Details
	}
	WriteError(w, status, NewEnvelope(code, message, RequestIDFromContext(r.Context()), details))
}

// WriteError writes env with the given status.
func WriteError(w http.ResponseWriter, status int, env *gferrors.ErrorEnvelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: HTTPError{
		Code:      env.Code,
		Message:   env.Message,
		RequestID: env.CorrelationID,
		Details:   env.Context,
	}})
}

type requestIDKey struct{}

// ContextWithRequestID returns ctx carrying id.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id stored on ctx, if any.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
