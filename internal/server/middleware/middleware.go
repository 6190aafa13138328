// Package middleware provides the HTTP middleware chain for the gateway API.
package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/gospawner/internal/errors"
)

// RequestIDHeader carries the request id in and out.
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLen = 128

// ErrorResponse is the envelope written on failure.
type ErrorResponse = apperrors.HTTPErrorResponse

// RequestID propagates an inbound X-Request-ID or assigns a new one, and
// echoes it on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(apperrors.ContextWithRequestID(r.Context(), id)))
	})
}

// Recovery converts a handler panic into a 500 envelope. The panic value is
// logged, not returned.
func Recovery(next http.Handler) http.Handler {
	return RecoveryWithLogger(zap.NewNop())(next)
}

// ErrorHandler is an alias for Recovery.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

// RecoveryWithLogger is Recovery with panic logging.
func RecoveryWithLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				requestID := apperrors.RequestIDFromContext(r.Context())
				log.Error("Handler panic",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("request_id", requestID),
					zap.String("panic", fmt.Sprint(rec)),
					zap.Stack("stack"))
				env := apperrors.NewEnvelope(apperrors.CodeInternal, apperrors.MsgInternal, requestID, nil)
				writeErrorResponse(w, env, http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Logger logs one line per request.
func Logger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", apperrors.RequestIDFromContext(r.Context())))
		})
	}
}

func writeErrorResponse(w http.ResponseWriter, env *gferrors.ErrorEnvelope, status int) {
	apperrors.WriteError(w, status, env)
}
