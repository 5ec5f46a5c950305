package http

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sentinel-Gate/trustgate/internal/ctxkey"
)

type requestIDContextKey struct{}

// RequestIDKey is the context key for the request ID.
var RequestIDKey = requestIDContextKey{}

// LoggerKey is the context key for the request-scoped logger. The key type
// lives in ctxkey so the admin package can read it too.
var LoggerKey = ctxkey.LoggerKey{}

// maxRequestIDLen bounds caller-supplied request IDs.
const maxRequestIDLen = 128

// RequestIDMiddleware adopts the caller's X-Request-ID when it is short and
// printable, otherwise mints one, and stores a logger carrying request_id
// (and trace_id when the request continues a trace) in the context.
func RequestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if !validRequestID(requestID) {
				requestID = uuid.NewString()
			}

			l := logger.With("request_id", requestID)
			if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
				l = l.With("trace_id", sc.TraceID().String())
			}

			ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
			ctx = context.WithValue(ctx, LoggerKey, l)
			w.Header().Set("X-Request-ID", requestID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// validRequestID rejects empty, oversized and non-printable IDs so a caller
// cannot inject line breaks into the logs.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}

// LoggerFromContext returns the request-scoped logger, or slog.Default().
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// TraceContextMiddleware continues a W3C trace started by the caller so that
// decision spans join the enforcement point's trace.
func TraceContextMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// remoteIP returns the host part of r.RemoteAddr. Forwarding headers are not
// trusted: the address feeds the trust score.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
