package logging

import (
	"bufio"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

// HTTPMiddleware logs every request and stores a request-scoped logger in
// the request context.
func HTTPMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			event := log.With().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Str("request_id", middleware.GetReqID(r.Context()))

			if span := trace.SpanFromContext(r.Context()); span.SpanContext().IsValid() {
				event = event.
					Str("trace_id", span.SpanContext().TraceID().String()).
					Str("span_id", span.SpanContext().SpanID().String())
			}

			logger := event.Logger()
			ctx := logger.WithContext(r.Context())

			ww := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			logger.Debug().Msg("Request started")
			next.ServeHTTP(ww, r.WithContext(ctx))

			var logEvent *zerolog.Event
			switch {
			case ww.statusCode >= 500:
				logEvent = logger.Error()
			case ww.statusCode >= 400:
				logEvent = logger.Warn()
			default:
				logEvent = logger.Info()
			}

			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				logEvent = logEvent.Str("route", rctx.RoutePattern())
			}

			logEvent.
				Int("status", ww.statusCode).
				Dur("duration", time.Since(start)).
				Int64("response_size", ww.responseSize).
				Msg("Request completed")
		})
	}
}

// responseWriter captures status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	responseSize int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	size, err := rw.ResponseWriter.Write(b)
	rw.responseSize += int64(size)
	return size, err
}

// Flush implements http.Flusher for SSE streams
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for websocket upgrades
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := rw.ResponseWriter.(http.Hijacker); ok {
		rw.statusCode = http.StatusSwitchingProtocols
		return hj.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// Unwrap lets http.ResponseController reach the underlying writer
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
