// Package middleware provides HTTP middleware functions
package middleware

import (
	"context"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/filevault/internal/apperr"
	"github.com/example/filevault/internal/logging"
	"github.com/example/filevault/internal/token"
)

// RequestIDHeader carries the request ID assigned by Logger.
const RequestIDHeader = "X-Request-ID"

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	payloadKey   contextKey = "token_payload"
)

// Middleware defines a function to process http requests
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares to a http.Handler. The last middleware is the
// outermost.
func Chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	for _, middleware := range middlewares {
		handler = middleware(handler)
	}
	return handler
}

// Logger returns a middleware that assigns a request ID and writes one access
// log entry per request.
func Logger(log zerolog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			id := r.Header.Get(RequestIDHeader)
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, id)
			r = r.WithContext(context.WithValue(r.Context(), requestIDKey, id))

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			event := log.Info()
			if rw.statusCode >= http.StatusInternalServerError {
				event = log.Error()
			}
			// The query may carry a token, so only the path is logged.
			event.
				Str(logging.FieldRequestID, id).
				Str("remote", r.RemoteAddr).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rw.statusCode).
				Int64("bytes", rw.written).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

// RequestID returns the ID Logger assigned to the request in ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// Recover returns a middleware that recovers from panics
func Recover(log zerolog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.Error().
						Interface("panic", err).
						Bytes("stack", debug.Stack()).
						Str("path", r.URL.Path).
						Msg("recovered from panic")
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// CORS returns a middleware that handles CORS
func CORS(allowedOrigins []string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			corsOrigin := "*"
			if len(allowedOrigins) > 0 {
				corsOrigin = ""
				for _, allowed := range allowedOrigins {
					if allowed == "*" {
						corsOrigin = "*"
						break
					}
					if origin != "" && strings.EqualFold(allowed, origin) {
						corsOrigin = origin
						w.Header().Add("Vary", "Origin")
						break
					}
				}
			}

			if corsOrigin != "" {
				w.Header().Set("Access-Control-Allow-Origin", corsOrigin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequestVerifier checks the signed token carried by a request.
// *token.URLSigner satisfies it.
type RequestVerifier interface {
	Verify(r *http.Request) (*token.Payload, error)
}

// RequireSignedURL rejects requests whose token is missing, expired, tampered
// or issued for another path. The validated payload is stored in the request
// context.
func RequireSignedURL(v RequestVerifier, log zerolog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := v.Verify(r)
			if err != nil {
				status := apperr.HTTPStatus(err)
				if status < http.StatusInternalServerError {
					status = http.StatusForbidden
				}
				log.Debug().Err(err).Str("path", r.URL.Path).Msg("signed URL rejected")
				http.Error(w, http.StatusText(status), status)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), payloadKey, p)))
		})
	}
}

// TokenPayload returns the payload stored by RequireSignedURL.
func TokenPayload(ctx context.Context) (*token.Payload, bool) {
	p, ok := ctx.Value(payloadKey).(*token.Payload)
	return p, ok
}

// responseWriter is a wrapper for http.ResponseWriter that captures the
// status code and the number of bytes written
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	written     int64
	wroteHeader bool
}

// WriteHeader captures the status code and passes it to the underlying ResponseWriter
func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Flush implements the http.Flusher interface
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
