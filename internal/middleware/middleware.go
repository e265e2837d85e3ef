// Package middleware holds the HTTP middleware of the status server.
package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	apperrors "dsdreports/internal/errors"
	"dsdreports/internal/infrastructure"
)

// Trace copies the request ID assigned by chi's RequestID into the trace
// ID used by loggers and problem responses, and echoes it as X-Request-ID.
// An active span's trace ID takes precedence.
func Trace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := chimw.GetReqID(ctx)
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			id = sc.TraceID().String()
		}
		if id != "" {
			w.Header().Set(chimw.RequestIDHeader, id)
			ctx = infrastructure.WithTraceID(ctx, id)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// StructuredLogger logs each request at debug level, or at warn level when
// the handler answered with a server error.
func StructuredLogger(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			level := slog.LevelDebug
			if ww.Status() >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			logger.LogAttrs(r.Context(), level, "Request completed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote_addr", r.RemoteAddr))
		})
	}
}

// Recoverer answers panics with a problem response. http.ErrAbortHandler
// is re-raised so the server aborts the connection.
func Recoverer(h *apperrors.ErrorHandler) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rvr := recover()
				if rvr == nil {
					return
				}
				if rvr == http.ErrAbortHandler {
					panic(rvr)
				}
				h.HandlePanic(w, r, rvr)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter gives every client address its own token bucket.
type RateLimiter struct {
	rps    rate.Limit
	burst  int
	errors *apperrors.ErrorHandler

	mu      sync.Mutex
	clients map[string]*rate.Limiter
}

// NewRateLimiter allows each client rps requests per second with the given burst.
func NewRateLimiter(rps float64, burst int, h *apperrors.ErrorHandler) *RateLimiter {
	return &RateLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		errors:  h,
		clients: make(map[string]*rate.Limiter),
	}
}

func (rl *RateLimiter) limiter(addr string) *rate.Limiter {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.clients[host]
	if !ok {
		l = rate.NewLimiter(rl.rps, rl.burst)
		rl.clients[host] = l
	}
	return l
}

// Handler rejects requests over the client's budget with 429.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.limiter(r.RemoteAddr).Allow() {
			w.Header().Set("Retry-After", "1")
			rl.errors.HandleError(w, r, apperrors.New(http.StatusTooManyRequests, apperrors.CodeRateLimit, "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
