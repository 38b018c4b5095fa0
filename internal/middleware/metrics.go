package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marcusmccarty/branch-deploy/internal/metrics"
)

// RequestIDHeader carries the request id in and out of the API server.
const RequestIDHeader = "X-Request-Id"

// responseWriter wraps http.ResponseWriter to capture status code and bytes written.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// WriteHeader captures the status code.
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the number of bytes written.
func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// RequestID reuses an incoming X-Request-Id or assigns a new UUID, and stores
// it where chi's middleware.GetReqID finds it.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}

		w.Header().Set(RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// MetricsMiddleware records HTTP request counts, durations and sizes, labelled
// by chi route pattern so path parameters such as the environment name do not
// create new series.
func MetricsMiddleware(m *metrics.Metrics, logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			m.HTTPRequestsInFlight.WithLabelValues(r.Method).Inc()
			defer m.HTTPRequestsInFlight.WithLabelValues(r.Method).Dec()

			rw := newResponseWriter(w)

			defer func() {
				if err := recover(); err != nil {
					route := getRoutePattern(r)
					logger.Error("Panic in HTTP handler",
						zap.String("method", r.Method),
						zap.String("path", route),
						zap.Any("error", err),
					)

					rw.statusCode = http.StatusInternalServerError
					observe(m, r, route, rw, start)

					// Re-panic to let the recovery middleware handle it
					panic(err)
				}
			}()

			next.ServeHTTP(rw, r)

			observe(m, r, getRoutePattern(r), rw, start)
		})
	}
}

func observe(m *metrics.Metrics, r *http.Request, route string, rw *responseWriter, start time.Time) {
	status := strconv.Itoa(rw.statusCode)

	m.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
	m.HTTPRequestDurationSeconds.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())

	if r.ContentLength > 0 {
		m.HTTPRequestSizeBytes.WithLabelValues(r.Method, route).Observe(float64(r.ContentLength))
	}
	if rw.bytesWritten > 0 {
		m.HTTPResponseSizeBytes.WithLabelValues(r.Method, route).Observe(float64(rw.bytesWritten))
	}
}

// getRoutePattern returns the matched chi route pattern. It is only complete
// once routing has finished, so callers read it after the handler returns.
// Falls back to the raw path outside a chi router.
func getRoutePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}

	if r.URL.Path == "" {
		return "/"
	}
	return r.URL.Path
}

// LoggingMiddleware logs one line per request.
func LoggingMiddleware(logger *zap.Logger, serverName string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("HTTP request",
				zap.String("server", serverName),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("route", getRoutePattern(r)),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// HealthCheckMetricsMiddleware records the outcome of a probe endpoint.
func HealthCheckMetricsMiddleware(m *metrics.Metrics, checkName string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r)

			m.HealthCheckDurationSeconds.WithLabelValues(checkName).Observe(time.Since(start).Seconds())

			if rw.statusCode == http.StatusOK {
				m.HealthCheckStatus.WithLabelValues(checkName, "ok").Set(1)
				m.HealthCheckStatus.WithLabelValues(checkName, "error").Set(0)
				m.HealthCheckLastSuccessTimestamp.WithLabelValues(checkName).Set(float64(time.Now().Unix()))
				return
			}

			m.HealthCheckStatus.WithLabelValues(checkName, "ok").Set(0)
			m.HealthCheckStatus.WithLabelValues(checkName, "error").Set(1)
			m.HealthCheckFailuresTotal.WithLabelValues(checkName).Inc()
		})
	}
}

// RecovererMiddleware turns a handler panic into a JSON 500 response.
func RecovererMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}

					logger.Error("Panic recovered",
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
						zap.String("request_id", middleware.GetReqID(r.Context())),
						zap.Any("error", err),
					)

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"status":"error","message":"internal server error"}` + "\n"))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
