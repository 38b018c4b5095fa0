package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/marcusmccarty/branch-deploy/internal/metrics"
)

func testMetrics() *metrics.Metrics {
	return metrics.NewMetrics("test", map[string]string{
		"version": "1.0.0",
		"commit":  "abc123",
		"date":    "2024-01-08",
	})
}

func TestMetricsMiddleware(t *testing.T) {
	m := testMetrics()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("pong"))
	})

	wrapped := MetricsMiddleware(m, zap.NewNop())(handler)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rr := httptest.NewRecorder()
	wrapped.ServeHTTP(rr, req)

	if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/ping", "200")); got != 1 {
		t.Errorf("Request count = %f, want 1", got)
	}

	if got := testutil.ToFloat64(m.HTTPRequestsInFlight.WithLabelValues("GET")); got != 0 {
		t.Errorf("In-flight requests = %f, want 0", got)
	}
}

func TestMetricsMiddlewareWithRoutePattern(t *testing.T) {
	m := testMetrics()

	r := chi.NewRouter()
	r.Use(MetricsMiddleware(m, zap.NewNop()))
	r.Get("/v1/lock/{environment}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, env := range []string{"production", "staging", "dev"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/lock/"+env, nil)
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/lock/{environment}", "404"))
	if got != 3 {
		t.Errorf("Request count for route pattern = %f, want 3", got)
	}

	if n := testutil.CollectAndCount(m.HTTPRequestsTotal); n != 1 {
		t.Errorf("http_requests_total series = %d, want 1", n)
	}
}

func TestMetricsMiddlewareStatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   string
	}{
		{"claimed", http.StatusOK, "200"},
		{"bad request", http.StatusBadRequest, "400"},
		{"denied", http.StatusConflict, "409"},
		{"store failure", http.StatusInternalServerError, "500"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testMetrics()
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})

			req := httptest.NewRequest(http.MethodPost, "/v1/lock", nil)
			MetricsMiddleware(m, zap.NewNop())(handler).ServeHTTP(httptest.NewRecorder(), req)

			if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/lock", tt.want)); got != 1 {
				t.Errorf("Request count for status %s = %f, want 1", tt.want, got)
			}
		})
	}
}

func TestMetricsMiddlewareSizes(t *testing.T) {
	m := testMetrics()

	body := `{"actor":"monalisa","ref":"feature"}`
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 250)))
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/lock", strings.NewReader(body))
	MetricsMiddleware(m, zap.NewNop())(handler).ServeHTTP(httptest.NewRecorder(), req)

	if n := testutil.CollectAndCount(m.HTTPRequestSizeBytes); n != 1 {
		t.Errorf("request size series = %d, want 1", n)
	}
	if n := testutil.CollectAndCount(m.HTTPResponseSizeBytes); n != 1 {
		t.Errorf("response size series = %d, want 1", n)
	}
}

func TestMetricsMiddlewarePanic(t *testing.T) {
	m := testMetrics()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	wrapped := RecovererMiddleware(zap.NewNop())(MetricsMiddleware(m, zap.NewNop())(handler))

	rr := httptest.NewRecorder()
	wrapped.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/lock", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("Status code = %d, want %d", rr.Code, http.StatusInternalServerError)
	}
	if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/lock", "500")); got != 1 {
		t.Errorf("Request count for panic = %f, want 1", got)
	}
}

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
	}{
		{"generated", ""},
		{"propagated", "req-1234"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = middleware.GetReqID(r.Context())
			})

			req := httptest.NewRequest(http.MethodGet, "/ping", nil)
			if tt.incoming != "" {
				req.Header.Set(RequestIDHeader, tt.incoming)
			}
			rr := httptest.NewRecorder()
			RequestID(handler).ServeHTTP(rr, req)

			if rr.Header().Get(RequestIDHeader) != seen {
				t.Errorf("response header = %q, context = %q", rr.Header().Get(RequestIDHeader), seen)
			}

			if tt.incoming != "" {
				if seen != tt.incoming {
					t.Errorf("request id = %q, want %q", seen, tt.incoming)
				}
				return
			}
			if _, err := uuid.Parse(seen); err != nil {
				t.Errorf("generated request id %q is not a UUID: %v", seen, err)
			}
		})
	}
}

func TestLoggingMiddleware(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(LoggingMiddleware(zap.New(core), "api"))
	r.Get("/v1/lock/{environment}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/lock/staging", nil)
	req.Header.Set(RequestIDHeader, "abc")
	r.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("HTTP request").All()
	if len(entries) != 1 {
		t.Fatalf("logged %d request lines, want 1", len(entries))
	}

	fields := entries[0].ContextMap()
	want := map[string]interface{}{
		"server":     "api",
		"method":     "GET",
		"path":       "/v1/lock/staging",
		"route":      "/v1/lock/{environment}",
		"status":     int64(http.StatusNotFound),
		"request_id": "abc",
	}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("field %s = %v, want %v", k, fields[k], v)
		}
	}
}

func TestHealthCheckMetricsMiddleware(t *testing.T) {
	m := testMetrics()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	HealthCheckMetricsMiddleware(m, "ready")(handler).ServeHTTP(httptest.NewRecorder(),
		httptest.NewRequest(http.MethodGet, "/healthz/ready", nil))

	if got := testutil.ToFloat64(m.HealthCheckStatus.WithLabelValues("ready", "ok")); got != 1 {
		t.Errorf("Health check ok status = %f, want 1", got)
	}
	if got := testutil.ToFloat64(m.HealthCheckLastSuccessTimestamp.WithLabelValues("ready")); got == 0 {
		t.Error("Last success timestamp not set")
	}
}

func TestHealthCheckMetricsMiddlewareFailure(t *testing.T) {
	m := testMetrics()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	HealthCheckMetricsMiddleware(m, "startup")(handler).ServeHTTP(httptest.NewRecorder(),
		httptest.NewRequest(http.MethodGet, "/healthz/startup", nil))

	if got := testutil.ToFloat64(m.HealthCheckStatus.WithLabelValues("startup", "error")); got != 1 {
		t.Errorf("Health check error status = %f, want 1", got)
	}
	if got := testutil.ToFloat64(m.HealthCheckFailuresTotal.WithLabelValues("startup")); got != 1 {
		t.Errorf("Health check failures = %f, want 1", got)
	}
}

func TestRecovererMiddleware(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	rr := httptest.NewRecorder()
	RecovererMiddleware(zap.New(core))(handler).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ping", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("Status code = %d, want %d", rr.Code, http.StatusInternalServerError)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if logs.FilterMessage("Panic recovered").Len() != 1 {
		t.Error("panic was not logged")
	}
}

func TestResponseWriter(t *testing.T) {
	rr := httptest.NewRecorder()
	rw := newResponseWriter(rr)

	if rw.statusCode != http.StatusOK {
		t.Errorf("default statusCode = %d, want %d", rw.statusCode, http.StatusOK)
	}

	rw.WriteHeader(http.StatusConflict)
	if rw.statusCode != http.StatusConflict {
		t.Errorf("statusCode = %d, want %d", rw.statusCode, http.StatusConflict)
	}

	data := []byte(`{"status":"denied"}`)
	n, err := rw.Write(data)
	if err != nil {
		t.Errorf("Write() error = %v", err)
	}
	if n != len(data) || rw.bytesWritten != len(data) {
		t.Errorf("bytes written = %d/%d, want %d", n, rw.bytesWritten, len(data))
	}
}

func TestGetRoutePattern(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		pattern string
	}{
		{"root path", "/", "/"},
		{"simple path", "/ping", "/ping"},
		{"nested path", "/v1/lock/production", "/v1/lock/production"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if pattern := getRoutePattern(req); pattern != tt.pattern {
				t.Errorf("getRoutePattern() = %s, want %s", pattern, tt.pattern)
			}
		})
	}
}
