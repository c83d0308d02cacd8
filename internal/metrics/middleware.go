package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPMiddleware returns an http.Handler that records HTTP request
// count and duration metrics.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)
		status := strconv.Itoa(rw.status)

		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type metricsResponseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(b)
}

func (w *metricsResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// normalizePath groups paths to avoid high-cardinality labels.
// Session and worker ids are replaced with placeholders.
func normalizePath(path string) string {
	switch {
	case path == "/metrics":
		return path
	case path == "/ws/app":
		return path
	case strings.HasPrefix(path, "/ws/session/"):
		return "/ws/session/{id}/worker/{id}"
	case strings.HasPrefix(path, "/api/agents"):
		return "/api/agents"
	case strings.HasPrefix(path, "/api/sessions"):
		rest := strings.TrimPrefix(path, "/api/sessions")
		if rest == "" || rest == "/" {
			return "/api/sessions"
		}
		if strings.Contains(rest, "/workers/") {
			return "/api/sessions/{id}/workers/{id}/restart"
		}
		return "/api/sessions/{id}"
	default:
		return "/other"
	}
}
