package daemon

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/omerta-net/netcore/internal/telemetry"
)

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// InstrumentHandler wraps next with Prometheus request metrics. If metrics
// is nil the handler is returned unchanged.
func InstrumentHandler(next http.Handler, metrics *telemetry.Metrics) http.Handler {
	if metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		duration := time.Since(start).Seconds()
		path := sanitizePath(r.URL.Path)
		status := strconv.Itoa(rec.status)

		metrics.DaemonRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		metrics.DaemonRequestDurationSeconds.WithLabelValues(r.Method, path, status).Observe(duration)
	})
}

// sanitizePath replaces dynamic path segments with fixed labels to avoid
// high cardinality in Prometheus metrics, e.g.
//
//	/v1/auth/12D3KooW... -> /v1/auth/:id
func sanitizePath(path string) string {
	parts := strings.Split(strings.TrimRight(path, "/"), "/")
	if len(parts) == 4 && parts[1] == "v1" && parts[2] == "auth" {
		return "/v1/auth/:id"
	}
	return path
}
