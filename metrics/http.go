package metrics

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ssekeep/ssekeep/mlog"
)

var (
	metricHTTPServer = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ssekeep_httpserver_request_duration_seconds",
			Help:    "HTTP server requests with result codes.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10},
		},
		[]string{
			"handler", // api, metrics
			"method",
			"code",
			"result",
		},
	)
)

// HTTPServerObserve tracks the result of an HTTP request in a metric, and logs
// the result.
func HTTPServerObserve(log mlog.Log, handler, method string, statusCode int, start time.Time) {
	var result string
	switch statusCode / 100 {
	case 2, 3:
		result = "ok"
	case 4:
		result = "usererror"
	case 5:
		result = "servererror"
	default:
		result = "other"
	}
	metricHTTPServer.WithLabelValues(handler, method, fmt.Sprintf("%d", statusCode), result).Observe(float64(time.Since(start)) / float64(time.Second))
	log.Debug("http request", slog.String("handler", handler), slog.String("method", method), slog.Int("code", statusCode), slog.Duration("duration", time.Since(start)))
}
