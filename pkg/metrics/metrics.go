// Package metrics records resolve runs for the node-exporter textfile collector.
//
// The resolver is a one-shot process, so nothing is served over HTTP. When a
// metrics file is configured the registry is written once at exit.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"dev/bravebird/download-resolver/pkg/models"
)

const namespace = "download_resolver"

// Recorder holds the resolver metrics on a private registry
type Recorder struct {
	registry *prometheus.Registry

	attempts    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	lastSuccess prometheus.Gauge
	info        *prometheus.GaugeVec
}

// NewRecorder creates a recorder with all metrics registered
func NewRecorder() *Recorder {
	r := &Recorder{registry: prometheus.NewRegistry()}

	r.attempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Resolution attempts by path and outcome",
		},
		[]string{"method", "outcome"},
	)

	// Buckets cover a fast redirect up to both 30s waits expiring
	r.duration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "duration_seconds",
			Help:      "Wall time of a resolve run by the method that produced the result",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 45, 60, 90},
		},
		[]string{"method"},
	)

	r.lastSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix time of the last run that produced a URL",
	})

	r.info = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resolved_url_info",
			Help:      "Resolved URL of the last successful run, value is always 1",
		},
		[]string{"target", "url"},
	)

	r.registry.MustRegister(r.attempts, r.duration, r.lastSuccess, r.info)
	return r
}

// Observe records one resolve run
func (r *Recorder) Observe(res *models.Resolution) {
	if res == nil {
		return
	}

	if res.DownloadError != "" {
		r.attempts.WithLabelValues(string(models.MethodDownload), "failure").Inc()
	}
	if res.RedirectError != "" {
		r.attempts.WithLabelValues(string(models.MethodRedirect), "failure").Inc()
	}

	method := "none"
	if res.Succeeded() {
		method = string(res.Method)
		r.attempts.WithLabelValues(method, "success").Inc()
		r.lastSuccess.Set(float64(res.StartedAt.Add(res.Duration).Unix()))
		r.info.Reset()
		r.info.WithLabelValues(res.TargetURL, res.ResolvedURL).Set(1)
	}
	r.duration.WithLabelValues(method).Observe(res.Duration.Seconds())
}

// SetLastSuccess seeds the last-success gauge from an earlier run, so a failed
// run does not reset it in the written file
func (r *Recorder) SetLastSuccess(t time.Time) {
	r.lastSuccess.Set(float64(t.Unix()))
}

// WriteFile writes the registry in text format to path, atomically
func (r *Recorder) WriteFile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}
	return nil
}
