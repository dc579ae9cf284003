// Package metrics exposes Prometheus instruments for the markup engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "sitemark"
	subsystem = "markup"
)

// Save outcomes.
const (
	OutcomeSaved          = "saved"
	OutcomeNothingSaved   = "nothing_saved"
	OutcomeArtifactFailed = "artifacts_failed"
)

var (
	mutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "mutations_total",
			Help:      "Editor commands applied, by command type and result",
		},
		[]string{"command", "result"},
	)

	saves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "saves_total",
			Help:      "Document saves by outcome",
		},
		[]string{"outcome"},
	)

	saveDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "save_duration_seconds",
			Help:      "Time spent in the save pipeline",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)

	artifactUploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "artifact_uploads_total",
			Help:      "Artifact uploads by kind and result",
		},
		[]string{"kind", "result"},
	)

	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "editor_sessions",
			Help:      "Editor sessions currently open in this process",
		},
	)
)

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func RecordMutation(command string, err error) {
	mutations.WithLabelValues(command, result(err)).Inc()
}

func RecordSave(outcome string, elapsed time.Duration) {
	saves.WithLabelValues(outcome).Inc()
	saveDuration.Observe(elapsed.Seconds())
}

func RecordUpload(kind string, err error) {
	artifactUploads.WithLabelValues(kind, result(err)).Inc()
}

func SessionOpened() { activeSessions.Inc() }
func SessionClosed() { activeSessions.Dec() }

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
