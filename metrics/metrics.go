// Package metrics exposes Prometheus instrumentation for the
// verification pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peticao_verifications_total",
		Help: "Completed signature verifications by outcome.",
	}, []string{"outcome"})

	verificationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "peticao_verification_duration_seconds",
		Help:    "Wall time of a full verification run.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	revocationChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peticao_revocation_checks_total",
		Help: "Revocation checks by method and resulting status.",
	}, []string{"method", "status"})

	pendingQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "peticao_pending_signatures",
		Help: "Signatures waiting for verification at the last sweep.",
	})

	custodyCertificates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peticao_custody_certificates_total",
		Help: "Custody certificates generated.",
	})
)

// RecordVerification counts one finished verification.
func RecordVerification(outcome string, elapsed time.Duration) {
	verificationsTotal.WithLabelValues(outcome).Inc()
	verificationDuration.Observe(elapsed.Seconds())
}

// RecordRevocationCheck counts one revocation lookup.
func RecordRevocationCheck(method, status string) {
	revocationChecks.WithLabelValues(method, status).Inc()
}

// SetPendingQueueDepth records the size of the pending backlog.
func SetPendingQueueDepth(n int) {
	pendingQueueDepth.Set(float64(n))
}

// RecordCustodyCertificate counts one generated custody certificate.
func RecordCustodyCertificate() {
	custodyCertificates.Inc()
}

// Handler serves the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
