package verify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var verifyResults = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "synapsis_verify_results_total",
	Help: "Signed action verification outcomes, by action and result code",
}, []string{"action", "code"})

var verifyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "synapsis_verify_duration_seconds",
	Help:    "Time to verify a signed action, including key resolution",
	Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
})

var securityEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "synapsis_security_events_total",
	Help: "Security-relevant anomalies (key changes, bad signatures, replays, handle hijack attempts), by event",
}, []string{"event"})
