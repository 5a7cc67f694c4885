package identity

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "synapsis_identity_cache_hits_total",
	Help: "Identity resolutions served from the TOFU cache",
})

var cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "synapsis_identity_cache_misses_total",
	Help: "Identity resolutions which required a synchronous fetch (first use or expired)",
})

var refreshes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "synapsis_identity_refreshes_total",
	Help: "Identity fetches from owning nodes, by outcome",
}, []string{"outcome"})

var keyChanges = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "synapsis_identity_key_changes_total",
	Help: "Observed signing key changes for cached DIDs, by policy applied",
}, []string{"policy"})
