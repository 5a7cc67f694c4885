package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var rateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "synapsis_rate_limited_total",
	Help: "Requests refused by a rate limiter",
}, []string{"limiter"})

var keysTracked = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "synapsis_rate_limit_keys",
	Help: "Identifiers currently tracked by a rate limiter",
}, []string{"limiter"})
