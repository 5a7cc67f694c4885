package handles

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var upserts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "synapsis_handle_registry_upserts_total",
	Help: "Handle registry assertions processed, by outcome",
}, []string{"outcome", "relayed"})
