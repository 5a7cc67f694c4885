package ticker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var taskRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "synapsis_periodic_task_runs_total",
	Help: "Periodic background task runs, by task and outcome",
}, []string{"task", "outcome"})
