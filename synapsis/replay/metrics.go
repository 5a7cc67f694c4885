package replay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var actionsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "synapsis_replay_recorded_total",
	Help: "Signed actions recorded for the first time",
}, []string{"backend"})

var replaysDetected = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "synapsis_replay_detected_total",
	Help: "Duplicate signed action deliveries rejected by the replay guard",
}, []string{"backend"})

var recordsSwept = promauto.NewCounter(prometheus.CounterOpts{
	Name: "synapsis_replay_swept_total",
	Help: "Expired replay records deleted by the sweeper",
})

var actionsReleased = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "synapsis_replay_released_total",
	Help: "Recorded signed actions forgotten after their effect failed to apply",
}, []string{"backend"})
