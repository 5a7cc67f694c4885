package swarm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var nodesDiscovered = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "swarm_nodes_discovered",
	Help: "The total number of previously unknown nodes added to the registry",
}, []string{"via"})

var nodesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "swarm_nodes_rejected",
	Help: "Node announcements or gossip entries which were not admitted",
}, []string{"reason"})

var gossipRounds = promauto.NewCounter(prometheus.CounterOpts{
	Name: "swarm_gossip_rounds",
	Help: "The total number of gossip rounds run",
})

var gossipPeerResults = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "swarm_gossip_peer_results",
	Help: "Outcome of contacting each peer during gossip rounds",
}, []string{"outcome"})

var gossipHandlesMerged = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "swarm_gossip_handles_merged",
	Help: "Handle registry entries received through gossip, by merge outcome",
}, []string{"outcome"})

var interactionsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "swarm_interactions_received",
	Help: "Inbound signed interactions, by action and result",
}, []string{"action", "result"})

var interactionApplyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "swarm_interaction_apply_duration",
	Help:    "A histogram of inbound interaction processing latencies",
	Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
}, []string{"action"})

var deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "swarm_deliveries",
	Help: "Outbound interaction deliveries to peer nodes, by result",
}, []string{"result"})

var countersReconciled = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "swarm_counters_reconciled",
	Help: "Rows whose relationship counter drifted and was recomputed",
}, []string{"column"})

var timelineFetches = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "swarm_timeline_fetches",
	Help: "Aggregated timeline requests, by whether they were served from cache",
}, []string{"cache"})

var timelineSourceResults = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "swarm_timeline_source_results",
	Help: "Per-node timeline fetch outcomes during aggregation",
}, []string{"outcome"})

var timelineSourceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "swarm_timeline_source_duration",
	Help:    "A histogram of per-node timeline fetch latencies",
	Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
})

var previewFetches = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "swarm_preview_fetches",
	Help: "Link preview lookups, by outcome",
}, []string{"outcome"})
