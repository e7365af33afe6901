package cluster

import "github.com/flowmesh/coordinator/internal/metrics"

// clusterMetrics holds the instruments the Supervisor records against.
// Carried regardless of spec.md's "monitoring/latency emission" Non-goal,
// which excludes the external scrape/export system, not in-process
// instrumentation.
type clusterMetrics struct {
	peersBorn   metrics.Counter
	peersDied   metrics.Counter
	jobsPlanned metrics.Counter
	offers      metrics.Counter
	acks        metrics.Counter
	completions metrics.Counter
	evictions   metrics.Counter
	failures    metrics.Counter
}

func newClusterMetrics(p metrics.Provider) clusterMetrics {
	return clusterMetrics{
		peersBorn:   p.Counter("cluster.peers_born"),
		peersDied:   p.Counter("cluster.peers_died"),
		jobsPlanned: p.Counter("cluster.jobs_planned"),
		offers:      p.Counter("cluster.offers"),
		acks:        p.Counter("cluster.acks"),
		completions: p.Counter("cluster.completions"),
		evictions:   p.Counter("cluster.evictions"),
		failures:    p.Counter("cluster.failures", metrics.WithDescription("failure-mult events by kind")),
	}
}
