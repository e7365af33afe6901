package barrier

import "github.com/flowmesh/coordinator/internal/metrics"

// barrierMetrics holds the instruments a Coordinator records against.
type barrierMetrics struct {
	barriers     metrics.Counter
	checkpoints  metrics.Counter
	casConflicts metrics.Counter
	fatals       metrics.Counter
}

func newBarrierMetrics(p metrics.Provider) barrierMetrics {
	return barrierMetrics{
		barriers:     p.Counter("barrier.barriers_completed"),
		checkpoints:  p.Counter("barrier.checkpoints_written"),
		casConflicts: p.Counter("barrier.checkpoint_cas_conflicts"),
		fatals:       p.Counter("barrier.fatal_errors"),
	}
}
