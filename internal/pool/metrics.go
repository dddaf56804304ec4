package pool

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// poolEntries tracks live entries by state
	poolEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "runspace_pool_entries",
			Help: "Live runspaces by pool and state",
		},
		[]string{"pool", "state"},
	)

	// poolAcquires counts acquisitions by outcome
	poolAcquires = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runspace_pool_acquires_total",
			Help: "Total runspace acquisitions by pool and result",
		},
		[]string{"pool", "result"},
	)

	// poolAcquireWait observes time spent waiting in Acquire
	poolAcquireWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runspace_pool_acquire_wait_seconds",
			Help:    "Time spent waiting for a runspace",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5, 10},
		},
		[]string{"pool"},
	)

	// poolCreated counts engine constructions, pre-warm included
	poolCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runspace_pool_created_total",
			Help: "Total runspaces constructed by pool",
		},
		[]string{"pool"},
	)

	// poolEvictions counts Broken entries removed from the pool
	poolEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runspace_pool_evictions_total",
			Help: "Total runspaces evicted by pool and reason",
		},
		[]string{"pool", "reason"},
	)

	// poolAbandoned tracks invocations that outlived their grace period
	poolAbandoned = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "runspace_pool_abandoned_invocations",
			Help: "Invocations still running after their request gave up on them",
		},
		[]string{"pool"},
	)
)

func (p *Pool) recordAcquire(result string, start time.Time) {
	poolAcquires.WithLabelValues(p.cfg.PoolName, result).Inc()
	poolAcquireWait.WithLabelValues(p.cfg.PoolName).Observe(time.Since(start).Seconds())
}

// recordGaugesLocked refreshes the entry gauges. Callers hold p.mu.
func (p *Pool) recordGaugesLocked() {
	poolEntries.WithLabelValues(p.cfg.PoolName, "idle").Set(float64(len(p.idle)))
	poolEntries.WithLabelValues(p.cfg.PoolName, "in_use").Set(float64(len(p.inUse)))
}
