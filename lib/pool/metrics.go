package pool

import "github.com/go-i2p/dbpool/lib/metrics"

// Pool utilization metrics
var (
	// PoolConnectionsMax is the maximum pool size.
	PoolConnectionsMax = metrics.NewGauge(
		"dbpool_connections_max",
		"Maximum number of connections in the pool",
	)
	// PoolConnectionsOpen is the current number of idle plus in-use connections.
	PoolConnectionsOpen = metrics.NewGauge(
		"dbpool_connections_open",
		"Current number of open connections",
	)
	// PoolConnectionsIdle is the current number of idle connections.
	PoolConnectionsIdle = metrics.NewGauge(
		"dbpool_connections_idle",
		"Current number of idle connections in the pool",
	)
	// PoolConnectionsInUse is the number of connections currently held by tasks.
	PoolConnectionsInUse = metrics.NewGauge(
		"dbpool_connections_in_use",
		"Number of connections currently held by tasks",
	)
	// PoolConnectionsReserved is the number of connections under construction.
	PoolConnectionsReserved = metrics.NewGauge(
		"dbpool_connections_reserved",
		"Number of connections being constructed",
	)
	// PoolPendingTasks is the number of tasks parked waiting for a connection.
	PoolPendingTasks = metrics.NewGauge(
		"dbpool_pending_tasks",
		"Number of tasks waiting for a connection",
	)
	// PoolAcquireTotal is the total number of acquire attempts.
	PoolAcquireTotal = metrics.NewCounter(
		"dbpool_acquire_total",
		"Total number of connection acquire attempts",
	)
	// PoolAcquireSuccessTotal is the number of successful acquires.
	PoolAcquireSuccessTotal = metrics.NewCounter(
		"dbpool_acquire_success_total",
		"Total number of successful connection acquires",
	)
	// PoolAcquireFailedTotal is the number of failed acquires.
	PoolAcquireFailedTotal = metrics.NewCounter(
		"dbpool_acquire_failed_total",
		"Total number of failed connection acquires",
	)
	// PoolReleaseTotal is the number of releases.
	PoolReleaseTotal = metrics.NewCounter(
		"dbpool_release_total",
		"Total number of connection releases",
	)
	// PoolDiscardTotal is the number of connections discarded after fatal errors.
	PoolDiscardTotal = metrics.NewCounter(
		"dbpool_discard_total",
		"Total number of connections discarded as broken",
	)
	// PoolCreatedTotal is the number of connections created by the factory.
	PoolCreatedTotal = metrics.NewCounter(
		"dbpool_created_total",
		"Total number of connections created",
	)
	// PoolAcquireLatency tracks time spent acquiring connections.
	PoolAcquireLatency = metrics.NewHistogram(
		"dbpool_acquire_duration_seconds",
		"Time spent acquiring a connection from the pool",
		metrics.DefaultLatencyBuckets,
	)
)

// UpdateMetrics updates the pool gauges from Stats.
func UpdateMetrics(stats Stats) {
	PoolConnectionsMax.Set(int64(stats.MaxSize))
	PoolConnectionsOpen.Set(int64(stats.NumOpen))
	PoolConnectionsIdle.Set(int64(stats.NumIdle))
	PoolConnectionsInUse.Set(int64(stats.NumInUse))
	PoolConnectionsReserved.Set(int64(stats.NumReserved))
	PoolPendingTasks.Set(int64(stats.NumPending))
}
