package resilience

import (
	"github.com/go-i2p/dbpool/lib/metrics"
)

// Circuit breaker metrics for Prometheus exposition.
var (
	// BreakerState tracks the state of the most recently transitioned breaker.
	// 0 = closed, 1 = open, 2 = half-open
	BreakerState = metrics.NewGauge(
		"dbpool_circuit_breaker_state",
		"Current state of the circuit breaker (0=closed, 1=open, 2=half-open)",
	)

	// BreakerTrips counts the number of times circuits have opened.
	BreakerTrips = metrics.NewCounter(
		"dbpool_circuit_breaker_trips_total",
		"Total number of times circuit breakers have opened",
	)

	// BreakerSuccesses counts successful calls through breakers.
	BreakerSuccesses = metrics.NewCounter(
		"dbpool_circuit_breaker_successes_total",
		"Total successful calls through circuit breakers",
	)

	// BreakerFailures counts failed calls through breakers.
	BreakerFailures = metrics.NewCounter(
		"dbpool_circuit_breaker_failures_total",
		"Total failed calls through circuit breakers",
	)

	// BreakerRejections counts calls rejected by open circuits.
	BreakerRejections = metrics.NewCounter(
		"dbpool_circuit_breaker_rejections_total",
		"Total calls rejected by open circuit breakers",
	)
)
