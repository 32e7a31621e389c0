package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and continue.
type Sink interface {
	// Scheduler metrics
	PollStarted()
	PollCompleted(duration time.Duration, enqueued int, err error)
	ReservationOutcome(won bool)
	EnqueueError()

	// Worker metrics
	DeliveryAttemptCompleted(statusClass string, duration time.Duration)
	DeliveryOutcome(outcome string)
	RecordsInFlightIncr()
	RecordsInFlightDecr()

	// Recovery sweeper metrics
	SweepCompleted(reclaimed, backfilled int, duration time.Duration)

	// Leader election metrics
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}
