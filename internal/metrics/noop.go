package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) PollStarted()                                                   {}
func (n *NoopSink) PollCompleted(duration time.Duration, enqueued int, err error)  {}
func (n *NoopSink) ReservationOutcome(won bool)                                    {}
func (n *NoopSink) EnqueueError()                                                  {}
func (n *NoopSink) DeliveryAttemptCompleted(statusClass string, d time.Duration)   {}
func (n *NoopSink) DeliveryOutcome(outcome string)                                 {}
func (n *NoopSink) RecordsInFlightIncr()                                           {}
func (n *NoopSink) RecordsInFlightDecr()                                           {}
func (n *NoopSink) SweepCompleted(reclaimed, backfilled int, d time.Duration)      {}
func (n *NoopSink) LeaderStatusChanged(isLeader bool)                              {}
func (n *NoopSink) LeaderAcquired()                                                {}
func (n *NoopSink) LeaderLost(reason string)                                       {}

var _ Sink = (*NoopSink)(nil)
