package metrics

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Scheduler metrics
	pollsTotal        prometheus.Counter
	pollErrorsTotal   prometheus.Counter
	enqueuedTotal     prometheus.Counter
	pollDuration      prometheus.Histogram
	reservationsTotal *prometheus.CounterVec
	enqueueErrors     prometheus.Counter

	// Worker metrics
	deliveryAttemptsTotal *prometheus.CounterVec
	deliveryOutcomesTotal *prometheus.CounterVec
	deliveryDuration      prometheus.Histogram
	recordsInFlight       prometheus.Gauge

	// Sweeper metrics
	sweepsTotal      prometheus.Counter
	reclaimedTotal   prometheus.Counter
	backfilledTotal  prometheus.Counter
	sweepDuration    prometheus.Histogram

	// Leader election metrics
	isLeader          prometheus.Gauge
	acquisitionsTotal prometheus.Counter
	lossesTotal       *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initSchedulerMetrics(reg)
	s.initWorkerMetrics(reg)
	s.initSweeperMetrics(reg)
	s.initLeaderMetrics(reg)
	return s
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.pollsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bdayd_scheduler_polls_total",
		Help: "Total number of scheduler polls processed.",
	})
	s.pollErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bdayd_scheduler_poll_errors_total",
		Help: "Total number of scheduler poll errors.",
	})
	s.enqueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bdayd_scheduler_enqueued_total",
		Help: "Total number of dispatch records enqueued.",
	})
	s.pollDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bdayd_scheduler_poll_duration_seconds",
		Help:    "Duration of each scheduler poll in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})
	s.reservationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bdayd_scheduler_reservations_total",
		Help: "Total number of reservation attempts by outcome.",
	}, []string{"won"})
	s.enqueueErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bdayd_scheduler_enqueue_errors_total",
		Help: "Total number of queue publish failures.",
	})

	s.register(reg, s.pollsTotal, "bdayd_scheduler_polls_total")
	s.register(reg, s.pollErrorsTotal, "bdayd_scheduler_poll_errors_total")
	s.register(reg, s.enqueuedTotal, "bdayd_scheduler_enqueued_total")
	s.register(reg, s.pollDuration, "bdayd_scheduler_poll_duration_seconds")
	s.register(reg, s.reservationsTotal, "bdayd_scheduler_reservations_total")
	s.register(reg, s.enqueueErrors, "bdayd_scheduler_enqueue_errors_total")
}

func (s *PrometheusSink) initWorkerMetrics(reg prometheus.Registerer) {
	s.deliveryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bdayd_worker_delivery_attempts_total",
		Help: "Total number of delivery-channel attempts.",
	}, []string{"status_class"})

	s.deliveryOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bdayd_worker_delivery_outcomes_total",
		Help: "Total number of per-message dispatch outcomes.",
	}, []string{"outcome"})

	s.deliveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bdayd_worker_delivery_duration_seconds",
		Help:    "Delivery-channel request latency in seconds (excludes backoff wait).",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	s.recordsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bdayd_worker_records_in_flight",
		Help: "Number of dispatch records currently being processed.",
	})

	s.register(reg, s.deliveryAttemptsTotal, "bdayd_worker_delivery_attempts_total")
	s.register(reg, s.deliveryOutcomesTotal, "bdayd_worker_delivery_outcomes_total")
	s.register(reg, s.deliveryDuration, "bdayd_worker_delivery_duration_seconds")
	s.register(reg, s.recordsInFlight, "bdayd_worker_records_in_flight")
}

func (s *PrometheusSink) initSweeperMetrics(reg prometheus.Registerer) {
	s.sweepsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bdayd_sweeper_sweeps_total",
		Help: "Total number of recovery sweeps.",
	})
	s.reclaimedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bdayd_sweeper_reclaimed_total",
		Help: "Total number of abandoned records reset to pending.",
	})
	s.backfilledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bdayd_sweeper_backfilled_total",
		Help: "Total number of missed occurrences claimed by the sweeper.",
	})
	s.sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bdayd_sweeper_sweep_duration_seconds",
		Help:    "Duration of each recovery sweep in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	})

	s.register(reg, s.sweepsTotal, "bdayd_sweeper_sweeps_total")
	s.register(reg, s.reclaimedTotal, "bdayd_sweeper_reclaimed_total")
	s.register(reg, s.backfilledTotal, "bdayd_sweeper_backfilled_total")
	s.register(reg, s.sweepDuration, "bdayd_sweeper_sweep_duration_seconds")
}

func (s *PrometheusSink) initLeaderMetrics(reg prometheus.Registerer) {
	s.isLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bdayd_leader_is_leader",
		Help: "Whether this instance currently holds the sweeper lock (1 or 0).",
	})
	s.acquisitionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bdayd_leader_acquisitions_total",
		Help: "Total number of sweeper lock acquisitions.",
	})
	s.lossesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bdayd_leader_losses_total",
		Help: "Total number of leadership losses by reason.",
	}, []string{"reason"})

	s.register(reg, s.isLeader, "bdayd_leader_is_leader")
	s.register(reg, s.acquisitionsTotal, "bdayd_leader_acquisitions_total")
	s.register(reg, s.lossesTotal, "bdayd_leader_losses_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

// Scheduler metrics implementation

func (s *PrometheusSink) PollStarted() {
	s.pollsTotal.Inc()
}

func (s *PrometheusSink) PollCompleted(duration time.Duration, enqueued int, err error) {
	s.pollDuration.Observe(duration.Seconds())
	s.enqueuedTotal.Add(float64(enqueued))
	if err != nil {
		s.pollErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) ReservationOutcome(won bool) {
	label := "false"
	if won {
		label = "true"
	}
	s.reservationsTotal.WithLabelValues(label).Inc()
}

func (s *PrometheusSink) EnqueueError() {
	s.enqueueErrors.Inc()
}

// Worker metrics implementation

func (s *PrometheusSink) DeliveryAttemptCompleted(statusClass string, duration time.Duration) {
	s.deliveryAttemptsTotal.WithLabelValues(statusClass).Inc()
	s.deliveryDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) DeliveryOutcome(outcome string) {
	s.deliveryOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) RecordsInFlightIncr() {
	s.recordsInFlight.Inc()
}

func (s *PrometheusSink) RecordsInFlightDecr() {
	s.recordsInFlight.Dec()
}

// Sweeper metrics implementation

func (s *PrometheusSink) SweepCompleted(reclaimed, backfilled int, duration time.Duration) {
	s.sweepsTotal.Inc()
	s.reclaimedTotal.Add(float64(reclaimed))
	s.backfilledTotal.Add(float64(backfilled))
	s.sweepDuration.Observe(duration.Seconds())
}

// Leader election metrics implementation

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.isLeader.Set(1)
		return
	}
	s.isLeader.Set(0)
}

func (s *PrometheusSink) LeaderAcquired() {
	s.acquisitionsTotal.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.lossesTotal.WithLabelValues(reason).Inc()
}
