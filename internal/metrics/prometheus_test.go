package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)
	return sink, reg
}

func getCounterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if !matchLabels(m, labels) {
				continue
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func getGaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetGauge() != nil {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return 0
}

func matchLabels(m *dto.Metric, labels map[string]string) bool {
	for k, v := range labels {
		found := false
		for _, lp := range m.GetLabel() {
			if lp.GetName() == k && lp.GetValue() == v {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func TestPrometheusSink_PollMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.PollStarted()
	sink.PollStarted()
	sink.PollCompleted(50*time.Millisecond, 3, nil)
	sink.PollCompleted(50*time.Millisecond, 0, errors.New("db down"))

	if got := getCounterValue(t, reg, "bdayd_scheduler_polls_total", nil); got != 2 {
		t.Errorf("polls_total = %v, want 2", got)
	}
	if got := getCounterValue(t, reg, "bdayd_scheduler_enqueued_total", nil); got != 3 {
		t.Errorf("enqueued_total = %v, want 3", got)
	}
	if got := getCounterValue(t, reg, "bdayd_scheduler_poll_errors_total", nil); got != 1 {
		t.Errorf("poll_errors_total = %v, want 1", got)
	}
}

func TestPrometheusSink_ReservationOutcomes(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.ReservationOutcome(true)
	sink.ReservationOutcome(false)
	sink.ReservationOutcome(false)

	if got := getCounterValue(t, reg, "bdayd_scheduler_reservations_total", map[string]string{"won": "true"}); got != 1 {
		t.Errorf("reservations won = %v, want 1", got)
	}
	if got := getCounterValue(t, reg, "bdayd_scheduler_reservations_total", map[string]string{"won": "false"}); got != 2 {
		t.Errorf("reservations lost = %v, want 2", got)
	}
}

func TestPrometheusSink_DeliveryMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.DeliveryAttemptCompleted("success", 200*time.Millisecond)
	sink.DeliveryAttemptCompleted("transient", 5*time.Second)
	sink.DeliveryOutcome("sent")
	sink.DeliveryOutcome("dead")

	if got := getCounterValue(t, reg, "bdayd_worker_delivery_attempts_total", map[string]string{"status_class": "transient"}); got != 1 {
		t.Errorf("transient attempts = %v, want 1", got)
	}
	if got := getCounterValue(t, reg, "bdayd_worker_delivery_outcomes_total", map[string]string{"outcome": "sent"}); got != 1 {
		t.Errorf("sent outcomes = %v, want 1", got)
	}
}

func TestPrometheusSink_RecordsInFlight(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.RecordsInFlightIncr()
	sink.RecordsInFlightIncr()
	sink.RecordsInFlightDecr()

	if got := getGaugeValue(t, reg, "bdayd_worker_records_in_flight"); got != 1 {
		t.Errorf("records_in_flight = %v, want 1", got)
	}
}

func TestPrometheusSink_SweepMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.SweepCompleted(2, 1, 80*time.Millisecond)
	sink.SweepCompleted(0, 0, 10*time.Millisecond)

	if got := getCounterValue(t, reg, "bdayd_sweeper_sweeps_total", nil); got != 2 {
		t.Errorf("sweeps_total = %v, want 2", got)
	}
	if got := getCounterValue(t, reg, "bdayd_sweeper_reclaimed_total", nil); got != 2 {
		t.Errorf("reclaimed_total = %v, want 2", got)
	}
	if got := getCounterValue(t, reg, "bdayd_sweeper_backfilled_total", nil); got != 1 {
		t.Errorf("backfilled_total = %v, want 1", got)
	}
}

func TestPrometheusSink_LeaderMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.LeaderStatusChanged(true)
	sink.LeaderAcquired()
	if got := getGaugeValue(t, reg, "bdayd_leader_is_leader"); got != 1 {
		t.Errorf("is_leader = %v, want 1", got)
	}

	sink.LeaderStatusChanged(false)
	sink.LeaderLost("conn_lost")
	if got := getGaugeValue(t, reg, "bdayd_leader_is_leader"); got != 0 {
		t.Errorf("is_leader after loss = %v, want 0", got)
	}
	if got := getCounterValue(t, reg, "bdayd_leader_acquisitions_total", nil); got != 1 {
		t.Errorf("acquisitions_total = %v, want 1", got)
	}
	if got := getCounterValue(t, reg, "bdayd_leader_losses_total", map[string]string{"reason": "conn_lost"}); got != 1 {
		t.Errorf("losses by conn_lost = %v, want 1", got)
	}
}

func TestPrometheusSink_DoubleRegistrationIsHarmless(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewPrometheusSink(reg)
	// A second sink on the same registry logs registration errors but
	// must not panic.
	sink := NewPrometheusSink(reg)
	sink.PollStarted()
}

var _ Sink = (*PrometheusSink)(nil)
