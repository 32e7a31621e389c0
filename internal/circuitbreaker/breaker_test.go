package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fairyhunter13/happy-bday-app-sub003/internal/delivery"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/testutil"
)

type fakeChannel struct {
	calls int
	err   error
}

func (f *fakeChannel) Deliver(ctx context.Context, recipient string, msg delivery.Message) error {
	f.calls++
	return f.err
}

func deliver(b *Breaker) error {
	return b.Deliver(context.Background(), "grace@example.com", delivery.Message{Subject: "hi"})
}

func TestDeliver_ClosedPassesThrough(t *testing.T) {
	ch := &fakeChannel{}
	b := Wrap(ch, 3, time.Minute)

	if err := deliver(b); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if ch.calls != 1 {
		t.Fatalf("expected 1 call, got %d", ch.calls)
	}
}

func TestDeliver_OpensAtThreshold(t *testing.T) {
	ch := &fakeChannel{err: delivery.Transient(errors.New("gateway returned 503"))}
	b := Wrap(ch, 3, time.Minute)

	for i := 0; i < 3; i++ {
		if err := deliver(b); err == nil {
			t.Fatalf("attempt %d: expected error", i)
		}
	}
	if ch.calls != 3 {
		t.Fatalf("expected 3 calls before opening, got %d", ch.calls)
	}

	// Circuit is open: fail fast without touching the gateway.
	err := deliver(b)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if delivery.IsPermanent(err) {
		t.Fatal("open-circuit error must classify as transient")
	}
	if ch.calls != 3 {
		t.Fatalf("expected no extra call while open, got %d", ch.calls)
	}
}

func TestDeliver_BelowThresholdStaysClosed(t *testing.T) {
	ch := &fakeChannel{err: delivery.Transient(errors.New("timeout"))}
	b := Wrap(ch, 3, time.Minute)

	deliver(b)
	deliver(b)

	ch.err = nil
	if err := deliver(b); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if ch.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", ch.calls)
	}
}

func TestDeliver_PermanentErrorDoesNotTrip(t *testing.T) {
	ch := &fakeChannel{err: delivery.Permanent(errors.New("gateway returned 422"))}
	b := Wrap(ch, 2, time.Minute)

	for i := 0; i < 5; i++ {
		if err := deliver(b); !delivery.IsPermanent(err) {
			t.Fatalf("attempt %d: expected permanent error, got %v", i, err)
		}
	}
	if ch.calls != 5 {
		t.Fatalf("expected every call to reach the gateway, got %d", ch.calls)
	}
}

func TestDeliver_HalfOpenProbeRecovers(t *testing.T) {
	now := time.Date(2026, time.June, 15, 9, 0, 0, 0, time.UTC)
	clk := testutil.NewFakeClock(now)

	ch := &fakeChannel{err: delivery.Transient(errors.New("connection refused"))}
	b := Wrap(ch, 2, time.Minute)
	b.clock = clk.Now

	deliver(b)
	deliver(b)
	if err := deliver(b); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected open circuit, got %v", err)
	}

	// After the cooldown a single probe goes through and closes the
	// circuit on success.
	clk.Advance(2 * time.Minute)
	ch.err = nil
	if err := deliver(b); err != nil {
		t.Fatalf("expected probe to succeed, got %v", err)
	}
	if err := deliver(b); err != nil {
		t.Fatalf("expected circuit closed after probe, got %v", err)
	}
}

func TestDeliver_HalfOpenProbeFailureReopens(t *testing.T) {
	now := time.Date(2026, time.June, 15, 9, 0, 0, 0, time.UTC)
	clk := testutil.NewFakeClock(now)

	ch := &fakeChannel{err: delivery.Transient(errors.New("connection refused"))}
	b := Wrap(ch, 2, time.Minute)
	b.clock = clk.Now

	deliver(b)
	deliver(b)

	clk.Advance(2 * time.Minute)
	calls := ch.calls
	deliver(b) // probe fails
	if ch.calls != calls+1 {
		t.Fatalf("expected exactly one probe, got %d extra", ch.calls-calls)
	}
	if err := deliver(b); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit re-opened, got %v", err)
	}
}
