// Package circuitbreaker shields the vendor gateway from retry storms.
// After a run of consecutive transient failures the breaker opens and
// deliveries fail fast as transient errors, so records keep their retry
// budget while the gateway recovers.
package circuitbreaker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/fairyhunter13/happy-bday-app-sub003/internal/delivery"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// Breaker wraps a delivery channel with a single-gateway circuit.
// A permanent rejection still proves the gateway is reachable, so only
// transient failures move the circuit toward open.
type Breaker struct {
	next      delivery.Channel
	threshold int
	cooldown  time.Duration

	mu                  sync.Mutex
	state               state
	consecutiveFailures int
	openedAt            time.Time

	clock func() time.Time
}

func Wrap(next delivery.Channel, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 2 * time.Minute
	}
	return &Breaker{
		next:      next,
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
	}
}

func (b *Breaker) Deliver(ctx context.Context, recipient string, msg delivery.Message) error {
	if err := b.allow(); err != nil {
		return delivery.Transient(err)
	}

	err := b.next.Deliver(ctx, recipient, msg)
	if err != nil && !delivery.IsPermanent(err) {
		b.recordFailure()
	} else {
		b.recordSuccess()
	}
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return nil
	case stateOpen:
		if b.clock().Sub(b.openedAt) >= b.cooldown {
			// Let a single probe through.
			b.state = stateHalfOpen
			return nil
		}
		return ErrCircuitOpen
	case stateHalfOpen:
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != stateClosed {
		log.Printf("circuitbreaker: gateway recovered, closing circuit")
	}
	b.state = stateClosed
	b.consecutiveFailures = 0
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	if b.state == stateHalfOpen || b.consecutiveFailures >= b.threshold {
		if b.state != stateOpen {
			log.Printf("circuitbreaker: opening circuit after %d consecutive failures", b.consecutiveFailures)
		}
		b.state = stateOpen
		b.openedAt = b.clock()
	}
}

var _ delivery.Channel = (*Breaker)(nil)
