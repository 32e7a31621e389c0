package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/happy-bday-app-sub003/internal/domain"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/transport"
)

func testMessage() transport.Message {
	return transport.Message{
		RecordID:       uuid.New(),
		ContactID:      uuid.New(),
		EventType:      domain.EventTypeBirthday,
		OccurrenceDate: time.Date(2026, time.June, 15, 0, 0, 0, 0, time.UTC),
		EnqueuedAt:     time.Now(),
	}
}

func TestBus_PublishConsume(t *testing.T) {
	bus := NewBus(10)
	msg := testMessage()

	if err := bus.Publish(context.Background(), msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan transport.Message, 1)
	go bus.Consume(ctx, "c1", func(ctx context.Context, m transport.Message) transport.Decision {
		got <- m
		return transport.Ack
	})

	select {
	case m := <-got:
		if m.RecordID != msg.RecordID {
			t.Errorf("record id = %s, want %s", m.RecordID, msg.RecordID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
	cancel()
}

func TestBus_NackRequeueRedelivers(t *testing.T) {
	bus := NewBus(10)
	msg := testMessage()

	if err := bus.Publish(context.Background(), msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	deliveries := 0
	done := make(chan struct{})

	go bus.Consume(ctx, "c1", func(ctx context.Context, m transport.Message) transport.Decision {
		mu.Lock()
		deliveries++
		n := deliveries
		mu.Unlock()
		if n == 1 {
			return transport.NackRequeue
		}
		close(done)
		return transport.Ack
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("requeued message never redelivered")
	}
}

func TestBus_NackDropConsumes(t *testing.T) {
	bus := NewBus(10)

	if err := bus.Publish(context.Background(), testMessage()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handled := make(chan struct{}, 1)
	go bus.Consume(ctx, "c1", func(ctx context.Context, m transport.Message) transport.Decision {
		handled <- struct{}{}
		return transport.NackDrop
	})

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	// Give any erroneous redelivery a moment to land.
	time.Sleep(50 * time.Millisecond)
	if bus.Len() != 0 {
		t.Errorf("expected empty bus after NackDrop, got %d buffered", bus.Len())
	}
}

func TestBus_EachMessageGoesToOneConsumer(t *testing.T) {
	bus := NewBus(100)
	const n = 20

	for i := 0; i < n; i++ {
		if err := bus.Publish(context.Background(), testMessage()); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	seen := make(map[uuid.UUID]int)
	var wg sync.WaitGroup
	wg.Add(n)

	handler := func(ctx context.Context, m transport.Message) transport.Decision {
		mu.Lock()
		seen[m.RecordID]++
		mu.Unlock()
		wg.Done()
		return transport.Ack
	}
	for i := 0; i < 4; i++ {
		go bus.Consume(ctx, "c", handler)
	}

	waited := make(chan struct{})
	go func() { wg.Wait(); close(waited) }()
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("not all messages delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != n {
		t.Fatalf("expected %d distinct messages, got %d", n, len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Errorf("record %s delivered %d times", id, count)
		}
	}
}

func TestBus_PublishHonorsContext(t *testing.T) {
	bus := NewBus(1)

	if err := bus.Publish(context.Background(), testMessage()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// Buffer is full and nobody is consuming.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := bus.Publish(ctx, testMessage()); err == nil {
		t.Fatal("expected context error on full bus")
	}
}
