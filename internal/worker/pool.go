package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/fairyhunter13/happy-bday-app-sub003/internal/transport"
)

// Pool runs a bounded number of queue consumers feeding one Worker. The
// concurrency bound doubles as backpressure against the delivery channel
// and as the cap on in-flight memory.
type Pool struct {
	worker      *Worker
	queue       transport.Queue
	concurrency int
}

func NewPool(worker *Worker, queue transport.Queue, concurrency int) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Pool{
		worker:      worker,
		queue:       queue,
		concurrency: concurrency,
	}
}

// Run blocks until ctx is cancelled and every consumer has returned.
func (p *Pool) Run(ctx context.Context) {
	log.Printf("worker: pool started, concurrency=%d", p.concurrency)

	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		consumer := fmt.Sprintf("worker-%d", i+1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.queue.Consume(ctx, consumer, p.worker.Handle)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("worker: consumer %s stopped: %v", consumer, err)
			}
		}()
	}
	wg.Wait()

	log.Println("worker: pool stopped")
}
