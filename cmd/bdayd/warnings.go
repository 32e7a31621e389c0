package main

import (
	"log"

	"github.com/fairyhunter13/happy-bday-app-sub003/internal/config"
)

// logConfigWarnings flags configurations that are valid but weaken the
// delivery guarantees in production. P0 warnings indicate a real risk of
// unauthenticated or unobservable traffic; P1 and INFO are advisory.
func logConfigWarnings(cfg *config.Config) {
	if cfg.HookSecret == "" {
		log.Println("WARNING [P0]: HOOK_SECRET is empty; inbound contact hooks are accepted without signature verification")
	}

	if cfg.DeliverySecret == "" {
		log.Println("WARNING [P0]: DELIVERY_SECRET is empty; outbound notifications are sent unsigned")
	}

	if !cfg.MetricsEnabled {
		log.Println("WARNING [P1]: METRICS_ENABLED=false; dispatch outcomes will not be observable via Prometheus")
	}

	if cfg.QueueMode == "channel" {
		log.Println("INFO: QUEUE_MODE=channel; the queue is in-process and not durable, crash recovery relies entirely on the sweeper (use redis for multi-instance deployments)")
	}

	if cfg.CircuitBreakerThreshold == 0 {
		log.Println("INFO: CIRCUIT_BREAKER_THRESHOLD=0; circuit breaker disabled, gateway outages will burn retry budgets")
	}

	if cfg.QueueMode == "redis" && cfg.WorkerConcurrency == 1 {
		log.Println("INFO: QUEUE_MODE=redis with WORKER_CONCURRENCY=1; a single consumer limits throughput, consider raising WORKER_CONCURRENCY")
	}
}
