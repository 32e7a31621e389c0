// Command worker is a consumer-only instance: it runs the worker pool
// against the shared Redis queue without the scheduler, sweeper or HTTP
// API. Use it to scale delivery throughput independently of the core.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/happy-bday-app-sub003/internal/analytics"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/circuitbreaker"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/config"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/delivery"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/metrics"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/store/postgres"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/transport/redisq"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/worker"

	_ "github.com/lib/pq"
)

func main() {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}
	if cfg.QueueMode != "redis" {
		fmt.Fprintln(os.Stderr, "worker: QUEUE_MODE must be \"redis\"; the channel queue is in-process and cannot be shared with a standalone worker")
		os.Exit(2)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		os.Exit(1)
	}

	store := postgres.New(db, cfg.DBOpTimeout)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	queue := redisq.New(redisClient, redisq.Config{
		Stream:      cfg.QueueStream,
		Group:       cfg.QueueGroup,
		Prefetch:    cfg.QueuePrefetch,
		ReclaimIdle: cfg.LeaseTimeout,
	})
	if err := queue.EnsureGroup(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create consumer group: %v\n", err)
		os.Exit(1)
	}

	var channelOut delivery.Channel = delivery.NewHTTPChannel(cfg.DeliveryURL, cfg.DeliverySecret, cfg.DeliveryTimeout)
	if cfg.CircuitBreakerThreshold > 0 {
		channelOut = circuitbreaker.Wrap(channelOut, cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
	}

	w := worker.New(
		worker.Config{
			MaxRetries:      cfg.MaxRetries,
			BackoffBase:     cfg.RetryBackoffBase,
			BackoffCap:      cfg.RetryBackoffCap,
			DeliveryTimeout: cfg.DeliveryTimeout,
			SendHour:        cfg.SendHourLocal,
		},
		store,
		store,
		channelOut,
	)
	if cfg.MetricsEnabled {
		w = w.WithMetrics(metrics.NewPrometheusSink(prometheus.DefaultRegisterer))
	}
	if cfg.AnalyticsEnabled {
		w = w.WithAnalytics(analytics.NewRedisSink(redisClient, cfg.AnalyticsRetention))
		log.Printf("worker: analytics enabled (redis=%s)", cfg.RedisAddr)
	}

	pool := worker.NewPool(w, queue, cfg.WorkerConcurrency)

	// Minimal HTTP surface: liveness plus optional metrics.
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		rw.Write([]byte(`{"status":"ok"}`))
	})
	if cfg.MetricsEnabled {
		mux.Handle(cfg.MetricsPath, promhttp.Handler())
	}
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		log.Printf("worker: http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("worker: http server error: %v", err)
		}
	}()

	poolCtx, cancelPool := context.WithCancel(context.Background())
	var poolWg sync.WaitGroup
	poolWg.Add(1)
	go func() {
		defer poolWg.Done()
		pool.Run(poolCtx)
	}()

	log.Printf("worker: started (concurrency=%d, stream=%s, group=%s)",
		cfg.WorkerConcurrency, cfg.QueueStream, cfg.QueueGroup)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("worker: received signal %v, shutting down", received)

	cancelPool()
	done := make(chan struct{})
	go func() {
		poolWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Println("worker: pool stopped")
	case <-time.After(cfg.WorkerDrainTimeout):
		log.Printf("worker: pool did not drain within %s, abandoning in-flight work", cfg.WorkerDrainTimeout)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("worker: http server shutdown error: %v", err)
	}

	log.Println("worker: stopped")
}
