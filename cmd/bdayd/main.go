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
	"github.com/robfig/cron/v3"

	"github.com/fairyhunter13/happy-bday-app-sub003/internal/analytics"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/api"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/circuitbreaker"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/config"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/delivery"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/leaderelection"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/materializer"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/metrics"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/recovery"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/scheduler"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/store/postgres"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/transport"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/transport/channel"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/transport/redisq"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/worker"

	_ "github.com/lib/pq"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`bdayd - annual-date notification dispatcher

Usage:
  bdayd <command>

Commands:
  serve      Start the scheduler, worker pool, sweeper and HTTP API
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables:
  DATABASE_URL              PostgreSQL connection string (required)
  REDIS_ADDR                Redis address (required in redis queue mode)
  HTTP_ADDR                 HTTP server address (default: ":8080")
  DELIVERY_URL              Vendor gateway notifications are POSTed to
  DELIVERY_SECRET           HMAC secret for outbound notification signing
  HOOK_SECRET               HMAC secret for inbound contact hooks (empty disables)

  POLL_INTERVAL             Scheduler poll interval (default: "30s")
  SEND_HOUR_LOCAL           Local wall-clock send hour 0-23 (default: "9")
  SCHEDULER_BATCH_SIZE      Max projections per poll (default: "500")

  WORKER_CONCURRENCY        Queue consumers per instance (default: "4")
  MAX_RETRIES               Delivery retries before dead-letter (default: "3")
  RETRY_BACKOFF_BASE        First retry delay (default: "1m")
  RETRY_BACKOFF_CAP         Max retry delay (default: "1h")
  DELIVERY_TIMEOUT          One delivery-channel call bound (default: "30s")

  SWEEP_SCHEDULE            Recovery sweep cron expression (default: "*/5 * * * *")
  LEASE_TIMEOUT             Lease age before reclaim (default: "10m")
  BACKFILL_GRACE            Missed-occurrence grace window (default: "15m")
  SWEEP_BATCH_SIZE          Max reclaim/backfill rows per sweep (default: "100")

  QUEUE_MODE                "channel" or "redis" (default: "channel")
  QUEUE_STREAM              Redis stream name (default: "bday:dispatch")
  QUEUE_GROUP               Redis consumer group (default: "dispatchers")
  QUEUE_BUFFER_SIZE         Channel-mode buffer size (default: "100")
  QUEUE_PREFETCH            Redis-mode prefetch per consumer (default: "10")

  DB_OP_TIMEOUT             Database operation timeout (default: "5s")
  DB_MAX_OPEN_CONNS         Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS         Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME      Max connection lifetime (default: "30m")
  DB_CONN_MAX_IDLE_TIME     Max connection idle time (default: "5m")

  HTTP_SHUTDOWN_TIMEOUT     Graceful HTTP shutdown timeout (default: "10s")
  WORKER_DRAIN_TIMEOUT      Worker pool drain timeout (default: "30s")

  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")

  CIRCUIT_BREAKER_THRESHOLD Consecutive failures before open, 0 disables (default: "5")
  CIRCUIT_BREAKER_COOLDOWN  Open-circuit cooldown (default: "2m")

  ANALYTICS_ENABLED         Enable Redis dispatch counters (default: "false")
  ANALYTICS_RETENTION       Counter retention (default: "720h")

  LEADER_LOCK_KEY           Advisory lock key for sweeper leadership (default: "902214")
  LEADER_RETRY_INTERVAL     Follower lock retry interval (default: "5s")
  LEADER_HEARTBEAT_INTERVAL Leader connection heartbeat (default: "2s")`)
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	logConfigWarnings(&cfg)

	sweepSchedule, err := cron.ParseStandard(cfg.SweepSchedule)
	if err != nil {
		// Validate() already checks this; belt and braces.
		fmt.Fprintf(os.Stderr, "invalid SWEEP_SCHEDULE: %v\n", err)
		return exitInvalidConfig
	}

	// Connect to PostgreSQL
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		return exitRuntimeError
	}
	defer db.Close()

	// Configure connection pool
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	log.Printf("bdayd: db pool configured (max_open=%d, max_idle=%d, max_lifetime=%s, max_idle_time=%s)",
		cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		return exitRuntimeError
	}

	if err := probeDispatchRecords(db); err != nil {
		fmt.Fprintf(os.Stderr, "schema probe failed (are migrations applied?): %v\n", err)
		return exitRuntimeError
	}

	store := postgres.New(db, cfg.DBOpTimeout)

	// Initialize metrics sink (optional)
	var metricsSink *metrics.PrometheusSink
	if cfg.MetricsEnabled {
		metricsSink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		log.Printf("bdayd: metrics enabled (path=%s)", cfg.MetricsPath)
	} else {
		log.Println("bdayd: METRICS_ENABLED not set; metrics disabled")
	}

	// Redis client, shared by the redis queue and analytics
	var redisClient *redis.Client
	if cfg.QueueMode == "redis" || cfg.AnalyticsEnabled {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
	}

	// Dispatch queue
	var queue transport.Queue
	switch cfg.QueueMode {
	case "redis":
		rq := redisq.New(redisClient, redisq.Config{
			Stream:      cfg.QueueStream,
			Group:       cfg.QueueGroup,
			Prefetch:    cfg.QueuePrefetch,
			ReclaimIdle: cfg.LeaseTimeout,
		})
		if err := rq.EnsureGroup(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create consumer group: %v\n", err)
			return exitRuntimeError
		}
		queue = rq
		log.Printf("bdayd: redis queue (stream=%s, group=%s, prefetch=%d)",
			cfg.QueueStream, cfg.QueueGroup, cfg.QueuePrefetch)
	default:
		queue = channel.NewBus(cfg.QueueBufferSize)
		log.Printf("bdayd: in-memory queue (buffer=%d)", cfg.QueueBufferSize)
	}

	// Delivery channel, optionally behind the circuit breaker
	var channelOut delivery.Channel = delivery.NewHTTPChannel(cfg.DeliveryURL, cfg.DeliverySecret, cfg.DeliveryTimeout)
	if cfg.CircuitBreakerThreshold > 0 {
		channelOut = circuitbreaker.Wrap(channelOut, cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
		log.Printf("bdayd: circuit breaker enabled (threshold=%d, cooldown=%s)",
			cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
	}

	sched := scheduler.New(
		scheduler.Config{PollInterval: cfg.PollInterval, BatchSize: cfg.SchedulerBatchSize},
		store,
		store,
		queue,
	)
	if metricsSink != nil {
		sched = sched.WithMetrics(metricsSink)
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
	if metricsSink != nil {
		w = w.WithMetrics(metricsSink)
	}
	if cfg.AnalyticsEnabled {
		w = w.WithAnalytics(analytics.NewRedisSink(redisClient, cfg.AnalyticsRetention))
		log.Printf("bdayd: analytics enabled (redis=%s, retention=%s)", cfg.RedisAddr, cfg.AnalyticsRetention)
	}
	pool := worker.NewPool(w, queue, cfg.WorkerConcurrency)

	sweeper := recovery.New(
		recovery.Config{
			Schedule:      sweepSchedule,
			LeaseTimeout:  cfg.LeaseTimeout,
			BackfillGrace: cfg.BackfillGrace,
			BatchSize:     cfg.SweepBatchSize,
		},
		store,
		store,
		queue,
	)
	if metricsSink != nil {
		sweeper = sweeper.WithMetrics(metricsSink)
	}

	// The sweeper runs on exactly one instance at a time, gated by a
	// Postgres advisory lock. Scheduler and workers run everywhere.
	var sweepWg sync.WaitGroup
	elector := leaderelection.New(
		leaderelection.Config{
			LockKey:           cfg.LeaderLockKey,
			RetryInterval:     cfg.LeaderRetryInterval,
			HeartbeatInterval: cfg.LeaderHeartbeatInterval,
		},
		db,
		func(leaderCtx context.Context) {
			sweepWg.Add(1)
			defer sweepWg.Done()
			sweeper.Run(leaderCtx)
		},
		func() { sweepWg.Wait() },
	)
	if metricsSink != nil {
		elector = elector.WithMetrics(metricsSink)
	}

	mat := materializer.New(materializer.Config{SendHour: cfg.SendHourLocal}, store)

	apiHandler := api.NewHandler(store, mat).
		WithHookSecret(cfg.HookSecret).
		WithHealthChecker(db)

	mux := http.NewServeMux()
	if metricsSink != nil {
		mux.Handle(cfg.MetricsPath, promhttp.Handler())
	}
	mux.Handle("/", apiHandler)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}

	go func() {
		log.Printf("bdayd: http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("bdayd: http server error: %v", err)
		}
	}()

	// Separate contexts per component for ordered shutdown.
	schedulerCtx, cancelScheduler := context.WithCancel(context.Background())
	electorCtx, cancelElector := context.WithCancel(context.Background())
	poolCtx, cancelPool := context.WithCancel(context.Background())

	var schedulerWg, electorWg, poolWg sync.WaitGroup

	schedulerWg.Add(1)
	go func() {
		defer schedulerWg.Done()
		sched.Run(schedulerCtx)
	}()

	electorWg.Add(1)
	go func() {
		defer electorWg.Done()
		elector.Run(electorCtx)
	}()

	poolWg.Add(1)
	go func() {
		defer poolWg.Done()
		pool.Run(poolCtx)
	}()

	log.Printf("bdayd: started (poll=%s, queue=%s, http=%s)", cfg.PollInterval, cfg.QueueMode, cfg.HTTPAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("bdayd: received signal %v, shutting down", received)

	// Phase 1: Stop scheduler (no new work enqueued)
	log.Println("bdayd: stopping scheduler...")
	cancelScheduler()
	schedulerWg.Wait()
	log.Println("bdayd: scheduler stopped")

	// Phase 2: Stop sweeper leadership (no new reclaims or backfills)
	log.Println("bdayd: stopping sweeper...")
	cancelElector()
	electorWg.Wait()
	log.Println("bdayd: sweeper stopped")

	// Phase 3: Drain the worker pool, bounded by WORKER_DRAIN_TIMEOUT.
	// Abandoned in-flight records are re-claimed by the next sweep.
	log.Println("bdayd: draining worker pool...")
	cancelPool()
	if waitTimeout(&poolWg, cfg.WorkerDrainTimeout) {
		log.Println("bdayd: worker pool stopped")
	} else {
		log.Printf("bdayd: worker pool did not drain within %s, abandoning in-flight work", cfg.WorkerDrainTimeout)
	}

	// Phase 4: Stop HTTP server with graceful shutdown
	log.Println("bdayd: stopping http server...")
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		log.Printf("bdayd: http server shutdown error: %v", err)
	}
	log.Println("bdayd: http server stopped")

	log.Println("bdayd: stopped")
	return exitSuccess
}

// waitTimeout waits for wg with a deadline; reports whether it finished.
func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("bdayd version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
