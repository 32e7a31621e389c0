// Package leaderelection elects the single active recovery sweeper
// through a Postgres session-scoped advisory lock.
//
// Leadership here is an efficiency concern, never a correctness gate:
// it keeps N instances from running identical sweeps, while duplicate
// suppression stays with the dispatch ledger's reservation. The lock
// lives as long as its dedicated connection; Postgres releases it
// server-side when the session dies, so there is no renewal or TTL.
// The heartbeat ping only detects local connection death, so a demoted
// leader stops its duties promptly.
package leaderelection

import (
	"context"
	"database/sql"
	"log"
	"time"
)

// Demotion reasons, as logged and reported to the metrics sink.
const (
	reasonShutdown = "shutdown"
	reasonConnLost = "conn_lost"
)

// MetricsSink records leadership changes. All methods must be
// non-blocking and fire-and-forget.
type MetricsSink interface {
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

type Config struct {
	// LockKey identifies the advisory lock every instance competes for.
	LockKey int64
	// RetryInterval is how often a follower re-attempts acquisition.
	RetryInterval time.Duration
	// HeartbeatInterval is how often the leader pings its dedicated
	// connection.
	HeartbeatInterval time.Duration
}

// Elector competes for the sweeper advisory lock and runs the leader
// duties while holding it.
type Elector struct {
	config    Config
	db        *sql.DB
	onElected func(ctx context.Context)
	onDemoted func()
	metrics   MetricsSink // optional, nil = disabled
}

// New creates an Elector.
//
// onElected runs in its own goroutine once the lock is acquired; its
// context is cancelled on demotion. It should start the sweeper and
// return quickly. onDemoted is called synchronously on demotion, must
// be idempotent, and must block until the duties have stopped.
func New(config Config, db *sql.DB, onElected func(ctx context.Context), onDemoted func()) *Elector {
	if config.RetryInterval <= 0 {
		config.RetryInterval = 15 * time.Second
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 5 * time.Second
	}
	return &Elector{
		config:    config,
		db:        db,
		onElected: onElected,
		onDemoted: onDemoted,
	}
}

// WithMetrics attaches a metrics sink to the elector.
func (e *Elector) WithMetrics(sink MetricsSink) *Elector {
	e.metrics = sink
	return e
}

// Run blocks until ctx is cancelled, alternating between competing for
// the lock and holding it.
func (e *Elector) Run(ctx context.Context) {
	log.Printf("leader: election loop started (lock_key=%d, retry=%s, heartbeat=%s)",
		e.config.LockKey, e.config.RetryInterval, e.config.HeartbeatInterval)

	for ctx.Err() == nil {
		reason := e.campaign(ctx)
		if ctx.Err() != nil {
			break
		}
		if reason != "" {
			log.Printf("leader: lost leadership (reason=%s), retrying in %s", reason, e.config.RetryInterval)
		}

		select {
		case <-ctx.Done():
		case <-time.After(e.config.RetryInterval):
		}
	}
	log.Println("leader: election loop stopped")
}

// campaign makes one non-blocking attempt at the lock and, if won,
// holds it until demotion. Returns the demotion reason, or "" if the
// lock was never acquired.
func (e *Elector) campaign(ctx context.Context) string {
	// Advisory locks are session-scoped, so the attempt must be pinned
	// to a dedicated connection.
	conn, err := e.db.Conn(ctx)
	if err != nil {
		log.Printf("leader: dedicated connection failed: %v", err)
		return ""
	}
	defer conn.Close()

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", e.config.LockKey).Scan(&acquired); err != nil {
		log.Printf("leader: advisory lock query failed: %v", err)
		return ""
	}
	if !acquired {
		log.Printf("leader: lock %d held elsewhere, retrying in %s", e.config.LockKey, e.config.RetryInterval)
		return ""
	}

	log.Printf("leader: acquired advisory lock %d", e.config.LockKey)
	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(true)
		e.metrics.LeaderAcquired()
	}

	leaderCtx, cancelLeader := context.WithCancel(ctx)
	go e.onElected(leaderCtx)

	reason := e.hold(ctx, conn)

	cancelLeader()
	e.onDemoted()

	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(false)
		e.metrics.LeaderLost(reason)
	}

	log.Printf("leader: released advisory lock %d", e.config.LockKey)
	return reason
}

// hold pings the lock's connection until it dies or ctx is cancelled.
// The ping detects local connection death; it does not renew anything.
func (e *Elector) hold(ctx context.Context, conn *sql.Conn) string {
	ticker := time.NewTicker(e.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return reasonShutdown
		case <-ticker.C:
			if err := conn.PingContext(ctx); err != nil {
				if ctx.Err() != nil {
					return reasonShutdown
				}
				log.Printf("leader: connection ping failed: %v", err)
				return reasonConnLost
			}
		}
	}
}
