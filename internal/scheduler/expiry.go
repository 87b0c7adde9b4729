// Package scheduler implements C10: a single periodic task that expires
// overdue pending changes and garbage-collects spent approval tokens, so
// neither state leaks indefinitely waiting for a human who never responds.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/saferun/saferun/internal/store"
)

// Config mirrors the teacher's TokenBrokerConfig/ContinuousAccessEvaluator
// sweep knobs: an interval and an optional distributed lock.
type Config struct {
	Interval time.Duration
	// RedisURL, when set, backs a SETNX-style advisory lock so more than one
	// scheduler process stays safe. The store's atomic conditional update
	// already guarantees at-most-one transition per change, so the lock
	// only avoids redundant sweep work, never a correctness requirement.
	RedisURL string
	LockTTL  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.LockTTL <= 0 {
		c.LockTTL = c.Interval - 5*time.Second
		if c.LockTTL <= 0 {
			c.LockTTL = c.Interval
		}
	}
	return c
}

// Scheduler runs Store.GCExpired on a ticker, grounded on the teacher's
// ContinuousAccessEvaluator.Start/sweep shape.
type Scheduler struct {
	store  store.Store
	cfg    Config
	redis  *redis.Client
	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Scheduler. When cfg.RedisURL is set it also connects a Redis
// client for the advisory lock; a failed connection degrades to running the
// sweep on every instance unlocked rather than refusing to start.
func New(s store.Store, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	sch := &Scheduler{
		store:  s,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("scheduler: invalid redis url, running sweeps unlocked", "error", err)
			return sch
		}
		client := redis.NewClient(opts)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			slog.Error("scheduler: redis unreachable, running sweeps unlocked", "error", err)
			client.Close()
			return sch
		}
		sch.redis = client
	}
	return sch
}

// Start begins the background sweep goroutine. Call Stop to halt it.
func (sch *Scheduler) Start() {
	slog.Info("scheduler: expiry sweep started", "interval", sch.cfg.Interval)
	go func() {
		defer close(sch.doneCh)
		ticker := time.NewTicker(sch.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sch.sweep()
			case <-sch.stopCh:
				slog.Info("scheduler: expiry sweep stopped")
				return
			}
		}
	}()
}

// Stop halts the sweep goroutine and waits for the in-flight sweep, if any,
// to finish.
func (sch *Scheduler) Stop() {
	close(sch.stopCh)
	<-sch.doneCh
	if sch.redis != nil {
		sch.redis.Close()
	}
}

const lockKey = "saferun:scheduler:expiry-sweep"

func (sch *Scheduler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if sch.redis != nil {
		acquired, err := sch.redis.SetNX(ctx, lockKey, "1", sch.cfg.LockTTL).Result()
		if err != nil {
			slog.Error("scheduler: lock acquire failed, sweeping anyway", "error", err)
		} else if !acquired {
			slog.Debug("scheduler: another instance holds the sweep lock, skipping")
			return
		}
	}

	ids, err := sch.store.GCExpired(ctx)
	if err != nil {
		slog.Error("scheduler: GCExpired failed", "error", err)
		return
	}
	if len(ids) > 0 {
		slog.Info("scheduler: expired changes swept", "count", len(ids))
	}
}
