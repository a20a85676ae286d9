// Package acquire implements the contended-wait algorithm on top of the lock
// table.
//
// Waiting is plain polling: a blocked caller sleeps for a short, lightly
// backed-off interval and retries. Nothing is queued, so there is no fairness
// guarantee. Under heavy contention a waiter can be starved indefinitely by
// callers that happen to retry right after each release. This is an accepted
// property of the service, callers that need fairness must arrange it
// themselves.
package acquire

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pixperk/mutexd/pkg/clock"
	"github.com/pixperk/mutexd/pkg/metrics"
)

// result of an acquisition attempt
type Outcome int

const (
	Acquired Outcome = iota + 1
	TimedOut
)

func (o Outcome) String() string {
	switch o {
	case Acquired:
		return "acquired"
	case TimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// subset of the lock table the engine needs
type Table interface {
	TryAcquire(id string, owner uuid.UUID) bool
}

type Config struct {
	PollInterval    time.Duration //first sleep after a failed attempt
	MaxPollInterval time.Duration //backoff ceiling
	Multiplier      float64       //growth factor per retry, 1 keeps the interval fixed
	MaxWait         time.Duration //clamp on requested timeouts, 0 = no clamp
}

func DefaultConfig() Config {
	return Config{
		PollInterval:    10 * time.Millisecond,
		MaxPollInterval: 50 * time.Millisecond,
		Multiplier:      1.5,
	}
}

type Engine struct {
	table Table
	clock clock.Clock
	cfg   Config
}

func NewEngine(table Table, cfg Config) *Engine {
	return NewEngineWithClock(table, cfg, clock.Real{})
}

func NewEngineWithClock(table Table, cfg Config, c clock.Clock) *Engine {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxPollInterval < cfg.PollInterval {
		cfg.MaxPollInterval = cfg.PollInterval
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	if c == nil {
		c = clock.Real{}
	}
	return &Engine{
		table: table,
		clock: c,
		cfg:   cfg,
	}
}

// Acquire tries to take id for owner, polling for up to timeout while it is
// held elsewhere. A timeout of zero fails immediately on contention.
//
// The uncontended case returns without sleeping. When ctx is cancelled during
// a wait, Acquire returns the cancellation cause within one poll interval and
// the lock is not taken.
func (e *Engine) Acquire(ctx context.Context, id string, owner uuid.UUID, timeout time.Duration) (Outcome, error) {
	start := e.clock.Now()

	if e.table.TryAcquire(id, owner) {
		e.observe(metrics.StatusSuccess, start)
		return Acquired, nil
	}

	if e.cfg.MaxWait > 0 && timeout > e.cfg.MaxWait {
		timeout = e.cfg.MaxWait
	}
	deadline := start.Add(timeout)
	b := newBackoff(e.cfg)

	for {
		remaining := deadline.Sub(e.clock.Now())
		if remaining <= 0 {
			e.observe(metrics.StatusTimeout, start)
			return TimedOut, nil
		}

		select {
		case <-ctx.Done():
			e.observe(metrics.StatusCanceled, start)
			return 0, context.Cause(ctx)
		case <-e.clock.After(b.Next(remaining)):
		}

		// cancellation wins over a lock that became free in the same instant
		if ctx.Err() != nil {
			e.observe(metrics.StatusCanceled, start)
			return 0, context.Cause(ctx)
		}

		if e.table.TryAcquire(id, owner) {
			e.observe(metrics.StatusSuccess, start)
			return Acquired, nil
		}
	}
}

func (e *Engine) observe(status string, start time.Time) {
	metrics.LockAcquireTotal.WithLabelValues(status).Inc()
	metrics.AcquireWaitDuration.WithLabelValues(status).Observe(e.clock.Now().Sub(start).Seconds())
}
