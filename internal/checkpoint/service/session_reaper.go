package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/obs"
)

// SessionReaper periodically drops controller sessions that have been idle
// longer than a configured TTL. It runs as a background goroutine and is
// safe to stop via its context or the Stop method.
//
// An IdleTTL of 0 disables reaping entirely.
type SessionReaper struct {
	sessions *SessionManager
	idle     time.Duration
	interval time.Duration
	metrics  *obs.Metrics
	logger   *zap.Logger

	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

// ReaperConfig holds the parameters for NewSessionReaper.
type ReaperConfig struct {
	// IdleTTL is how long an unused session is kept. 0 keeps sessions
	// until the process exits.
	IdleTTL time.Duration

	// Interval is how often the reaper runs. Defaults to IdleTTL/4, at
	// least one second.
	Interval time.Duration
}

// NewSessionReaper creates a reaper but does not start it.
func NewSessionReaper(m *SessionManager, cfg ReaperConfig, metrics *obs.Metrics, logger *zap.Logger) *SessionReaper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = cfg.IdleTTL / 4
	}
	if interval < time.Second {
		interval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionReaper{
		sessions: m,
		idle:     cfg.IdleTTL,
		interval: interval,
		metrics:  metrics,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start begins the background loop. The loop exits when ctx is cancelled
// or Stop is called. Calling Start more than once has no effect.
func (r *SessionReaper) Start(ctx context.Context) {
	r.once.Do(func() {
		if r.idle <= 0 {
			r.logger.Info("session reaper disabled (idle ttl=0)")
			close(r.done)
			return
		}
		ctx, r.cancel = context.WithCancel(ctx)
		go r.loop(ctx)
		r.logger.Info("session reaper started",
			zap.Duration("idle_ttl", r.idle),
			zap.Duration("interval", r.interval),
		)
	})
}

// Stop signals the reaper to exit and waits for it. A reaper that was never
// started returns immediately.
func (r *SessionReaper) Stop() {
	r.once.Do(func() { close(r.done) })
	if r.cancel != nil {
		r.cancel()
	}
	<-r.done
}

func (r *SessionReaper) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reap()
		}
	}
}

// Reap runs one sweep immediately.
func (r *SessionReaper) Reap() int {
	n := r.sessions.Sweep(r.idle)
	if r.metrics != nil {
		r.metrics.OpenSessions.Set(float64(r.sessions.Len()))
	}
	if n > 0 {
		r.logger.Info("reaped idle sessions", zap.Int("count", n))
	}
	return n
}
