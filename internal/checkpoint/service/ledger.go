package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/store"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/types"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/ids"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/obs"
)

// LedgerConfig tunes the optimistic retry loop of RecordAttempt.
type LedgerConfig struct {
	// MaxRetries is how many times a lost version check is retried before
	// the attempt is recorded as contention. Defaults to 3; negative means 0.
	MaxRetries int

	// Backoff is the base delay between retries. Each retry waits
	// attempt*Backoff plus up to Backoff of jitter. Zero disables waiting.
	Backoff time.Duration
}

// Ledger is the single writer of movement state. Every change to a user's
// side of the barrier is an allowed AccessEvent written in the same
// transaction as the new state.
type Ledger struct {
	store      store.LedgerStore
	maxRetries int
	backoff    time.Duration
	metrics    *obs.Metrics
	logger     *zap.Logger

	newID func(time.Time) string
}

func NewLedger(st store.LedgerStore, cfg LedgerConfig, metrics *obs.Metrics, logger *zap.Logger) *Ledger {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if metrics == nil {
		metrics = obs.NewMetrics()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		store:      st,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
		metrics:    metrics,
		logger:     logger,
		newID:      ids.NewEvent,
	}
}

// CurrentState is the user's recorded side, Outside if nothing was recorded.
func (l *Ledger) CurrentState(ctx context.Context, userID int64) (types.MovementState, error) {
	rec, err := l.store.LoadMovement(ctx, userID)
	if err != nil {
		return types.Outside, fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
	}
	return rec.State, nil
}

// RecordAttempt appends the audit event for decision. A denial leaves the
// movement state alone. An allow flips it, retrying on lost version checks;
// when retries run out a contention denial is recorded instead and
// ErrContention is returned together with that event.
func (l *Ledger) RecordAttempt(
	ctx context.Context,
	user types.User,
	gate types.Gate,
	controller types.Controller,
	decision types.Decision,
	asOf time.Time,
) (types.AccessEvent, error) {
	ev := types.AccessEvent{
		OccurredAt:   asOf.UTC(),
		UserID:       user.ID,
		Gate:         gate,
		ControllerID: controller.ID,
		Allowed:      decision.Allow,
		Reason:       decision.Reason,
	}

	if !decision.Allow {
		return l.appendDenial(ctx, ev)
	}

	for attempt := 0; attempt <= l.maxRetries; attempt++ {
		if attempt > 0 {
			l.metrics.LedgerConflicts.Inc()
			if err := l.wait(ctx, attempt); err != nil {
				return types.AccessEvent{}, fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
			}
		}

		rec, err := l.store.LoadMovement(ctx, user.ID)
		if err != nil {
			return types.AccessEvent{}, fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
		}

		ev.ID = l.newID(asOf)
		ev.Transition = &types.Transition{From: rec.State, To: rec.State.Flip()}
		stored, err := l.store.AppendEvent(ctx, ev, &store.StateUpdate{
			UserID:          user.ID,
			ExpectedVersion: rec.Version,
			NewState:        rec.State.Flip(),
		})
		if err == nil {
			return stored, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return types.AccessEvent{}, fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
		}
		l.logger.Debug("movement version conflict",
			zap.Int64("user_id", user.ID),
			zap.Int("attempt", attempt),
			zap.Int64("expected_version", rec.Version),
		)
	}

	l.logger.Warn("movement update contention, recording denial",
		zap.Int64("user_id", user.ID),
		zap.Stringer("gate", gate),
		zap.Int("retries", l.maxRetries),
	)
	ev.Allowed = false
	ev.Reason = types.ReasonContention
	ev.Transition = nil
	stored, err := l.appendDenial(ctx, ev)
	if err != nil {
		return types.AccessEvent{}, err
	}
	return stored, ErrContention
}

func (l *Ledger) appendDenial(ctx context.Context, ev types.AccessEvent) (types.AccessEvent, error) {
	ev.ID = l.newID(ev.OccurredAt)
	stored, err := l.store.AppendEvent(ctx, ev, nil)
	if err != nil {
		return types.AccessEvent{}, fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
	}
	return stored, nil
}

func (l *Ledger) wait(ctx context.Context, attempt int) error {
	if l.backoff <= 0 {
		return ctx.Err()
	}
	d := time.Duration(attempt)*l.backoff + rand.N(l.backoff)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events is the audit trail of one user, oldest first, at most limit long
// (all of it when limit <= 0).
func (l *Ledger) Events(ctx context.Context, userID int64, limit int) ([]types.AccessEvent, error) {
	evs, err := l.store.Events(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
	}
	return evs, nil
}

// ReplayState folds a user's complete audit trail into the state it implies.
// It fails if an allowed event does not start from the state the previous
// events left, which would mean state and history diverged.
func ReplayState(events []types.AccessEvent) (types.MovementState, error) {
	state := types.Outside
	for _, ev := range events {
		if !ev.Allowed {
			continue
		}
		if ev.Transition == nil {
			return state, fmt.Errorf("event %s: allowed without a transition", ev.ID)
		}
		if ev.Transition.From != state || ev.Transition.To != state.Flip() {
			return state, fmt.Errorf("event %s: transition %s->%s does not follow %s",
				ev.ID, ev.Transition.From, ev.Transition.To, state)
		}
		state = ev.Transition.To
	}
	return state, nil
}
