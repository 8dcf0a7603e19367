package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/access"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/credential"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/types"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/obs"
)

// CheckpointConfig bounds how long one scan may wait on I/O.
type CheckpointConfig struct {
	// LookupTimeout applies separately to the directory reads and to the
	// ledger write of one scan. Defaults to 2s.
	LookupTimeout time.Duration
}

// Checkpoint runs the scan pipeline: decode, look up, decide, record.
type Checkpoint struct {
	dir     *Directory
	ledger  *Ledger
	timeout time.Duration
	metrics *obs.Metrics
	logger  *zap.Logger

	// Now stamps each scan. Restriction dates and event times derive from it.
	Now func() time.Time
}

func NewCheckpoint(dir *Directory, ledger *Ledger, cfg CheckpointConfig, metrics *obs.Metrics, logger *zap.Logger) *Checkpoint {
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 2 * time.Second
	}
	if metrics == nil {
		metrics = obs.NewMetrics()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checkpoint{
		dir:     dir,
		ledger:  ledger,
		timeout: cfg.LookupTimeout,
		metrics: metrics,
		logger:  logger,
		Now:     time.Now,
	}
}

// Scan handles one scanned payload at the session's gate. Only two things
// come back as errors: a payload that does not decode (*credential.DecodeError)
// and ErrScanInFlight. Every other result, including failures of the
// directory or ledger, is an Outcome.
func (c *Checkpoint) Scan(ctx context.Context, s *Session, payload string) (types.Outcome, error) {
	if !s.TryBegin() {
		return types.Outcome{}, ErrScanInFlight
	}
	defer s.End()

	id, err := credential.Decode(payload)
	if err != nil {
		c.logger.Debug("credential rejected",
			zap.Int64("controller_id", s.Controller().ID),
			zap.Error(err),
		)
		return types.Outcome{}, err
	}
	return c.evaluate(ctx, s, id), nil
}

// Evaluate is Scan for an id typed in by the operator.
func (c *Checkpoint) Evaluate(ctx context.Context, s *Session, userID int64) (types.Outcome, error) {
	if userID <= 0 {
		return types.Outcome{}, &credential.DecodeError{
			Kind: credential.Malformed,
			Err:  fmt.Errorf("id %d is not positive", userID),
		}
	}
	if !s.TryBegin() {
		return types.Outcome{}, ErrScanInFlight
	}
	defer s.End()
	return c.evaluate(ctx, s, userID), nil
}

func (c *Checkpoint) evaluate(ctx context.Context, s *Session, userID int64) types.Outcome {
	start := time.Now()
	asOf := c.Now()
	ctrl := s.Controller()

	out := c.decide(ctx, ctrl, userID, asOf)
	c.observe(ctrl, userID, out, time.Since(start))
	return out
}

func (c *Checkpoint) decide(ctx context.Context, ctrl types.Controller, userID int64, asOf time.Time) types.Outcome {
	gate := ctrl.Gate
	out := types.Outcome{Gate: gate}

	user, decision, err := c.lookup(ctx, userID, gate, asOf)
	if err != nil {
		out.Kind = types.OutcomeUndetermined
		out.Cause = causeOf(err, types.CauseDirectoryUnavailable)
		return out
	}

	recCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ev, err := c.ledger.RecordAttempt(recCtx, user, gate, ctrl, decision, asOf)
	switch {
	case errors.Is(err, ErrContention):
		out.Kind = types.OutcomeUndetermined
		out.Cause = types.CauseContention
		out.Reason = types.ReasonContention
		out.Event = &ev
		return out
	case err != nil:
		out.Kind = types.OutcomeUndetermined
		out.Cause = causeOf(err, types.CauseLedgerUnavailable)
		return out
	}

	out.Kind = types.OutcomeDeny
	if ev.Allowed {
		out.Kind = types.OutcomeAllow
	}
	out.Reason = ev.Reason
	out.Transition = ev.Transition
	out.Event = &ev
	if decision.Reason != types.ReasonUnknownUser {
		out.User = &user
	}
	return out
}

// lookup reads the user and the restrictions active for their group, then
// decides. An id the directory does not know is denied as unknown_user.
func (c *Checkpoint) lookup(ctx context.Context, userID int64, gate types.Gate, asOf time.Time) (types.User, types.Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	user, err := c.dir.GetUser(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return types.User{ID: userID}, types.Deny(types.ReasonUnknownUser), nil
	}
	if err != nil {
		return types.User{}, types.Decision{}, err
	}

	var active []types.Restriction
	if user.GroupID != nil {
		active, err = c.dir.Restrictions(ctx, *user.GroupID, asOf)
		if err != nil {
			return types.User{}, types.Decision{}, err
		}
	}
	return user, access.Decide(user, gate, active), nil
}

func (c *Checkpoint) observe(ctrl types.Controller, userID int64, out types.Outcome, took time.Duration) {
	label := string(out.Reason)
	if out.Kind == types.OutcomeUndetermined {
		label = string(out.Cause)
	}
	c.metrics.Decisions.WithLabelValues(string(out.Kind), label, out.Gate.String()).Inc()
	c.metrics.ScanDuration.WithLabelValues(string(out.Kind)).Observe(took.Seconds())

	fields := []zap.Field{
		zap.Int64("user_id", userID),
		zap.Int64("controller_id", ctrl.ID),
		zap.Stringer("gate", out.Gate),
		zap.String("outcome", string(out.Kind)),
		zap.Duration("took", took),
	}
	if out.Reason != "" {
		fields = append(fields, zap.String("reason", string(out.Reason)))
	}
	if out.Transition != nil {
		fields = append(fields, zap.String("movement", out.Transition.Label()))
	}
	if out.Event != nil {
		fields = append(fields, zap.String("event_id", out.Event.ID))
	}
	if out.Kind == types.OutcomeUndetermined {
		c.logger.Warn("scan undetermined", append(fields, zap.String("cause", string(out.Cause)))...)
		return
	}
	c.logger.Info("scan decided", fields...)
}
