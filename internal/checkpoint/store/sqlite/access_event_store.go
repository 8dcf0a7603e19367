package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	dbpkg "github.com/BrandonDHaskell/Portunus/checkpoint/internal/db"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/store"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/types"
)

// AccessEventStore is the SQL ledger: access_events is append-only and
// movement_states holds each user's current side with a version counter.
type AccessEventStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewAccessEventStore(db *sql.DB, writer *dbpkg.Worker) *AccessEventStore {
	return &AccessEventStore{db: db, writer: writer}
}

func (s *AccessEventStore) q(query string) string { return s.writer.Dialect().Rebind(query) }

func (s *AccessEventStore) LoadMovement(ctx context.Context, userID int64) (store.MovementRecord, error) {
	rec := store.MovementRecord{UserID: userID, State: types.Outside}

	var state string
	err := s.db.QueryRowContext(ctx, s.q(`
SELECT state, version FROM movement_states WHERE user_id = ?;
`), userID).Scan(&state, &rec.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, nil
	}
	if err != nil {
		return store.MovementRecord{}, fmt.Errorf("LoadMovement query: %w", err)
	}
	if rec.State, err = types.ParseMovementState(state); err != nil {
		return store.MovementRecord{}, fmt.Errorf("LoadMovement %d: %w", userID, err)
	}
	return rec, nil
}

func (s *AccessEventStore) AppendEvent(ctx context.Context, ev types.AccessEvent, update *store.StateUpdate) (types.AccessEvent, error) {
	if ev.ID == "" {
		return types.AccessEvent{}, errors.New("AppendEvent: event id is required")
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	occurredMs := ev.OccurredAt.UTC().UnixMilli()

	var allowed int
	if ev.Allowed {
		allowed = 1
	}
	var fromState, toState any
	if ev.Transition != nil {
		fromState = ev.Transition.From.String()
		toState = ev.Transition.To.String()
	}

	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if update != nil {
			if err := s.applyUpdate(ctx, tx, *update, occurredMs); err != nil {
				return err
			}
		}

		if err := tx.QueryRowContext(ctx, s.q(`
INSERT INTO access_events(
  event_id, user_id, controller_id, gate, allowed, reason,
  from_state, to_state, occurred_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING seq;
`),
			ev.ID, ev.UserID, ev.ControllerID, ev.Gate.String(), allowed, string(ev.Reason),
			fromState, toState, occurredMs,
		).Scan(&ev.Sequence); err != nil {
			return fmt.Errorf("AppendEvent insert: %w", err)
		}
		return nil
	})
	if err != nil {
		return types.AccessEvent{}, err
	}
	return ev, nil
}

// applyUpdate performs the version-checked write. Version 0 means no row
// exists yet, so the first transition is an insert that loses to any
// concurrent first insert.
func (s *AccessEventStore) applyUpdate(ctx context.Context, tx *sql.Tx, u store.StateUpdate, nowMs int64) error {
	var (
		res sql.Result
		err error
	)
	if u.ExpectedVersion == 0 {
		res, err = tx.ExecContext(ctx, s.q(`
INSERT INTO movement_states(user_id, state, version, updated_at_ms)
VALUES (?, ?, 1, ?)
ON CONFLICT(user_id) DO NOTHING;
`), u.UserID, u.NewState.String(), nowMs)
	} else {
		res, err = tx.ExecContext(ctx, s.q(`
UPDATE movement_states
SET state = ?,
    version = version + 1,
    updated_at_ms = ?
WHERE user_id = ? AND version = ?;
`), u.NewState.String(), nowMs, u.UserID, u.ExpectedVersion)
	}
	if err != nil {
		return fmt.Errorf("AppendEvent movement: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("AppendEvent movement rows: %w", err)
	}
	if n == 0 {
		return store.ErrConflict
	}
	return nil
}

func (s *AccessEventStore) Events(ctx context.Context, userID int64, limit int) ([]types.AccessEvent, error) {
	query := `
SELECT seq, event_id, user_id, controller_id, gate, allowed, reason,
       from_state, to_state, occurred_at_ms
FROM access_events
WHERE user_id = ?
ORDER BY seq DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("Events query: %w", err)
	}
	defer rows.Close()

	var out []types.AccessEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Events rows: %w", err)
	}

	// Newest-first from the query; callers get chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func scanEvent(rows *sql.Rows) (types.AccessEvent, error) {
	var (
		ev         types.AccessEvent
		gate       string
		allowed    int
		reason     string
		from, to   sql.NullString
		occurredMs int64
	)
	if err := rows.Scan(&ev.Sequence, &ev.ID, &ev.UserID, &ev.ControllerID, &gate,
		&allowed, &reason, &from, &to, &occurredMs); err != nil {
		return types.AccessEvent{}, fmt.Errorf("Events scan: %w", err)
	}

	g, err := types.ParseGate(gate)
	if err != nil {
		return types.AccessEvent{}, fmt.Errorf("Events seq %d: %w", ev.Sequence, err)
	}
	ev.Gate = g
	ev.Allowed = allowed == 1
	ev.Reason = types.Reason(reason)
	ev.OccurredAt = time.UnixMilli(occurredMs).UTC()

	if from.Valid && to.Valid {
		f, err := types.ParseMovementState(from.String)
		if err != nil {
			return types.AccessEvent{}, fmt.Errorf("Events seq %d: %w", ev.Sequence, err)
		}
		t, err := types.ParseMovementState(to.String)
		if err != nil {
			return types.AccessEvent{}, fmt.Errorf("Events seq %d: %w", ev.Sequence, err)
		}
		ev.Transition = &types.Transition{From: f, To: t}
	}
	return ev, nil
}
