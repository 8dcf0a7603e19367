package store

import (
	"context"

	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/types"
)

// MovementRecord is a user's current side of the barrier plus the version
// used for conditional updates. A user with no row has Version 0 and is
// Outside.
type MovementRecord struct {
	UserID  int64
	State   types.MovementState
	Version int64
}

// StateUpdate moves UserID to NewState only if its stored version still
// equals ExpectedVersion.
type StateUpdate struct {
	UserID          int64
	ExpectedVersion int64
	NewState        types.MovementState
}

// LedgerStore persists access events as an append-only audit log together
// with the movement state they imply.
type LedgerStore interface {
	LoadMovement(ctx context.Context, userID int64) (MovementRecord, error)

	// AppendEvent stores ev and, when update is non-nil, applies update in the
	// same transaction. If the version check fails nothing is written and
	// ErrConflict is returned. The stored event, with its sequence number,
	// is returned.
	AppendEvent(ctx context.Context, ev types.AccessEvent, update *StateUpdate) (types.AccessEvent, error)

	// Events returns the latest limit events for userID, oldest first. A
	// limit of zero or less returns them all.
	Events(ctx context.Context, userID int64, limit int) ([]types.AccessEvent, error)
}
