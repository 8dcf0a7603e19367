package store

import (
	"context"

	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/types"
)

// DirectoryStore is the read side of provisioning data. Implementations must
// not cache: every call reads current rows.
type DirectoryStore interface {
	GetUser(ctx context.Context, id int64) (types.User, error)
	GetControllerByEmail(ctx context.Context, email string) (types.Controller, error)
	RestrictionsOn(ctx context.Context, groupID int64, day types.Date) ([]types.Restriction, error)
}

// SessionStore persists a controller's gate binding.
type SessionStore interface {
	UpdateControllerGate(ctx context.Context, controllerID int64, gate types.Gate) error
}
