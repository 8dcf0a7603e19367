package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/types"
)

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrControllerNotFound   = errors.New("controller not found")
	ErrDirectoryUnavailable = errors.New("directory unavailable")

	ErrContention        = errors.New("movement update contention")
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	ErrPersistFailed = errors.New("gate change was not persisted")
	ErrInvalidGate   = errors.New("invalid gate")
	ErrScanInFlight  = errors.New("a scan is already in flight on this session")
)

// DirectoryError reports a failed directory read. Kind is one of
// ErrUserNotFound, ErrControllerNotFound or ErrDirectoryUnavailable; Err is
// the store's error.
type DirectoryError struct {
	Op   string
	Kind error
	Err  error
}

func (e *DirectoryError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("directory %s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("directory %s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *DirectoryError) Is(target error) bool { return target == e.Kind }

func (e *DirectoryError) Unwrap() error { return e.Err }

// SessionError reports a gate change the store refused. The session keeps
// its previous gate.
type SessionError struct {
	ControllerID int64
	Gate         types.Gate
	Err          error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("controller %d: change to %s: %v: %v", e.ControllerID, e.Gate, ErrPersistFailed, e.Err)
}

func (e *SessionError) Is(target error) bool { return target == ErrPersistFailed }

func (e *SessionError) Unwrap() error { return e.Err }

// causeOf picks the operator-facing cause for an undetermined outcome.
func causeOf(err error, fallback types.Cause) types.Cause {
	switch {
	case errors.Is(err, ErrContention):
		return types.CauseContention
	case errors.Is(err, context.DeadlineExceeded):
		return types.CauseTimeout
	}
	return fallback
}
