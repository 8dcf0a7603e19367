package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/store"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/types"
)

// Directory is the read-only view of provisioning data used by the scan
// pipeline. It never caches; every call goes to the store.
type Directory struct {
	store store.DirectoryStore
	loc   *time.Location
}

// NewDirectory returns a Directory whose restriction dates are civil dates
// in loc. A nil loc means UTC.
func NewDirectory(st store.DirectoryStore, loc *time.Location) *Directory {
	if loc == nil {
		loc = time.UTC
	}
	return &Directory{store: st, loc: loc}
}

// Location is the event time zone restriction dates are evaluated in.
func (d *Directory) Location() *time.Location { return d.loc }

func (d *Directory) GetUser(ctx context.Context, id int64) (types.User, error) {
	u, err := d.store.GetUser(ctx, id)
	if err != nil {
		return types.User{}, classify("GetUser", ErrUserNotFound, err)
	}
	return u, nil
}

// GetController resolves a controller by email, ignoring case and
// surrounding space.
func (d *Directory) GetController(ctx context.Context, identity string) (types.Controller, error) {
	identity = strings.ToLower(strings.TrimSpace(identity))
	if identity == "" {
		return types.Controller{}, &DirectoryError{Op: "GetController", Kind: ErrControllerNotFound}
	}
	c, err := d.store.GetControllerByEmail(ctx, identity)
	if err != nil {
		return types.Controller{}, classify("GetController", ErrControllerNotFound, err)
	}
	return c, nil
}

// Restrictions returns the group's restrictions dated asOf's civil date.
func (d *Directory) Restrictions(ctx context.Context, groupID int64, asOf time.Time) ([]types.Restriction, error) {
	rs, err := d.store.RestrictionsOn(ctx, groupID, types.DateOf(asOf, d.loc))
	if err != nil {
		return nil, classify("Restrictions", ErrDirectoryUnavailable, err)
	}
	return rs, nil
}

func classify(op string, notFound, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return &DirectoryError{Op: op, Kind: notFound, Err: err}
	}
	return &DirectoryError{Op: op, Kind: ErrDirectoryUnavailable, Err: err}
}
