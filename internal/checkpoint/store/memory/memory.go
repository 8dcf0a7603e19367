package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/store"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/types"
)

// Directory is an in-memory provisioning store: users, groups, restrictions
// and controllers. It is intended for tests and dev environments.
type Directory struct {
	mu           sync.RWMutex
	users        map[int64]types.User
	groups       map[int64]types.Group
	restrictions map[int64][]types.Restriction // group id -> restrictions
	controllers  map[int64]types.Controller
	nextRestrID  int64
}

func NewDirectory() *Directory {
	return &Directory{
		users:        make(map[int64]types.User),
		groups:       make(map[int64]types.Group),
		restrictions: make(map[int64][]types.Restriction),
		controllers:  make(map[int64]types.Controller),
	}
}

func (d *Directory) PutGroup(g types.Group) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.groups[g.ID] = g
}

// PutUser stores u. The group name is filled in from the group table when
// the user references a known group.
func (d *Directory) PutUser(u types.User) error {
	if !u.Role.Valid() {
		return fmt.Errorf("user %d: invalid role", u.ID)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if old, ok := d.users[u.ID]; ok && old.Role != u.Role {
		return fmt.Errorf("user %d: role is immutable", u.ID)
	}
	d.users[u.ID] = u
	return nil
}

// SetEnabled toggles a user's enabled flag.
func (d *Directory) SetEnabled(userID int64, enabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	u.Enabled = enabled
	d.users[userID] = u
	return nil
}

// AddRestriction records a denial window for groupID on day.
func (d *Directory) AddRestriction(groupID int64, day types.Date) types.Restriction {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextRestrID++
	r := types.Restriction{ID: d.nextRestrID, GroupID: groupID, Date: day}
	d.restrictions[groupID] = append(d.restrictions[groupID], r)
	return r
}

func (d *Directory) GetUser(_ context.Context, id int64) (types.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	if !ok {
		return types.User{}, store.ErrNotFound
	}
	if u.GroupID != nil {
		if g, ok := d.groups[*u.GroupID]; ok {
			u.GroupName = g.Name
		}
		gid := *u.GroupID
		u.GroupID = &gid
	}
	return u, nil
}

func (d *Directory) RestrictionsOn(_ context.Context, groupID int64, day types.Date) ([]types.Restriction, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []types.Restriction
	for _, r := range d.restrictions[groupID] {
		if r.Date == day {
			out = append(out, r)
		}
	}
	return out, nil
}
