package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/store"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/types"
)

// PutController registers an operator device. Emails are matched
// case-insensitively.
func (d *Directory) PutController(c types.Controller) error {
	if !c.Gate.Valid() {
		return fmt.Errorf("controller %d: invalid gate", c.ID)
	}
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	d.mu.Lock()
	defer d.mu.Unlock()
	d.controllers[c.ID] = c
	return nil
}

func (d *Directory) GetControllerByEmail(_ context.Context, email string) (types.Controller, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, c := range d.controllers {
		if c.Email == email {
			return c, nil
		}
	}
	return types.Controller{}, store.ErrNotFound
}

func (d *Directory) UpdateControllerGate(_ context.Context, controllerID int64, gate types.Gate) error {
	if !gate.Valid() {
		return fmt.Errorf("invalid gate %d", uint8(gate))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.controllers[controllerID]
	if !ok {
		return store.ErrNotFound
	}
	c.Gate = gate
	d.controllers[controllerID] = c
	return nil
}
