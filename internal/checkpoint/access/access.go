// Package access decides whether a user may pass a gate. It is a pure
// function of its arguments: no I/O, no clock, no shared state.
package access

import (
	"time"

	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/types"
)

var everyGate = types.Gates(types.AllGates()...)

// allowedGates is indexed by Role. X-TEC follows X and C-COM follows C.
var allowedGates = [...]types.GateSet{
	0:              0,
	types.RoleA:    everyGate,
	types.RoleB:    types.Gates(types.GateS1, types.GateS3),
	types.RoleC:    types.Gates(types.GateS1),
	types.RoleD:    types.Gates(types.GateS1),
	types.RoleE:    types.Gates(types.GateS1),
	types.RoleP:    types.Gates(types.GateS1, types.GateS2),
	types.RoleX:    everyGate,
	types.RoleXTEC: everyGate,
	types.RoleCCOM: types.Gates(types.GateS1),
}

// Fails to compile when a role is added without a row above.
var _ = [1]struct{}{}[len(allowedGates)-int(types.RoleCount)]

// AllowedGates returns the gates role may use when nothing else denies it.
func AllowedGates(role types.Role) types.GateSet {
	if !role.Valid() {
		return 0
	}
	return allowedGates[role]
}

// Decide evaluates user at gate given the restrictions already known to be
// active for the user's group. Checks run in a fixed order and the first
// denial wins: disabled, restricted, then the role/gate table.
func Decide(user types.User, gate types.Gate, active []types.Restriction) types.Decision {
	if !user.Enabled {
		return types.Deny(types.ReasonDisabled)
	}
	if restricted(user, active) {
		return types.Deny(types.ReasonRestricted)
	}
	if !AllowedGates(user.Role).Has(gate) {
		return types.Deny(types.ReasonNotPermittedForRole)
	}
	return types.Allow()
}

// DecideAt is Decide with restrictions filtered to asOf's calendar date in loc.
func DecideAt(user types.User, gate types.Gate, restrictions []types.Restriction, asOf time.Time, loc *time.Location) types.Decision {
	return Decide(user, gate, ActiveOn(restrictions, types.DateOf(asOf, loc)))
}

// ActiveOn keeps the restrictions dated day.
func ActiveOn(restrictions []types.Restriction, day types.Date) []types.Restriction {
	var out []types.Restriction
	for _, r := range restrictions {
		if r.Date == day {
			out = append(out, r)
		}
	}
	return out
}

func restricted(user types.User, active []types.Restriction) bool {
	if user.GroupID == nil {
		return false
	}
	for _, r := range active {
		if r.GroupID == *user.GroupID {
			return true
		}
	}
	return false
}
