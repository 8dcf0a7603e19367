package types

import (
	"fmt"
	"strings"
)

// Role is the access category printed on a credential. The set is closed;
// the zero value is not a valid role.
type Role uint8

const (
	RoleA Role = iota + 1
	RoleB
	RoleC
	RoleD
	RoleE
	RoleP
	RoleX
	RoleXTEC
	RoleCCOM

	// RoleCount is one past the last valid role; tables indexed by Role
	// have this length.
	RoleCount
)

// roleNames holds the stored spelling of each role.
var roleNames = [RoleCount]string{
	RoleA:    "A",
	RoleB:    "B",
	RoleC:    "C",
	RoleD:    "D",
	RoleE:    "E",
	RoleP:    "P",
	RoleX:    "X",
	RoleXTEC: "X - TEC",
	RoleCCOM: "C - COM",
}

// AllRoles returns every valid role in declaration order.
func AllRoles() []Role {
	out := make([]Role, 0, RoleCount-1)
	for r := RoleA; r < RoleCount; r++ {
		out = append(out, r)
	}
	return out
}

func (r Role) Valid() bool { return r >= RoleA && r < RoleCount }

func (r Role) String() string {
	if !r.Valid() {
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
	return roleNames[r]
}

// ParseRole accepts the stored spelling ("X - TEC") as well as the compact
// forms used in CSV exports and CLI arguments ("X-TEC", "XTEC").
func ParseRole(s string) (Role, error) {
	key := strings.ToUpper(strings.Join(strings.Fields(s), ""))
	key = strings.ReplaceAll(key, "-", "")
	switch key {
	case "A":
		return RoleA, nil
	case "B":
		return RoleB, nil
	case "C":
		return RoleC, nil
	case "D":
		return RoleD, nil
	case "E":
		return RoleE, nil
	case "P":
		return RoleP, nil
	case "X":
		return RoleX, nil
	case "XTEC":
		return RoleXTEC, nil
	case "CCOM":
		return RoleCCOM, nil
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid role %d", uint8(r))
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	v, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// Gate is a physical checkpoint. The zero value is not a valid gate.
type Gate uint8

const (
	GateS1 Gate = iota + 1
	GateS2
	GateS3
	GateS4

	GateCount
)

// AllGates returns every valid gate in declaration order.
func AllGates() []Gate {
	return []Gate{GateS1, GateS2, GateS3, GateS4}
}

func (g Gate) Valid() bool { return g >= GateS1 && g < GateCount }

func (g Gate) String() string {
	if !g.Valid() {
		return fmt.Sprintf("Gate(%d)", uint8(g))
	}
	return fmt.Sprintf("S%d", uint8(g))
}

// ParseGate accepts "S1".."S4" in any case.
func ParseGate(s string) (Gate, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "S1":
		return GateS1, nil
	case "S2":
		return GateS2, nil
	case "S3":
		return GateS3, nil
	case "S4":
		return GateS4, nil
	}
	return 0, fmt.Errorf("unknown gate %q", s)
}

func (g Gate) MarshalText() ([]byte, error) {
	if !g.Valid() {
		return nil, fmt.Errorf("invalid gate %d", uint8(g))
	}
	return []byte(g.String()), nil
}

func (g *Gate) UnmarshalText(b []byte) error {
	v, err := ParseGate(string(b))
	if err != nil {
		return err
	}
	*g = v
	return nil
}

// GateSet is a set of gates stored as a bitmask.
type GateSet uint8

// Gates builds a set from the given gates.
func Gates(gs ...Gate) GateSet {
	var s GateSet
	for _, g := range gs {
		if g.Valid() {
			s |= 1 << g
		}
	}
	return s
}

func (s GateSet) Has(g Gate) bool { return g.Valid() && s&(1<<g) != 0 }

// List returns the members of s in gate order.
func (s GateSet) List() []Gate {
	var out []Gate
	for _, g := range AllGates() {
		if s.Has(g) {
			out = append(out, g)
		}
	}
	return out
}

func (s GateSet) String() string {
	names := make([]string, 0, 4)
	for _, g := range s.List() {
		names = append(names, g.String())
	}
	return "{" + strings.Join(names, ",") + "}"
}
