package db

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/types"
)

// Fixture is the YAML shape of provisioning data loaded by Seed.
type Fixture struct {
	Groups      []GroupFixture      `yaml:"groups,omitempty"`
	Users       []UserFixture       `yaml:"users"`
	Controllers []ControllerFixture `yaml:"controllers,omitempty"`
}

type GroupFixture struct {
	ID           int64    `yaml:"id"`
	Name         string   `yaml:"name"`
	Restrictions []string `yaml:"restrictions"` // YYYY-MM-DD
}

type UserFixture struct {
	ID       int64  `yaml:"id"`
	DNI      int64  `yaml:"dni"`
	Name     string `yaml:"name"`
	Lastname string `yaml:"lastname,omitempty"`
	Role     string `yaml:"role"`
	Group    string `yaml:"group,omitempty"`
	Enabled  *bool  `yaml:"enabled,omitempty"` // default true
}

type ControllerFixture struct {
	ID       int64  `yaml:"id"`
	Email    string `yaml:"email"`
	Name     string `yaml:"name"`
	Lastname string `yaml:"lastname"`
	DNI      int64  `yaml:"dni"`
	Gate     string `yaml:"gate"`
}

// LoadFixture reads and validates a YAML fixture file.
func LoadFixture(path string) (Fixture, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Fixture{}, fmt.Errorf("read fixture: %w", err)
	}
	return ParseFixture(b)
}

func ParseFixture(b []byte) (Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(b, &f); err != nil {
		return Fixture{}, fmt.Errorf("parse fixture: %w", err)
	}
	if err := f.Validate(); err != nil {
		return Fixture{}, err
	}
	return f, nil
}

// Validate checks enum values, dates and cross references.
func (f Fixture) Validate() error {
	groups := make(map[string]bool, len(f.Groups))
	for _, g := range f.Groups {
		if g.ID <= 0 || strings.TrimSpace(g.Name) == "" {
			return fmt.Errorf("group %d: id and name are required", g.ID)
		}
		groups[g.Name] = true
		for _, d := range g.Restrictions {
			if _, err := types.ParseDate(d); err != nil {
				return fmt.Errorf("group %s: %w", g.Name, err)
			}
		}
	}
	for _, u := range f.Users {
		if u.ID <= 0 {
			return fmt.Errorf("user %q: id must be positive", u.Name)
		}
		if _, err := types.ParseRole(u.Role); err != nil {
			return fmt.Errorf("user %d: %w", u.ID, err)
		}
		if u.Group != "" && !groups[u.Group] {
			return fmt.Errorf("user %d: unknown group %q", u.ID, u.Group)
		}
	}
	for _, c := range f.Controllers {
		if c.ID <= 0 || strings.TrimSpace(c.Email) == "" {
			return fmt.Errorf("controller %d: id and email are required", c.ID)
		}
		if _, err := types.ParseGate(c.Gate); err != nil {
			return fmt.Errorf("controller %s: %w", c.Email, err)
		}
	}
	return nil
}

// Seed upserts the fixture. Existing users keep their role; a fixture that
// tries to change one fails on the immutability trigger.
func Seed(ctx context.Context, db *sql.DB, dialect Dialect, f Fixture) error {
	if err := f.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC().UnixMilli()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("seed begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	exec := func(query string, args ...any) error {
		_, err := tx.ExecContext(ctx, dialect.Rebind(query), args...)
		return err
	}

	groupIDs := make(map[string]int64, len(f.Groups))
	for _, g := range f.Groups {
		groupIDs[g.Name] = g.ID
		if err := exec(`
INSERT INTO groups(group_id, name, created_at_ms) VALUES (?, ?, ?)
ON CONFLICT(group_id) DO UPDATE SET name = excluded.name;`, g.ID, g.Name, now); err != nil {
			return fmt.Errorf("seed group %s: %w", g.Name, err)
		}
		for _, d := range g.Restrictions {
			day, _ := types.ParseDate(d)
			if err := exec(`
INSERT INTO restrictions(group_id, restricted_on) VALUES (?, ?)
ON CONFLICT(group_id, restricted_on) DO NOTHING;`, g.ID, string(day)); err != nil {
				return fmt.Errorf("seed restriction %s/%s: %w", g.Name, d, err)
			}
		}
	}

	for _, u := range f.Users {
		role, _ := types.ParseRole(u.Role)
		var groupID any
		if u.Group != "" {
			groupID = groupIDs[u.Group]
		}
		enabled := 1
		if u.Enabled != nil && !*u.Enabled {
			enabled = 0
		}
		dni := u.DNI
		if dni == 0 {
			dni = u.ID
		}
		if err := exec(`
INSERT INTO users(user_id, dni, name, lastname, role, group_id, enabled, created_at_ms, updated_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
  dni = excluded.dni,
  name = excluded.name,
  lastname = excluded.lastname,
  role = excluded.role,
  group_id = excluded.group_id,
  enabled = excluded.enabled,
  updated_at_ms = excluded.updated_at_ms;`,
			u.ID, dni, u.Name, u.Lastname, role.String(), groupID, enabled, now, now); err != nil {
			return fmt.Errorf("seed user %d: %w", u.ID, err)
		}
	}

	for _, c := range f.Controllers {
		gate, _ := types.ParseGate(c.Gate)
		if err := exec(`
INSERT INTO controllers(controller_id, email, name, lastname, dni, gate, updated_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(controller_id) DO UPDATE SET
  email = excluded.email,
  name = excluded.name,
  lastname = excluded.lastname,
  dni = excluded.dni,
  updated_at_ms = excluded.updated_at_ms;`,
			c.ID, strings.ToLower(strings.TrimSpace(c.Email)), c.Name, c.Lastname, c.DNI, gate.String(), now); err != nil {
			return fmt.Errorf("seed controller %s: %w", c.Email, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("seed commit: %w", err)
	}
	return nil
}

// RoleCount asks GenerateBackup for Count users of Role.
type RoleCount struct {
	Role  types.Role
	Count int
}

// ParseRoleCounts parses "A:100 B:20" style arguments. Roles may not repeat
// and counts must be positive.
func ParseRoleCounts(args []string) ([]RoleCount, error) {
	seen := make(map[types.Role]bool, len(args))
	out := make([]RoleCount, 0, len(args))
	for _, arg := range args {
		i := strings.LastIndex(arg, ":")
		if i <= 0 {
			return nil, fmt.Errorf("invalid format %q, expected role:count (e.g. A:100)", arg)
		}
		role, err := types.ParseRole(arg[:i])
		if err != nil {
			return nil, err
		}
		n, err := strconv.Atoi(arg[i+1:])
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid count in %q: must be a positive integer", arg)
		}
		if seen[role] {
			return nil, fmt.Errorf("duplicate role %s", role)
		}
		seen[role] = true
		out = append(out, RoleCount{Role: role, Count: n})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one role:count is required")
	}
	return out, nil
}

// GenerateBackup builds blank, disabled "BACKUP" users with consecutive ids
// starting at firstID, shuffled so roles are not clustered. Backup
// credentials are printed ahead of the event and enabled on demand.
func GenerateBackup(counts []RoleCount, firstID int64, rng *rand.Rand) Fixture {
	var users []UserFixture
	next := firstID
	disabled := false
	for _, rc := range counts {
		for i := 0; i < rc.Count; i++ {
			users = append(users, UserFixture{
				ID:      next,
				DNI:     next,
				Name:    "BACKUP",
				Role:    rc.Role.String(),
				Enabled: &disabled,
			})
			next++
		}
	}
	if rng != nil {
		rng.Shuffle(len(users), func(i, j int) { users[i], users[j] = users[j], users[i] })
	}
	return Fixture{Users: users}
}

// devFixture is loaded by SeedDev in the dev environment.
const devFixture = `
groups:
  - id: 1
    name: Staff
  - id: 2
    name: Prensa
    restrictions: ["2024-01-01"]
users:
  - {id: 1001, name: Ana, lastname: Paz, role: A}
  - {id: 1002, name: Bruno, lastname: Sosa, role: B}
  - {id: 1003, name: Carla, lastname: Diaz, role: C, group: Prensa}
  - {id: 1004, name: Pedro, lastname: Gil, role: P, group: Staff}
  - {id: 1005, name: Xavier, lastname: Ruiz, role: "X - TEC"}
  - {id: 1006, name: Dora, lastname: Vega, role: A, enabled: false}
controllers:
  - {id: 1, email: guard@example.com, name: Gabriel, lastname: Luna, dni: 20111222, gate: S1}
`

// SeedDev loads a small fixed data set for local development.
func SeedDev(ctx context.Context, db *sql.DB, dialect Dialect) error {
	f, err := ParseFixture([]byte(devFixture))
	if err != nil {
		return err
	}
	return Seed(ctx, db, dialect, f)
}
