package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	dbpkg "github.com/BrandonDHaskell/Portunus/checkpoint/internal/db"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/store"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/types"
)

// DirectoryStore reads users, groups, restrictions and controllers. Reads go
// straight to db; the only write, a controller's gate, goes through writer.
type DirectoryStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewDirectoryStore(db *sql.DB, writer *dbpkg.Worker) *DirectoryStore {
	return &DirectoryStore{db: db, writer: writer}
}

func (s *DirectoryStore) q(query string) string { return s.writer.Dialect().Rebind(query) }

func (s *DirectoryStore) GetUser(ctx context.Context, id int64) (types.User, error) {
	var (
		u         types.User
		role      string
		groupID   sql.NullInt64
		groupName sql.NullString
		enabled   int
	)
	err := s.db.QueryRowContext(ctx, s.q(`
SELECT u.user_id, u.dni, u.name, u.lastname, u.role, u.group_id, g.name, u.enabled
FROM users u
LEFT JOIN groups g ON g.group_id = u.group_id
WHERE u.user_id = ?;
`), id).Scan(&u.ID, &u.DNI, &u.Name, &u.Lastname, &role, &groupID, &groupName, &enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return types.User{}, store.ErrNotFound
	}
	if err != nil {
		return types.User{}, fmt.Errorf("GetUser query: %w", err)
	}

	u.Role, err = types.ParseRole(role)
	if err != nil {
		return types.User{}, fmt.Errorf("GetUser %d: %w", id, err)
	}
	if groupID.Valid {
		gid := groupID.Int64
		u.GroupID = &gid
		u.GroupName = groupName.String
	}
	u.Enabled = enabled == 1
	return u, nil
}

// GetControllerByEmail matches case-insensitively; emails are stored lower-cased.
func (s *DirectoryStore) GetControllerByEmail(ctx context.Context, email string) (types.Controller, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return types.Controller{}, store.ErrNotFound
	}

	var (
		c    types.Controller
		gate string
	)
	err := s.db.QueryRowContext(ctx, s.q(`
SELECT controller_id, email, name, lastname, dni, gate
FROM controllers
WHERE email = ?;
`), email).Scan(&c.ID, &c.Email, &c.Name, &c.Lastname, &c.DNI, &gate)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Controller{}, store.ErrNotFound
	}
	if err != nil {
		return types.Controller{}, fmt.Errorf("GetControllerByEmail query: %w", err)
	}

	c.Gate, err = types.ParseGate(gate)
	if err != nil {
		return types.Controller{}, fmt.Errorf("GetControllerByEmail %s: %w", email, err)
	}
	return c, nil
}

func (s *DirectoryStore) RestrictionsOn(ctx context.Context, groupID int64, day types.Date) ([]types.Restriction, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT restriction_id, group_id, restricted_on
FROM restrictions
WHERE group_id = ? AND restricted_on = ?
ORDER BY restriction_id;
`), groupID, string(day))
	if err != nil {
		return nil, fmt.Errorf("RestrictionsOn query: %w", err)
	}
	defer rows.Close()

	var out []types.Restriction
	for rows.Next() {
		var (
			r  types.Restriction
			on string
		)
		if err := rows.Scan(&r.ID, &r.GroupID, &on); err != nil {
			return nil, fmt.Errorf("RestrictionsOn scan: %w", err)
		}
		r.Date = types.Date(on)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("RestrictionsOn rows: %w", err)
	}
	return out, nil
}

func (s *DirectoryStore) UpdateControllerGate(ctx context.Context, controllerID int64, gate types.Gate) error {
	if !gate.Valid() {
		return fmt.Errorf("UpdateControllerGate: invalid gate %d", uint8(gate))
	}
	ms := time.Now().UTC().UnixMilli()

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`
UPDATE controllers
SET gate = ?,
    updated_at_ms = ?
WHERE controller_id = ?;
`), gate.String(), ms, controllerID)
		if err != nil {
			return fmt.Errorf("UpdateControllerGate update: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("UpdateControllerGate rows: %w", err)
		}
		if n == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}
