package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Role is a named grant scope inside an organization, optionally inheriting
// from a parent role in the same organization.
type Role struct {
	ID             string  `json:"id"`
	OrganizationID string  `json:"organization_id"`
	Name           string  `json:"name"`
	ParentRoleID   *string `json:"parent_role_id,omitempty"`
	Depth          int     `json:"depth"`
	IsSystem       bool    `json:"is_system"`
}

const roleColumns = `id, organization_id, name, parent_role_id, depth, is_system`

func scanRole(row pgx.Row) (*Role, error) {
	var r Role
	err := row.Scan(&r.ID, &r.OrganizationID, &r.Name, &r.ParentRoleID, &r.Depth, &r.IsSystem)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan role: %w", err)
	}
	return &r, nil
}

// GetRoleByID retrieves a role under the current tenant context.
func GetRoleByID(ctx context.Context, conn *pgxpool.Conn, id string) (*Role, error) {
	return scanRole(conn.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id))
}

// GetRolesByIDs retrieves multiple roles in one round trip, used by the role
// resolver while walking a parent chain.
func GetRolesByIDs(ctx context.Context, conn *pgxpool.Conn, ids []string) ([]*Role, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := conn.Query(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("storage: query roles: %w", err)
	}
	defer rows.Close()

	var roles []*Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// CreateRole inserts a role. depth and parentRoleID must already have been
// validated by the caller for the acyclic and same-organization invariants;
// this function performs no graph validation itself.
func CreateRole(ctx context.Context, conn *pgxpool.Conn, r *Role) (*Role, error) {
	return scanRole(conn.QueryRow(ctx,
		`INSERT INTO roles (organization_id, name, parent_role_id, depth, is_system)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+roleColumns,
		r.OrganizationID, r.Name, r.ParentRoleID, r.Depth, r.IsSystem,
	))
}

// HasChildren reports whether any role in the current tenant has this role
// as its parent. A role with children cannot be deleted (spec invariant).
func HasChildren(ctx context.Context, conn *pgxpool.Conn, roleID string) (bool, error) {
	var exists bool
	err := conn.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM roles WHERE parent_role_id = $1)`, roleID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: check role children: %w", err)
	}
	return exists, nil
}

// DeleteRole removes a non-system role with no children.
func DeleteRole(ctx context.Context, conn *pgxpool.Conn, roleID string) error {
	tag, err := conn.Exec(ctx, `DELETE FROM roles WHERE id = $1 AND is_system = false`, roleID)
	if err != nil {
		return fmt.Errorf("storage: delete role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
