package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Permission is a (resourceType, action, effect) triple scoped to an
// organization.
type Permission struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
	ResourceType   string `json:"resource_type"`
	Action         string `json:"action"`
	Effect         string `json:"effect"` // allow, deny
}

const permissionColumns = `id, organization_id, name, resource_type, action, effect`

func scanPermission(row pgx.Row) (*Permission, error) {
	var p Permission
	err := row.Scan(&p.ID, &p.OrganizationID, &p.Name, &p.ResourceType, &p.Action, &p.Effect)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan permission: %w", err)
	}
	return &p, nil
}

// CreatePermission inserts a permission under the current tenant context.
func CreatePermission(ctx context.Context, conn *pgxpool.Conn, p *Permission) (*Permission, error) {
	return scanPermission(conn.QueryRow(ctx,
		`INSERT INTO permissions (organization_id, name, resource_type, action, effect)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+permissionColumns,
		p.OrganizationID, p.Name, p.ResourceType, p.Action, p.Effect,
	))
}

// GetPermissionsForRoles retrieves every permission bound (via role_permissions)
// to any of the given role ids. The role resolver calls this once per
// decision with the full ancestor-inclusive role set.
func GetPermissionsForRoles(ctx context.Context, conn *pgxpool.Conn, roleIDs []string) ([]*Permission, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	rows, err := conn.Query(ctx,
		`SELECT p.id, p.organization_id, p.name, p.resource_type, p.action, p.effect
		 FROM permissions p
		 JOIN role_permissions rp ON rp.permission_id = p.id
		 WHERE rp.role_id = ANY($1)`,
		roleIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query role permissions: %w", err)
	}
	defer rows.Close()

	var perms []*Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// BindRolePermission links a role to a permission. Both must belong to the
// same organization; callers are expected to have checked this already
// (role.organizationId = permission.organizationId invariant).
func BindRolePermission(ctx context.Context, conn *pgxpool.Conn, roleID, permissionID string) error {
	_, err := conn.Exec(ctx,
		`INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`,
		roleID, permissionID,
	)
	if err != nil {
		return fmt.Errorf("storage: bind role permission: %w", err)
	}
	return nil
}
