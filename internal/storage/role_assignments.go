package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RoleAssignment grants a role to a user, optionally scoped to one
// resource and optionally time-limited.
type RoleAssignment struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	RoleID       string     `json:"role_id"`
	ResourceType *string    `json:"resource_type,omitempty"`
	ResourceID   *string    `json:"resource_id,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	GrantedBy    *string    `json:"granted_by,omitempty"`
	GrantedAt    time.Time  `json:"granted_at"`
}

const roleAssignmentColumns = `id, user_id, role_id, resource_type, resource_id, expires_at, granted_by, granted_at`

func scanRoleAssignment(row pgx.Row) (*RoleAssignment, error) {
	var a RoleAssignment
	err := row.Scan(&a.ID, &a.UserID, &a.RoleID, &a.ResourceType, &a.ResourceID, &a.ExpiresAt, &a.GrantedBy, &a.GrantedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan role assignment: %w", err)
	}
	return &a, nil
}

// ActiveAssignmentsForUser retrieves role assignments for a user that are
// not expired and are either global (resourceType/ID null) or match the
// given resource scope. This is the first step of role resolution
// (spec §4.5 step 1).
func ActiveAssignmentsForUser(ctx context.Context, conn *pgxpool.Conn, userID, resourceType, resourceID string) ([]*RoleAssignment, error) {
	rows, err := conn.Query(ctx,
		`SELECT `+roleAssignmentColumns+`
		 FROM role_assignments
		 WHERE user_id = $1
		   AND (expires_at IS NULL OR expires_at > now())
		   AND (
		     (resource_type IS NULL AND resource_id IS NULL)
		     OR (resource_type = $2 AND resource_id = $3)
		   )`,
		userID, resourceType, resourceID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query role assignments: %w", err)
	}
	defer rows.Close()

	var assignments []*RoleAssignment
	for rows.Next() {
		a, err := scanRoleAssignment(rows)
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

// CreateRoleAssignment inserts a role assignment under the current tenant
// context. Returns ErrAlreadyExists-equivalent via a unique-violation error
// from Postgres if the same (user, role, resourceType, resourceId) tuple
// already exists (spec invariant: appears at most once).
func CreateRoleAssignment(ctx context.Context, conn *pgxpool.Conn, a *RoleAssignment) (*RoleAssignment, error) {
	return scanRoleAssignment(conn.QueryRow(ctx,
		`INSERT INTO role_assignments (user_id, role_id, resource_type, resource_id, expires_at, granted_by)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+roleAssignmentColumns,
		a.UserID, a.RoleID, a.ResourceType, a.ResourceID, a.ExpiresAt, a.GrantedBy,
	))
}

// DeleteRoleAssignment removes a single role assignment (role revocation).
func DeleteRoleAssignment(ctx context.Context, conn *pgxpool.Conn, id string) error {
	tag, err := conn.Exec(ctx, `DELETE FROM role_assignments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete role assignment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
