package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// User is an authenticated subject scoped to exactly one organization.
type User struct {
	ID                string          `json:"id"`
	OrganizationID    string          `json:"organization_id"`
	Email             string          `json:"email"`
	ExternalSubjectID *string         `json:"external_subject_id,omitempty"`
	Status            string          `json:"status"` // active, inactive, suspended, deleted
	Attributes        json.RawMessage `json:"attributes,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

const userColumns = `id, organization_id, email, external_subject_id, status, attributes, created_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.OrganizationID, &u.Email, &u.ExternalSubjectID, &u.Status, &u.Attributes, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan user: %w", err)
	}
	return &u, nil
}

// GetUserByExternalSubjectID retrieves a user by the identity provider's
// subject claim. Returns ErrNotFound if no user carries that subject.
// Subject to RLS: the tenant context (app.tenant_id) must be set first.
func GetUserByExternalSubjectID(ctx context.Context, conn *pgxpool.Conn, externalSubjectID string) (*User, error) {
	return scanUser(conn.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE external_subject_id = $1`,
		externalSubjectID,
	))
}

// GetUserByEmail retrieves a user within the current tenant by email.
func GetUserByEmail(ctx context.Context, conn *pgxpool.Conn, email string) (*User, error) {
	return scanUser(conn.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`,
		email,
	))
}

// GetUserByID retrieves a user by internal ID. Subject to RLS.
func GetUserByID(ctx context.Context, conn *pgxpool.Conn, id string) (*User, error) {
	return scanUser(conn.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`,
		id,
	))
}

// CreateUser creates a new user under the current tenant context.
func CreateUser(ctx context.Context, conn *pgxpool.Conn, u *User) (*User, error) {
	status := u.Status
	if status == "" {
		status = "active"
	}
	attrs := u.Attributes
	if attrs == nil {
		attrs = json.RawMessage("{}")
	}
	return scanUser(conn.QueryRow(ctx,
		`INSERT INTO users (organization_id, email, external_subject_id, status, attributes)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+userColumns,
		u.OrganizationID, u.Email, u.ExternalSubjectID, status, attrs,
	))
}

// AttachExternalSubjectID sets external_subject_id on a user that was
// matched by email but has never had a subject claim attached. Per the data
// model invariant, external_subject_id is set at most once per user and
// never reused; callers must only invoke this when the field is currently
// nil.
func AttachExternalSubjectID(ctx context.Context, conn *pgxpool.Conn, userID, externalSubjectID string) (*User, error) {
	return scanUser(conn.QueryRow(ctx,
		`UPDATE users SET external_subject_id = $2 WHERE id = $1 AND external_subject_id IS NULL
		 RETURNING `+userColumns,
		userID, externalSubjectID,
	))
}

// ListUsersByOrganization retrieves all users for the current tenant.
func ListUsersByOrganization(ctx context.Context, conn *pgxpool.Conn) ([]*User, error) {
	rows, err := conn.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("storage: query users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
