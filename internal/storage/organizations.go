package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Organization is the tenant root. It carries no RLS policy of its own: the
// API-key strategy and JIT user provisioning must resolve an organization
// before any tenant context can be set on the connection.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"` // 'active', 'suspended', 'deleted'
	CreatedAt time.Time `json:"created_at"`
}

// GetOrganizationByID retrieves an organization by ID.
// Returns ErrNotFound if it does not exist.
func GetOrganizationByID(ctx context.Context, pool *pgxpool.Pool, id string) (*Organization, error) {
	var o Organization
	err := pool.QueryRow(ctx,
		`SELECT id, name, status, created_at FROM organizations WHERE id = $1`,
		id,
	).Scan(&o.ID, &o.Name, &o.Status, &o.CreatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: query organization: %w", err)
	}
	return &o, nil
}

// IsOrganizationActive reports whether the organization exists and its
// status is "active". A suspended or deleted organization's principals
// must never pass the tenancy gate.
func IsOrganizationActive(ctx context.Context, pool *pgxpool.Pool, id string) (bool, error) {
	org, err := GetOrganizationByID(ctx, pool, id)
	if err != nil {
		return false, err
	}
	return org.Status == "active", nil
}

// CreateOrganization creates a new organization.
func CreateOrganization(ctx context.Context, pool *pgxpool.Pool, o *Organization) (*Organization, error) {
	var created Organization
	err := pool.QueryRow(ctx,
		`INSERT INTO organizations (name, status) VALUES ($1, COALESCE(NULLIF($2, ''), 'active'))
		 RETURNING id, name, status, created_at`,
		o.Name, o.Status,
	).Scan(&created.ID, &created.Name, &created.Status, &created.CreatedAt)

	if err != nil {
		return nil, fmt.Errorf("storage: insert organization: %w", err)
	}
	return &created, nil
}
