// Package tenancy is the storage-boundary gate: every query against a
// tenant-scoped table is issued over a connection that has first had its
// session-local tenant id set, so row-level security confines it to one
// organization. No code outside this package may acquire a tenant-scoped
// connection.
package tenancy

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jermoo/authority-edge/internal/apierr"
	"github.com/jermoo/authority-edge/internal/storage"
)

// WithConn acquires a pooled connection and sets app.tenant_id for the
// duration of the connection's session, scoping every subsequent
// row-level-security-protected query to organizationID. The caller must
// release the returned connection.
func WithConn(ctx context.Context, pool *pgxpool.Pool, organizationID string) (*pgxpool.Conn, error) {
	if organizationID == "" {
		return nil, apierr.New(apierr.KindTenancyViolation, "empty organization id")
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindStorageUnavailable, "acquire connection", err)
	}

	if _, err := conn.Exec(ctx, "SET LOCAL app.tenant_id = $1", organizationID); err != nil {
		conn.Release()
		return nil, apierr.Wrap(apierr.KindStorageUnavailable, "set tenant context", err)
	}

	return conn, nil
}

// Run acquires a tenant-scoped connection, invokes fn, and always releases
// the connection afterward.
func Run(ctx context.Context, pool *pgxpool.Pool, organizationID string, fn func(conn *pgxpool.Conn) error) error {
	conn, err := WithConn(ctx, pool, organizationID)
	if err != nil {
		return err
	}
	defer conn.Release()
	return fn(conn)
}

// RequireSameOrganization enforces that a request targeting resourceOrgID
// can only be served by a principal authenticated for principalOrgID. Any
// mismatch is a tenant isolation breach, never partially honored.
func RequireSameOrganization(principalOrgID, resourceOrgID string) error {
	if principalOrgID == "" || resourceOrgID == "" {
		return apierr.New(apierr.KindCrossTenantRequest, "organization id missing")
	}
	if principalOrgID != resourceOrgID {
		return apierr.New(apierr.KindCrossTenantRequest,
			fmt.Sprintf("principal scoped to organization %s, request targets %s", principalOrgID, resourceOrgID))
	}
	return nil
}

// RequireActiveOrganization fails closed if the organization does not exist
// or is not active. No operation proceeds against a suspended tenant.
func RequireActiveOrganization(ctx context.Context, pool *pgxpool.Pool, organizationID string) error {
	active, err := storage.IsOrganizationActive(ctx, pool, organizationID)
	if err != nil {
		return apierr.Wrap(apierr.KindStorageUnavailable, "check organization status", err)
	}
	if !active {
		return apierr.New(apierr.KindTenancyViolation, "organization is not active")
	}
	return nil
}
