package storage

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TestConn wraps a database connection for use in tests.
type TestConn struct {
	Conn *pgxpool.Conn
}

// SetupTestOrg initializes a database connection for integration tests,
// creating a fresh organization and setting its tenant context for RLS.
//
// Usage:
//
//	conn, orgID, cleanup := storage.SetupTestOrg(t)
//	defer cleanup()
//
// Requires DATABASE_URL environment variable. Tests are skipped if not set.
func SetupTestOrg(t *testing.T) (*TestConn, string, func()) {
	t.Helper()

	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("DATABASE_URL not set - skipping integration test")
	}

	ctx := context.Background()

	if DB == nil {
		if err := InitDB(ctx); err != nil {
			t.Fatalf("SetupTestOrg: failed to initialize database: %v", err)
		}
		if err := RunMigrations(ctx); err != nil {
			t.Fatalf("SetupTestOrg: failed to run migrations: %v", err)
		}
	}

	conn, err := DB.Acquire(ctx)
	if err != nil {
		t.Fatalf("SetupTestOrg: failed to acquire connection: %v", err)
	}

	org, err := CreateOrganization(ctx, DB, &Organization{Name: "test-org-" + GenerateID()[:8]})
	if err != nil {
		conn.Release()
		t.Fatalf("SetupTestOrg: failed to create test organization: %v", err)
	}

	// Session-level (not SET LOCAL) so it survives outside a transaction.
	_, err = conn.Exec(ctx, "SELECT set_config('app.tenant_id', $1, false)", org.ID)
	if err != nil {
		conn.Release()
		t.Fatalf("SetupTestOrg: failed to set tenant context: %v", err)
	}

	testConn := &TestConn{Conn: conn}

	cleanup := func() {
		conn.Release()
	}

	return testConn, org.ID, cleanup
}
