package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditRecord is an append-only entry in the audit log. Never mutated.
// Range-partitioned on timestamp; primary key is (id, timestamp).
type AuditRecord struct {
	ID             string
	OrganizationID string
	EventType      string
	Actor          string
	ResourceType   string
	ResourceID     string
	Action         string
	Decision       string // allow, deny, error, success, failure
	DecisionReason string
	IPAddress      string
	UserAgent      string
	RequestDigest  string
	Timestamp      time.Time
}

// InsertAuditRecords batch-inserts audit records via pgx.Batch. Called by
// the audit pipeline's workers, never on the request hot path. Uses the
// package-level DB pool directly (not a tenant-scoped connection): audit
// writes span every tenant and the pipeline is the only writer, so there is
// no caller to isolate against (see migrations/0004_audit_log.sql).
func InsertAuditRecords(ctx context.Context, pool *pgxpool.Pool, records []AuditRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(
			`INSERT INTO audit_log
			 (id, organization_id, event_type, actor, resource_type, resource_id, action, decision, decision_reason, ip_address, user_agent, request_digest, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			r.ID, r.OrganizationID, r.EventType, r.Actor, r.ResourceType, r.ResourceID, r.Action,
			r.Decision, r.DecisionReason, r.IPAddress, r.UserAgent, r.RequestDigest, r.Timestamp,
		)
	}

	results := pool.SendBatch(ctx, batch)
	defer results.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("storage: insert audit record %d of %d: %w", i+1, batch.Len(), err)
		}
	}
	return nil
}

// AuditLogFilters filters an audit record query by administrative callers.
type AuditLogFilters struct {
	OrganizationID string
	EventType      string
	Actor          string
	StartTime      time.Time
	EndTime        time.Time
	Limit          int
	Offset         int
}

// ListAuditLog retrieves audit records matching the given filters, most
// recent first. This is an administrative read path, not on the decision
// hot path.
func ListAuditLog(ctx context.Context, pool *pgxpool.Pool, f AuditLogFilters) ([]AuditRecord, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := pool.Query(ctx,
		`SELECT id, organization_id, event_type, actor, resource_type, resource_id, action, decision, decision_reason, ip_address, user_agent, request_digest, timestamp
		 FROM audit_log
		 WHERE organization_id = $1
		   AND ($2 = '' OR event_type = $2)
		   AND ($3 = '' OR actor = $3)
		   AND ($4::timestamptz IS NULL OR timestamp >= $4)
		   AND ($5::timestamptz IS NULL OR timestamp <= $5)
		 ORDER BY timestamp DESC
		 LIMIT $6 OFFSET $7`,
		f.OrganizationID, f.EventType, f.Actor, nullableTime(f.StartTime), nullableTime(f.EndTime), limit, f.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query audit log: %w", err)
	}
	defer rows.Close()

	var records []AuditRecord
	for rows.Next() {
		var r AuditRecord
		if err := rows.Scan(&r.ID, &r.OrganizationID, &r.EventType, &r.Actor, &r.ResourceType, &r.ResourceID,
			&r.Action, &r.Decision, &r.DecisionReason, &r.IPAddress, &r.UserAgent, &r.RequestDigest, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("storage: scan audit record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
