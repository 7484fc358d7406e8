package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Policy is a named code artifact authored by admins and evaluated by the
// external policy engine.
type Policy struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
	Status         string `json:"status"` // draft, active, archived
	CurrentVersion int    `json:"current_version"`
}

// PolicyVersion is one immutable revision of a Policy's content.
type PolicyVersion struct {
	PolicyID         string     `json:"policy_id"`
	Version          int        `json:"version"`
	Content          string     `json:"content"`
	Checksum         string     `json:"checksum"`
	ValidationStatus string     `json:"validation_status"` // pending, valid, invalid
	PublishedAt      *time.Time `json:"published_at,omitempty"`
	PublishedBy      *string    `json:"published_by,omitempty"`
}

const policyColumns = `id, organization_id, name, status, current_version`

func scanPolicy(row pgx.Row) (*Policy, error) {
	var p Policy
	err := row.Scan(&p.ID, &p.OrganizationID, &p.Name, &p.Status, &p.CurrentVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan policy: %w", err)
	}
	return &p, nil
}

// GetPolicyByID retrieves a policy under the current tenant context.
func GetPolicyByID(ctx context.Context, conn *pgxpool.Conn, id string) (*Policy, error) {
	return scanPolicy(conn.QueryRow(ctx, `SELECT `+policyColumns+` FROM policies WHERE id = $1`, id))
}

// CreatePolicy inserts a new draft policy.
func CreatePolicy(ctx context.Context, conn *pgxpool.Conn, p *Policy) (*Policy, error) {
	return scanPolicy(conn.QueryRow(ctx,
		`INSERT INTO policies (organization_id, name, status) VALUES ($1, $2, 'draft')
		 RETURNING `+policyColumns,
		p.OrganizationID, p.Name,
	))
}

// ChecksumContent computes the content checksum stored alongside a version.
func ChecksumContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// CreatePolicyVersion inserts a new pending version of a policy. At most one
// version per (policyId, version) (unique constraint enforces this).
func CreatePolicyVersion(ctx context.Context, conn *pgxpool.Conn, policyID string, version int, content string) (*PolicyVersion, error) {
	var v PolicyVersion
	err := conn.QueryRow(ctx,
		`INSERT INTO policy_versions (policy_id, version, content, checksum, validation_status)
		 VALUES ($1, $2, $3, $4, 'pending')
		 RETURNING policy_id, version, content, checksum, validation_status, published_at, published_by`,
		policyID, version, content, ChecksumContent(content),
	).Scan(&v.PolicyID, &v.Version, &v.Content, &v.Checksum, &v.ValidationStatus, &v.PublishedAt, &v.PublishedBy)
	if err != nil {
		return nil, fmt.Errorf("storage: insert policy version: %w", err)
	}
	return &v, nil
}

// MarkVersionValidated sets a policy version's validation status.
func MarkVersionValidated(ctx context.Context, conn *pgxpool.Conn, policyID string, version int, valid bool) error {
	status := "invalid"
	if valid {
		status = "valid"
	}
	_, err := conn.Exec(ctx,
		`UPDATE policy_versions SET validation_status = $3 WHERE policy_id = $1 AND version = $2`,
		policyID, version, status,
	)
	if err != nil {
		return fmt.Errorf("storage: mark version validated: %w", err)
	}
	return nil
}

// PublishPolicyVersion flips a valid version live: sets published_at/by,
// updates the policy's current_version, and moves status to active. Callers
// must issue the organization-wide cache invalidation after this commits
// (spec §4.4 coherence rule, §5 "after the storage commit, never before").
func PublishPolicyVersion(ctx context.Context, conn *pgxpool.Conn, policyID string, version int, publishedBy string) (*Policy, error) {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin publish: %w", err)
	}
	defer tx.Rollback(ctx)

	var validationStatus string
	err = tx.QueryRow(ctx,
		`SELECT validation_status FROM policy_versions WHERE policy_id = $1 AND version = $2`,
		policyID, version,
	).Scan(&validationStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: lookup version: %w", err)
	}
	if validationStatus != "valid" {
		return nil, fmt.Errorf("storage: cannot publish version %d with validation status %q", version, validationStatus)
	}

	_, err = tx.Exec(ctx,
		`UPDATE policy_versions SET published_at = now(), published_by = $3 WHERE policy_id = $1 AND version = $2`,
		policyID, version, publishedBy,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: set published: %w", err)
	}

	p, err := scanPolicy(tx.QueryRow(ctx,
		`UPDATE policies SET status = 'active', current_version = $2 WHERE id = $1 RETURNING `+policyColumns,
		policyID, version,
	))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit publish: %w", err)
	}
	return p, nil
}
