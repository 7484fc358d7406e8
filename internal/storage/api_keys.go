package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// APIKey is a bcrypt-hashed credential mapped to exactly one organization.
// Lookup happens before any tenant context is known, so this table carries
// no RLS (see migrations/0001_initial_schema.sql).
type APIKey struct {
	ID             string
	OrganizationID string
	KeyPrefix      string
	KeyHash        string
	Description    string
	Status         string // active, revoked
	CreatedAt      time.Time
}

// CandidateAPIKeysByPrefix returns the (typically one) active API keys
// whose indexed prefix matches, for the caller to bcrypt-compare against.
// Prefix indexing avoids a full-table bcrypt scan on every request.
func CandidateAPIKeysByPrefix(ctx context.Context, pool *pgxpool.Pool, prefix string) ([]*APIKey, error) {
	rows, err := pool.Query(ctx,
		`SELECT id, organization_id, key_prefix, key_hash, description, status, created_at
		 FROM api_keys WHERE key_prefix = $1 AND status = 'active'`,
		prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query api keys by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		var k APIKey
		if err := rows.Scan(&k.ID, &k.OrganizationID, &k.KeyPrefix, &k.KeyHash, &k.Description, &k.Status, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// CreateAPIKey inserts a new API key record. The caller supplies the
// bcrypt hash; the raw key is never stored or logged.
func CreateAPIKey(ctx context.Context, pool *pgxpool.Pool, k *APIKey) (*APIKey, error) {
	var created APIKey
	err := pool.QueryRow(ctx,
		`INSERT INTO api_keys (organization_id, key_prefix, key_hash, description, status)
		 VALUES ($1, $2, $3, $4, 'active')
		 RETURNING id, organization_id, key_prefix, key_hash, description, status, created_at`,
		k.OrganizationID, k.KeyPrefix, k.KeyHash, k.Description,
	).Scan(&created.ID, &created.OrganizationID, &created.KeyPrefix, &created.KeyHash, &created.Description, &created.Status, &created.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("storage: insert api key: %w", err)
	}
	return &created, nil
}

// RevokeAPIKey marks a key revoked. Revoked keys never match in
// CandidateAPIKeysByPrefix.
func RevokeAPIKey(ctx context.Context, pool *pgxpool.Pool, id string) error {
	tag, err := pool.Exec(ctx, `UPDATE api_keys SET status = 'revoked' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
