package authn

import (
	"context"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/jermoo/authority-edge/internal/apierr"
	"github.com/jermoo/authority-edge/internal/auth"
	"github.com/jermoo/authority-edge/internal/storage"
	"github.com/jermoo/authority-edge/internal/tenancy"
)

// APIKeyStrategy validates the `X-API-Key` header against stored,
// bcrypt-hashed keys. Resolved principals carry no userId, only the fixed
// APIClientRole.
type APIKeyStrategy struct {
	Pool *pgxpool.Pool
}

func (s *APIKeyStrategy) Applies(r *http.Request) bool {
	return r.Header.Get("X-API-Key") != ""
}

func (s *APIKeyStrategy) Resolve(ctx context.Context, r *http.Request) (*Principal, error) {
	raw := r.Header.Get("X-API-Key")
	prefix := auth.ExtractAPIKeyPrefix(raw)

	candidates, err := storage.CandidateAPIKeysByPrefix(ctx, s.Pool, prefix)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindStorageUnavailable, "look up api key", err)
	}

	var matched *storage.APIKey
	for _, c := range candidates {
		if auth.VerifyAPIKey(raw, c.KeyHash) {
			matched = c
			break
		}
	}
	if matched == nil {
		return nil, apierr.New(apierr.KindApiKeyUnknown, "api key not recognized")
	}

	if err := tenancy.RequireActiveOrganization(ctx, s.Pool, matched.OrganizationID); err != nil {
		return nil, err
	}

	log.Debug().Str("api_key_id", matched.ID).Str("organization_id", matched.OrganizationID).Msg("authn: api key principal resolved")
	return &Principal{
		APIKeyID:       matched.ID,
		OrganizationID: matched.OrganizationID,
		Roles:          []string{APIClientRole},
		Method:         "api_key",
	}, nil
}
