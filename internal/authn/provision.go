package authn

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/jermoo/authority-edge/internal/storage"
)

type provisioningInput struct {
	ExternalSubjectID string
	OrganizationID    string
	Email             string
}

// ensureUserProvisioned resolves the user behind a validated bearer token,
// just-in-time creating it on first sight. Match order: external subject id,
// then email (attaching the subject id so future requests hit the fast
// path), then create. conn must already carry the tenant context for
// organizationID.
func ensureUserProvisioned(ctx context.Context, conn *pgxpool.Conn, in provisioningInput) (*storage.User, error) {
	if in.ExternalSubjectID == "" {
		return nil, fmt.Errorf("authn: external subject id required for provisioning")
	}

	user, err := storage.GetUserByExternalSubjectID(ctx, conn, in.ExternalSubjectID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("authn: lookup user by subject: %w", err)
	}

	if in.Email != "" {
		user, err = storage.GetUserByEmail(ctx, conn, in.Email)
		if err == nil {
			attached, err := storage.AttachExternalSubjectID(ctx, conn, user.ID, in.ExternalSubjectID)
			if err != nil {
				return nil, fmt.Errorf("authn: attach subject to existing user: %w", err)
			}
			log.Info().Str("user_id", attached.ID).Str("organization_id", in.OrganizationID).Msg("authn: attached external subject to matched user")
			return attached, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("authn: lookup user by email: %w", err)
		}
	}

	subjectID := in.ExternalSubjectID
	created, err := storage.CreateUser(ctx, conn, &storage.User{
		OrganizationID:    in.OrganizationID,
		Email:             in.Email,
		ExternalSubjectID: &subjectID,
		Status:            "active",
	})
	if err != nil {
		return nil, fmt.Errorf("authn: create user: %w", err)
	}
	log.Info().Str("user_id", created.ID).Str("organization_id", in.OrganizationID).Msg("authn: just-in-time provisioned new user")
	return created, nil
}
