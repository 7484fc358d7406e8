package authn

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/jermoo/authority-edge/internal/apierr"
	"github.com/jermoo/authority-edge/internal/jwks"
	"github.com/jermoo/authority-edge/internal/tenancy"
)

// tenantClaims is the custom claim shape this service validates, layered on
// top of the standard registered claims.
type tenantClaims struct {
	jwt.Claims
	OrganizationID string   `json:"organization_id"`
	Email          string   `json:"email,omitempty"`
	Roles          []string `json:"roles,omitempty"`
}

// BearerJWTStrategy validates `Authorization: Bearer <token>` against a JWK
// Keystore and just-in-time provisions the corresponding user.
type BearerJWTStrategy struct {
	Keystore  *jwks.Keystore
	Pool      *pgxpool.Pool
	Issuer    string
	Audience  string
	ClockSkew time.Duration
}

func (s *BearerJWTStrategy) Applies(r *http.Request) bool {
	return r.Header.Get("Authorization") != ""
}

func (s *BearerJWTStrategy) Resolve(ctx context.Context, r *http.Request) (*Principal, error) {
	authHeader := r.Header.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil, apierr.New(apierr.KindJwtSignatureInvalid, "authorization header is not a bearer token")
	}
	raw := parts[1]

	token, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.RS256, jose.ES256})
	if err != nil {
		return nil, apierr.Wrap(apierr.KindJwtSignatureInvalid, "malformed token", err)
	}

	var kid string
	if len(token.Headers) > 0 {
		kid = token.Headers[0].KeyID
	}

	keySet, err := s.Keystore.VerifierFor(ctx, kid)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindJwtSignatureInvalid, "key set unavailable", err)
	}

	var claims tenantClaims
	verified := false
	candidates := keySet.Keys
	if kid != "" {
		if byKid := keySet.Key(kid); len(byKid) > 0 {
			candidates = byKid
		}
	}
	for _, key := range candidates {
		if err := token.Claims(key, &claims); err == nil {
			verified = true
			break
		}
	}
	if !verified {
		return nil, apierr.New(apierr.KindJwtSignatureInvalid, "no candidate key verified the signature")
	}

	expected := jwt.Expected{
		Issuer:      s.Issuer,
		AnyAudience: jwt.Audience{s.Audience},
		Time:        time.Now(),
	}
	if err := claims.Claims.ValidateWithLeeway(expected, s.ClockSkew); err != nil {
		return nil, classifyClaimsError(err)
	}

	if claims.Subject == "" {
		return nil, apierr.MissingClaim("sub")
	}
	if claims.OrganizationID == "" {
		return nil, apierr.MissingClaim("organization_id")
	}

	if err := tenancy.RequireActiveOrganization(ctx, s.Pool, claims.OrganizationID); err != nil {
		return nil, err
	}

	var principal *Principal
	err = tenancy.Run(ctx, s.Pool, claims.OrganizationID, func(conn *pgxpool.Conn) error {
		user, err := ensureUserProvisioned(ctx, conn, provisioningInput{
			ExternalSubjectID: claims.Subject,
			OrganizationID:    claims.OrganizationID,
			Email:             claims.Email,
		})
		if err != nil {
			return err
		}
		principal = &Principal{
			UserID:         user.ID,
			Subject:        claims.Subject,
			OrganizationID: claims.OrganizationID,
			Roles:          claims.Roles,
			Method:         "jwt",
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Debug().Str("user_id", principal.UserID).Str("organization_id", principal.OrganizationID).Msg("authn: bearer principal resolved")
	return principal, nil
}

// classifyClaimsError maps go-jose's claim validation sentinel errors
// (expired, not yet valid, audience, issuer) onto the specific Kind the
// caller surfaces; any other error is reported as JwtSignatureInvalid.
func classifyClaimsError(err error) *apierr.Error {
	switch err {
	case jwt.ErrExpired:
		return apierr.New(apierr.KindJwtExpired, "token expired")
	case jwt.ErrNotValidYet:
		return apierr.New(apierr.KindJwtExpired, "token not yet valid")
	case jwt.ErrInvalidAudience:
		return apierr.New(apierr.KindJwtAudienceMismatch, "audience mismatch")
	case jwt.ErrInvalidIssuer:
		return apierr.New(apierr.KindJwtIssuerMismatch, "issuer mismatch")
	default:
		return apierr.Wrap(apierr.KindJwtSignatureInvalid, "claims validation failed", err)
	}
}
