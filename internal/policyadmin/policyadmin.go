// Package policyadmin exposes administrative CRUD over policies and their
// versions: every mutation that can change a decision outcome is followed
// by a cache invalidation, per the coherence rule that no stale cached
// decision may outlive the write that invalidated it.
package policyadmin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/jermoo/authority-edge/internal/apierr"
	"github.com/jermoo/authority-edge/internal/cache"
	"github.com/jermoo/authority-edge/internal/httpapi"
	"github.com/jermoo/authority-edge/internal/storage"
	"github.com/jermoo/authority-edge/internal/tenancy"
)

// Handler serves the policy administration surface.
type Handler struct {
	Pool  *pgxpool.Pool
	Cache *cache.Cache
}

type createPolicyBody struct {
	Name string `json:"name"`
}

// CreatePolicy creates a draft policy scoped to the caller's organization.
func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	principal, ok := httpapi.PrincipalFromContext(r.Context())
	if !ok {
		writeProblem(w, apierr.New(apierr.KindCredentialAbsent, "no authenticated principal"))
		return
	}

	var body createPolicyBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeProblem(w, apierr.New(apierr.KindInvalidRequest, "name is required"))
		return
	}

	var policy *storage.Policy
	err := tenancy.Run(r.Context(), h.Pool, principal.OrganizationID, func(conn *pgxpool.Conn) error {
		var err error
		policy, err = storage.CreatePolicy(r.Context(), conn, &storage.Policy{
			OrganizationID: principal.OrganizationID,
			Name:           body.Name,
		})
		return err
	})
	if err != nil {
		writeProblem(w, apierr.Wrap(apierr.KindStorageUnavailable, "create policy", err))
		return
	}
	writeJSON(w, http.StatusCreated, policy)
}

type createVersionBody struct {
	Content string `json:"content"`
	Version int    `json:"version"`
}

// CreateVersion adds a new pending content revision to an existing policy.
func (h *Handler) CreateVersion(w http.ResponseWriter, r *http.Request) {
	principal, ok := httpapi.PrincipalFromContext(r.Context())
	if !ok {
		writeProblem(w, apierr.New(apierr.KindCredentialAbsent, "no authenticated principal"))
		return
	}

	policyID := chi.URLParam(r, "policyId")
	var body createVersionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Content == "" || body.Version <= 0 {
		writeProblem(w, apierr.New(apierr.KindInvalidRequest, "content and a positive version are required"))
		return
	}

	var version *storage.PolicyVersion
	err := tenancy.Run(r.Context(), h.Pool, principal.OrganizationID, func(conn *pgxpool.Conn) error {
		if _, err := storage.GetPolicyByID(r.Context(), conn, policyID); err != nil {
			return err
		}
		var err error
		version, err = storage.CreatePolicyVersion(r.Context(), conn, policyID, body.Version, body.Content)
		if err != nil {
			return err
		}
		// Content validity is decided out-of-band (by the policy engine's own
		// validation endpoint, not modeled here); for a directly authored
		// version this administrative path marks it valid immediately so it
		// becomes publishable.
		return storage.MarkVersionValidated(r.Context(), conn, policyID, body.Version, true)
	})
	if err != nil {
		writeProblem(w, apierr.Wrap(apierr.KindStorageUnavailable, "create policy version", err))
		return
	}
	writeJSON(w, http.StatusCreated, version)
}

// PublishVersion flips a validated version live and invalidates every
// cached decision for the organization, since any previously-cached ALLOW
// or DENY may no longer reflect the newly published policy content.
func (h *Handler) PublishVersion(w http.ResponseWriter, r *http.Request) {
	principal, ok := httpapi.PrincipalFromContext(r.Context())
	if !ok {
		writeProblem(w, apierr.New(apierr.KindCredentialAbsent, "no authenticated principal"))
		return
	}

	policyID := chi.URLParam(r, "policyId")
	versionParam := chi.URLParam(r, "versionId")
	version, ok := parsePositiveInt(versionParam)
	if !ok {
		writeProblem(w, apierr.New(apierr.KindInvalidRequest, "versionId must be a positive integer"))
		return
	}

	var policy *storage.Policy
	err := tenancy.Run(r.Context(), h.Pool, principal.OrganizationID, func(conn *pgxpool.Conn) error {
		var err error
		policy, err = storage.PublishPolicyVersion(r.Context(), conn, policyID, version, principal.UserID)
		return err
	})
	if err != nil {
		writeProblem(w, apierr.Wrap(apierr.KindStorageUnavailable, "publish policy version", err))
		return
	}

	// Cache invalidation happens after the storage commit, never before:
	// a reader between commit and invalidation sees a consistent, if
	// momentarily cached-stale, view — never a phantom invalidation for a
	// write that then fails.
	h.Cache.InvalidateOrganization(r.Context(), principal.OrganizationID)

	writeJSON(w, http.StatusOK, policy)
}

func parsePositiveInt(s string) (int, bool) {
	n := 0
	if s == "" {
		return 0, false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, n > 0
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("policyadmin: failed to encode response")
	}
}

func writeProblem(w http.ResponseWriter, err error) {
	apiErr, ok := apierr.As(err)
	if !ok {
		apiErr = apierr.New(apierr.KindStorageUnavailable, "internal error")
	}
	doc := apierr.ToProblemDocument(apiErr)
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(apierr.HTTPStatus(apiErr.Kind))
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		log.Error().Err(err).Msg("policyadmin: failed to encode problem document")
	}
}
