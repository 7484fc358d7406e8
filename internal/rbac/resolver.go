// Package rbac resolves a user's effective permission set by walking the
// role hierarchy and applying the deny-beats-allow conflict rule.
package rbac

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jermoo/authority-edge/internal/storage"
)

// maxHierarchyDepth bounds the parent-role walk. Cycles are excluded by
// invariant at write time; this cap is a defense against any invariant
// breach, never expected to trigger in a healthy tenant.
const maxHierarchyDepth = 10

// Decision is the outcome of evaluating a permission set against one
// (action, resourceType) pair.
type Decision int

const (
	// NoMatch means neither an allow nor a deny permission matched; the
	// caller must fall through to the policy engine.
	NoMatch Decision = iota
	Allow
	Deny
)

// Resolver computes effective permissions for a user.
type Resolver struct {
	Pool *pgxpool.Pool
}

// EffectivePermissions returns every *storage.Permission bound, directly or
// through inheritance, to roles assigned to userID and applicable to the
// given resource scope. resourceType/resourceID may be empty to match only
// global (non-scoped) assignments plus any assignment scoped to this exact
// resource.
func (r *Resolver) EffectivePermissions(ctx context.Context, conn *pgxpool.Conn, userID, resourceType, resourceID string) ([]*storage.Permission, error) {
	assignments, err := storage.ActiveAssignmentsForUser(ctx, conn, userID, resourceType, resourceID)
	if err != nil {
		return nil, fmt.Errorf("rbac: load assignments: %w", err)
	}
	if len(assignments) == 0 {
		return nil, nil
	}

	assignedRoleIDs := make([]string, 0, len(assignments))
	for _, a := range assignments {
		assignedRoleIDs = append(assignedRoleIDs, a.RoleID)
	}

	roleIDSet, err := r.collectRoleHierarchy(ctx, conn, assignedRoleIDs)
	if err != nil {
		return nil, err
	}

	roleIDs := make([]string, 0, len(roleIDSet))
	for id := range roleIDSet {
		roleIDs = append(roleIDs, id)
	}

	perms, err := storage.GetPermissionsForRoles(ctx, conn, roleIDs)
	if err != nil {
		return nil, fmt.Errorf("rbac: load permissions: %w", err)
	}
	return perms, nil
}

// collectRoleHierarchy walks upward from each assigned role through
// parentRoleId, up to maxHierarchyDepth, unioning every visited role id.
// Child roles union permissions from ancestors: including an ancestor's id
// in the set is what causes its permissions to be included below.
func (r *Resolver) collectRoleHierarchy(ctx context.Context, conn *pgxpool.Conn, assignedRoleIDs []string) (map[string]struct{}, error) {
	visited := make(map[string]struct{})
	frontier := append([]string{}, assignedRoleIDs...)

	for depth := 0; depth < maxHierarchyDepth && len(frontier) > 0; depth++ {
		unseen := make([]string, 0, len(frontier))
		for _, id := range frontier {
			if _, ok := visited[id]; !ok {
				unseen = append(unseen, id)
			}
		}
		if len(unseen) == 0 {
			break
		}

		roles, err := storage.GetRolesByIDs(ctx, conn, unseen)
		if err != nil {
			return nil, fmt.Errorf("rbac: load role chain: %w", err)
		}

		var next []string
		for _, role := range roles {
			visited[role.ID] = struct{}{}
			if role.ParentRoleID != nil {
				next = append(next, *role.ParentRoleID)
			}
		}
		frontier = next
	}

	return visited, nil
}

// Evaluate applies the conflict rule for a single (action, resourceType)
// pair over an effective permission set: an explicit deny beats any allow;
// absent a deny, any matching allow wins; absent both, NoMatch.
func Evaluate(perms []*storage.Permission, action, resourceType string) (Decision, *storage.Permission) {
	var matchedAllow *storage.Permission
	for _, p := range perms {
		if p.Action != action || p.ResourceType != resourceType {
			continue
		}
		if p.Effect == "deny" {
			return Deny, p
		}
		if p.Effect == "allow" && matchedAllow == nil {
			matchedAllow = p
		}
	}
	if matchedAllow != nil {
		return Allow, matchedAllow
	}
	return NoMatch, nil
}
