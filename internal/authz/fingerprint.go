package authz

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jermoo/authority-edge/internal/config"
)

// fingerprint builds the deterministic cache key for a decision request:
// "<orgId>:<principalId>:<action>:<resourceType>:<resourceId>", optionally
// extended with sorted "key=value" context pairs when context folding is
// enabled. Folding is off by default (spec §9 open question): turning it on
// trades cache hit rate for context-sensitive correctness, so it must be an
// explicit opt-in, never silently enabled.
func fingerprint(organizationID, principalID string, req Request) string {
	var b strings.Builder
	b.WriteString(organizationID)
	b.WriteByte(':')
	b.WriteString(principalID)
	b.WriteByte(':')
	b.WriteString(req.Action)
	b.WriteByte(':')
	b.WriteString(req.ResourceType)
	b.WriteByte(':')
	b.WriteString(req.ResourceID)

	if !config.FoldContextKeys() || len(req.Context) == 0 {
		return b.String()
	}

	keys := make([]string, 0, len(req.Context))
	for k := range req.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		b.WriteByte(':')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(toComparable(req.Context[k]))
	}
	return b.String()
}

func toComparable(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}
