package httpapi

import (
	"net/http"

	"github.com/jermoo/authority-edge/internal/authn"
)

// ResolvePrincipal runs credential resolution and attaches the result to
// the request context for downstream handlers. An unresolvable credential
// short-circuits with a problem document rather than reaching the handler.
func ResolvePrincipal(resolver *authn.Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := resolver.Resolve(r.Context(), r)
			if err != nil {
				writeProblem(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}
