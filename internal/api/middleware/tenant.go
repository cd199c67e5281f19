package middleware

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/wedosoft/supportrag/internal/tenant"
)

// Tenant resolves the tenant context from the request (header, bearer
// claim, forwarded host, configured default, in that order) and stores
// it in the request context. Resolution failure does not reject here:
// handlers that need a tenant surface InvalidTenant themselves, so
// tenant-free endpoints like /health stay reachable.
func Tenant(defaultDomain string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tc, err := tenant.Resolve(r.Header, defaultDomain)
			if err != nil {
				log.Debug().Err(err).Str("path", r.URL.Path).Msg("no tenant context on request")
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(tenant.Into(r.Context(), tc)))
		})
	}
}
