// Package tenant derives and validates tenant identity for every request.
//
// Resolution order: explicit X-Tenant-Id header, bearer token "tid" claim,
// host domain subdomain, then the TENANT_DOMAIN config fallback. The
// resolved Context is an immutable value threaded through every downstream
// call; no component reads an ambient global tenant.
package tenant

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"regexp"
	"strings"

	"github.com/wedosoft/supportrag/pkg/faults"
)

// HeaderTenant is the preferred tenant header.
const HeaderTenant = "X-Tenant-Id"

// HeaderPlatform selects the help-desk platform; defaults to freshdesk.
const HeaderPlatform = "X-Platform-Id"

// DefaultPlatform is used when no platform header or domain hint exists.
const DefaultPlatform = "freshdesk"

var idPattern = regexp.MustCompile(`^[a-z0-9-]{2,}$`)

// reserved tenant ids are rejected everywhere. These collide with demo
// fixtures and documentation examples.
var reserved = map[string]bool{
	"demo":      true,
	"test":      true,
	"example":   true,
	"sample":    true,
	"localhost": true,
	"admin":     true,
}

// Context is the immutable tenant identity attached to every operation.
type Context struct {
	TenantID string
	Platform string
}

// Validate checks a tenant id against the pattern and reserved set.
func Validate(id string) error {
	if !idPattern.MatchString(id) {
		return faults.Newf(faults.InvalidTenant, "tenant id %q does not match ^[a-z0-9-]{2,}$", id)
	}
	if reserved[id] {
		return faults.Newf(faults.InvalidTenant, "tenant id %q is reserved", id)
	}
	return nil
}

// FromDomain extracts and normalizes the tenant subdomain from a host of
// the form <tenant>.<platform>.com. Returns empty strings when the host
// does not have that shape.
func FromDomain(host string) (tenantID, platform string) {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, found := strings.Cut(host, ":"); found {
		host = h
	}
	parts := strings.Split(host, ".")
	if len(parts) < 3 {
		return "", ""
	}
	return parts[0], parts[1]
}

// Resolve derives the tenant context from request headers, falling back to
// the configured default domain. Fails with InvalidTenant when the
// resolved id does not validate.
func Resolve(h http.Header, defaultDomain string) (Context, error) {
	platform := strings.ToLower(strings.TrimSpace(h.Get(HeaderPlatform)))

	id := strings.ToLower(strings.TrimSpace(h.Get(HeaderTenant)))

	if id == "" {
		id = tenantFromBearer(h.Get("Authorization"))
	}

	if id == "" {
		if dt, dp := FromDomain(h.Get("X-Forwarded-Host")); dt != "" {
			id = dt
			if platform == "" {
				platform = dp
			}
		}
	}

	if id == "" && defaultDomain != "" {
		if dt, dp := FromDomain(defaultDomain); dt != "" {
			id = dt
			if platform == "" {
				platform = dp
			}
		} else {
			id = strings.ToLower(defaultDomain)
		}
	}

	if id == "" {
		return Context{}, faults.New(faults.InvalidTenant, "no tenant identity in request")
	}
	if err := Validate(id); err != nil {
		return Context{}, err
	}
	if platform == "" {
		platform = DefaultPlatform
	}
	return Context{TenantID: id, Platform: platform}, nil
}

// tenantFromBearer pulls the "tid" claim out of a bearer JWT payload.
// Signature verification belongs to the gateway in front of this service;
// the claim is only an identity hint and still passes Validate.
func tenantFromBearer(authz string) string {
	token, found := strings.CutPrefix(authz, "Bearer ")
	if !found {
		return ""
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return ""
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return ""
	}
	var claims struct {
		TID string `json:"tid"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(claims.TID))
}

// ── Request context plumbing ─────────────────────────────────

type ctxKey struct{}

// Into returns a child context carrying the tenant identity.
func Into(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// From retrieves the tenant identity from a request context.
func From(ctx context.Context) (Context, bool) {
	tc, ok := ctx.Value(ctxKey{}).(Context)
	return tc, ok
}

// MustFrom retrieves the tenant identity or fails with InvalidTenant.
func MustFrom(ctx context.Context) (Context, error) {
	tc, ok := From(ctx)
	if !ok || tc.TenantID == "" {
		return Context{}, faults.New(faults.InvalidTenant, "no tenant in request context")
	}
	return tc, nil
}
