// Package vectorstore is the gateway to the shared Qdrant collection.
//
// Every tenant's points live in one collection; isolation is enforced by
// payload filtering. The gateway refuses any search or delete whose filter
// does not pin both tenant_id and platform, and post-verifies returned
// payloads as defense in depth.
package vectorstore

import (
	"encoding/json"

	"github.com/wedosoft/supportrag/pkg/faults"
)

// Payload field keys used in filters and index declarations.
const (
	FieldTenantID   = "tenant_id"
	FieldPlatform   = "platform"
	FieldObjectType = "object_type"
	FieldOriginalID = "original_id"
	FieldStatus     = "status"
	FieldPriority   = "priority"
	FieldCreatedAt  = "created_at"
	FieldTags       = "tags"
	FieldCategory   = "category"
)

// IntRange is an inclusive integer range condition; nil bounds are open.
type IntRange struct {
	GTE *int64 `json:"gte,omitempty"`
	LTE *int64 `json:"lte,omitempty"`
}

// Condition is one payload predicate: an equality match, a MatchAny over
// keywords, or an integer range. Exactly one of the three is set.
type Condition struct {
	Key      string
	Equals   any      // match value
	AnyOf    []string // MatchAny
	IntRange *IntRange
}

// Eq builds an equality condition.
func Eq(key string, value any) Condition { return Condition{Key: key, Equals: value} }

// Any builds a MatchAny condition over keyword values.
func Any(key string, values []string) Condition { return Condition{Key: key, AnyOf: values} }

// Range builds an integer range condition.
func Range(key string, gte, lte *int64) Condition {
	return Condition{Key: key, IntRange: &IntRange{GTE: gte, LTE: lte}}
}

// Filter is a structured payload predicate with the vector store's
// must/should/must_not semantics.
type Filter struct {
	Must    []Condition
	Should  []Condition
	MustNot []Condition
}

// TenantFilter starts a filter with the mandatory tenant conjunction.
func TenantFilter(tenantID, platform string) Filter {
	return Filter{Must: []Condition{
		Eq(FieldTenantID, tenantID),
		Eq(FieldPlatform, platform),
	}}
}

// With appends must conditions and returns the filter for chaining.
func (f Filter) With(conds ...Condition) Filter {
	f.Must = append(f.Must, conds...)
	return f
}

// requireTenant verifies the mandatory conjunction carries equality
// matches on both tenant_id and platform. Called at the gateway boundary
// before any network I/O.
func (f Filter) requireTenant() error {
	var hasTenant, hasPlatform bool
	for _, c := range f.Must {
		if c.Equals == nil {
			continue
		}
		switch c.Key {
		case FieldTenantID:
			if s, ok := c.Equals.(string); ok && s != "" {
				hasTenant = true
			}
		case FieldPlatform:
			if s, ok := c.Equals.(string); ok && s != "" {
				hasPlatform = true
			}
		}
	}
	if !hasTenant || !hasPlatform {
		return faults.New(faults.MissingTenantFilter, "filter must pin tenant_id and platform")
	}
	return nil
}

// tenantOf extracts the tenant id pinned by the filter.
func (f Filter) tenantOf() string {
	for _, c := range f.Must {
		if c.Key == FieldTenantID {
			if s, ok := c.Equals.(string); ok {
				return s
			}
		}
	}
	return ""
}

// ── Wire encoding ────────────────────────────────────────────

func (c Condition) MarshalJSON() ([]byte, error) {
	type match struct {
		Value any      `json:"value,omitempty"`
		Any   []string `json:"any,omitempty"`
	}
	out := map[string]any{"key": c.Key}
	switch {
	case c.IntRange != nil:
		out["range"] = c.IntRange
	case len(c.AnyOf) > 0:
		out["match"] = match{Any: c.AnyOf}
	default:
		out["match"] = match{Value: c.Equals}
	}
	return json.Marshal(out)
}

func (f Filter) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	if len(f.Must) > 0 {
		out["must"] = f.Must
	}
	if len(f.Should) > 0 {
		out["should"] = f.Should
	}
	if len(f.MustNot) > 0 {
		out["must_not"] = f.MustNot
	}
	return json.Marshal(out)
}
