// Package search is the conditional retrieval engine: structured filter
// construction, hybrid dense+sparse search, optional HyDE expansion,
// reciprocal-rank fusion, and cross-encoder reranking, with a plain
// dense fallback when any enhancement step fails.
package search

import (
	"time"

	"github.com/wedosoft/supportrag/internal/tenant"
	"github.com/wedosoft/supportrag/internal/vectorstore"
	"github.com/wedosoft/supportrag/pkg/models"
)

// buildFilter translates analyzed conditions into the gateway's filter
// language. Hard conditions go into must; tag preferences go into
// should so they bias rather than exclude. Relative times resolve
// against now at call time.
func buildFilter(tc tenant.Context, conds models.Conditions, objectTypes []models.ObjectType, now time.Time) vectorstore.Filter {
	f := vectorstore.TenantFilter(tc.TenantID, tc.Platform)

	if len(objectTypes) == 1 {
		f = f.With(vectorstore.Eq(vectorstore.FieldObjectType, string(objectTypes[0])))
	} else if len(objectTypes) > 1 {
		names := make([]string, len(objectTypes))
		for i, t := range objectTypes {
			names[i] = string(t)
		}
		f = f.With(vectorstore.Any(vectorstore.FieldObjectType, names))
	}

	if t := conds.Time; t != nil {
		var since, until *int64
		switch {
		case t.Since != nil || t.Until != nil:
			if t.Since != nil {
				s := t.Since.Unix()
				since = &s
			}
			if t.Until != nil {
				u := t.Until.Unix()
				until = &u
			}
		case t.RelativeDays > 0:
			s := now.AddDate(0, 0, -t.RelativeDays).Unix()
			since = &s
		}
		if since != nil || until != nil {
			f = f.With(vectorstore.Range(vectorstore.FieldCreatedAt, since, until))
		}
	}

	if p := conds.Priority; p != nil {
		min := int64(p.Min)
		max := int64(p.Max)
		f = f.With(vectorstore.Range(vectorstore.FieldPriority, &min, &max))
	}

	if len(conds.Status) > 0 {
		names := make([]string, len(conds.Status))
		for i, s := range conds.Status {
			names[i] = string(s)
		}
		f = f.With(vectorstore.Any(vectorstore.FieldStatus, names))
	}

	if len(conds.Category) > 0 {
		f = f.With(vectorstore.Any(vectorstore.FieldCategory, conds.Category))
	}

	// Tags are soft: a missing tag should not empty the result set.
	if len(conds.Tags) > 0 {
		f.Should = append(f.Should, vectorstore.Any(vectorstore.FieldTags, conds.Tags))
	}

	// Person and sentiment conditions have no indexed payload field yet;
	// they are accepted by the analyzer but do not constrain retrieval.
	return f
}
