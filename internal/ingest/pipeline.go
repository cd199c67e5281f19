package ingest

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/wedosoft/supportrag/internal/embed"
	"github.com/wedosoft/supportrag/internal/integrate"
	"github.com/wedosoft/supportrag/internal/platform"
	"github.com/wedosoft/supportrag/internal/summary"
	"github.com/wedosoft/supportrag/internal/tenant"
	"github.com/wedosoft/supportrag/internal/vectorstore"
	"github.com/wedosoft/supportrag/pkg/models"
)

// Pipeline turns one platform object into an upserted vector point:
// fetch, integrate, batch-summarize, embed, upsert. It is shared by all
// jobs; per-tenant state travels in the arguments.
type Pipeline struct {
	summarizer *summary.Summarizer
	embedder   *embed.Embedder
	store      *vectorstore.Gateway
}

// NewPipeline wires the object pipeline.
func NewPipeline(s *summary.Summarizer, e *embed.Embedder, g *vectorstore.Gateway) *Pipeline {
	return &Pipeline{summarizer: s, embedder: e, store: g}
}

// WithLargeScale switches the summarizer to compression mode for runs
// over the large-scale threshold.
func (p *Pipeline) WithLargeScale() ObjectProcessor {
	clone := *p
	clone.summarizer = p.summarizer.WithLargeScale()
	return &clone
}

// Process ingests one object end to end. A degraded embedding (zero
// vector) is upserted anyway and reported via the returned flag so the
// job error log can record it without aborting the page.
func (p *Pipeline) Process(ctx context.Context, tc tenant.Context, adapter platform.Adapter, ref platform.ObjectRef) (degraded bool, err error) {
	obj, err := p.fetch(ctx, tc, adapter, ref)
	if err != nil {
		return false, err
	}

	sum, err := p.summarizer.Summarize(ctx, obj, models.SummaryBatch)
	if err != nil {
		return false, err
	}

	// The dense vector indexes the summary, not the raw body: the summary
	// is what retrieval surfaces, and it is language-normalized.
	vectors, failed, err := p.embedder.EmbedBatch(ctx, []string{sum.Text})
	if err != nil {
		return false, err
	}
	degraded = len(failed) > 0

	point := models.VectorPoint{
		ID:     vectorstore.PointID(obj.TenantID, obj.Platform, obj.ObjectType, obj.OriginalID),
		Vector: vectors[0],
		Sparse: p.embedder.Sparse(obj.Subject+"\n"+obj.BodyText, obj.Language),
		Payload: models.Payload{
			TenantID:        obj.TenantID,
			Platform:        obj.Platform,
			ObjectType:      string(obj.ObjectType),
			OriginalID:      obj.OriginalID,
			ContentType:     string(obj.ObjectType),
			Subject:         obj.Subject,
			Status:          string(obj.Status),
			Priority:        obj.Priority,
			Tags:            obj.Tags,
			Category:        obj.Category,
			CreatedAt:       obj.CreatedAt.Unix(),
			UpdatedAt:       obj.UpdatedAt.Unix(),
			SummarySections: models.SummarySections,
			SummaryText:     sum.Text,
			ContentHash:     obj.ContentHash,
			Language:        obj.Language,
			VectorModel:     p.embedder.Model(),
			VectorDim:       p.embedder.Dimensions(),
		},
	}

	if err := p.store.Upsert(ctx, []models.VectorPoint{point}); err != nil {
		return degraded, err
	}

	if degraded {
		log.Warn().
			Str("tenant_id", obj.TenantID).
			Str("original_id", obj.OriginalID).
			Msg("object ingested with degraded zero vector")
	}
	return degraded, nil
}

func (p *Pipeline) fetch(ctx context.Context, tc tenant.Context, adapter platform.Adapter, ref platform.ObjectRef) (*models.IntegratedObject, error) {
	switch ref.ObjectType {
	case models.ObjectKBArticle:
		article, err := adapter.FetchArticle(ctx, ref.ID)
		if err != nil {
			return nil, err
		}
		return integrate.BuildArticle(tc, article)
	default:
		ticket, convs, atts, err := adapter.FetchTicket(ctx, ref.ID)
		if err != nil {
			return nil, err
		}
		return integrate.BuildTicket(tc, ticket, convs, atts)
	}
}
