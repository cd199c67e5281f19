package summary

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wedosoft/supportrag/internal/config"
	"github.com/wedosoft/supportrag/internal/llm"
	"github.com/wedosoft/supportrag/pkg/faults"
	"github.com/wedosoft/supportrag/pkg/models"
)

// Summarizer produces four-section summaries of integrated objects.
// Each summary is validated for structure, length, and speculation
// density; one stricter regeneration is attempted before the result is
// stored with quality_flag=low.
type Summarizer struct {
	router    *llm.Router
	templates *TemplateSet
	cfg       config.SummaryConfig

	// largeScale compresses oversized bodies before the LLM call. Set by
	// the ingest orchestrator when the dataset crosses the threshold.
	largeScale bool
}

// NewSummarizer wires the router and template set.
func NewSummarizer(router *llm.Router, templates *TemplateSet, cfg config.SummaryConfig) *Summarizer {
	return &Summarizer{router: router, templates: templates, cfg: cfg}
}

// WithLargeScale returns a copy that compresses input before summarizing.
// Quality validation is unchanged in large-scale mode.
func (s *Summarizer) WithLargeScale() *Summarizer {
	clone := *s
	clone.largeScale = true
	return &clone
}

// useCaseFor maps the summary type to the router's routing key.
func useCaseFor(typ models.SummaryType) models.UseCase {
	if typ == models.SummaryRealtime {
		return models.UseRealtime
	}
	return models.UseSummary
}

// Summarize generates and validates one summary. A summary failing
// validation gets exactly one stricter retry; a second failure is stored
// with quality_flag=low rather than blocking the pipeline.
func (s *Summarizer) Summarize(ctx context.Context, obj *models.IntegratedObject, typ models.SummaryType) (*models.Summary, error) {
	body := obj.BodyText
	if s.largeScale {
		body = Compress(obj.Subject, body, s.cfg.CompressBudget)
	}

	tmpl := s.templates.Lookup(useCaseFor(typ), obj.ObjectType, obj.Language)
	messages := tmpl.Render(obj.Subject, body, obj.Language)

	opts := &llm.Options{MaxTokens: tmpl.Params.MaxTokens, Temperature: tmpl.Params.Temperature}
	started := time.Now()

	text, meta, err := s.router.GenerateForUseCase(ctx, useCaseFor(typ), messages, opts)
	if err != nil {
		return nil, err
	}

	report := Validate(text, s.cfg)
	if !report.OK() {
		log.Debug().
			Str("tenant_id", obj.TenantID).
			Str("original_id", obj.OriginalID).
			Float64("score", report.Score).
			Msg("summary failed validation, regenerating")

		retryMsgs := append(messages, models.ChatMessage{
			Role: "user",
			Content: "The previous summary did not follow the required format. Produce exactly the four sections " +
				strings.Join(models.SummarySections, ", ") +
				" as '## <heading>' in that order, between " + lengthHint(s.cfg) + ", with no speculation.",
		})
		stricter := &llm.Options{MaxTokens: opts.MaxTokens, Temperature: 0}

		if retryText, retryMeta, retryErr := s.router.GenerateForUseCase(ctx, useCaseFor(typ), retryMsgs, stricter); retryErr == nil {
			if retryReport := Validate(retryText, s.cfg); retryReport.Score > report.Score {
				text, meta, report = retryText, retryMeta, retryReport
			}
		} else if faults.IsKind(retryErr, faults.Cancelled) {
			return nil, retryErr
		}
	}

	out := &models.Summary{
		TenantID:     obj.TenantID,
		Platform:     obj.Platform,
		OriginalID:   obj.OriginalID,
		SummaryType:  typ,
		Text:         text,
		Model:        meta.Model,
		InputTokens:  meta.InputTokens,
		OutputTokens: meta.OutputTokens,
		Duration:     time.Since(started),
		Language:     obj.Language,
		QualityScore: report.Score,
	}
	if !report.OK() {
		out.QualityFlag = "low"
		log.Warn().
			Str("tenant_id", obj.TenantID).
			Str("original_id", obj.OriginalID).
			Float64("score", report.Score).
			Msg("summary stored with low quality flag")
	}
	return out, nil
}

// Stream generates a realtime summary as a token stream. Structural
// validation is impossible mid-stream, so streamed summaries are emitted
// as produced.
func (s *Summarizer) Stream(ctx context.Context, obj *models.IntegratedObject) (<-chan string, <-chan error) {
	tmpl := s.templates.Lookup(models.UseRealtime, obj.ObjectType, obj.Language)
	messages := tmpl.Render(obj.Subject, obj.BodyText, obj.Language)
	opts := &llm.Options{MaxTokens: tmpl.Params.MaxTokens, Temperature: tmpl.Params.Temperature}
	return s.router.StreamForUseCase(ctx, models.UseRealtime, messages, opts)
}

func lengthHint(cfg config.SummaryConfig) string {
	return strconv.Itoa(cfg.MinChars) + " and " + strconv.Itoa(cfg.MaxChars) + " characters"
}
