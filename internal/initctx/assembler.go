// Package initctx assembles the agent-facing context for an open
// ticket: a fresh realtime summary plus similar tickets and related
// knowledge-base articles retrieved in parallel.
package initctx

import (
	"context"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/wedosoft/supportrag/internal/integrate"
	"github.com/wedosoft/supportrag/internal/platform"
	"github.com/wedosoft/supportrag/internal/search"
	"github.com/wedosoft/supportrag/internal/summary"
	"github.com/wedosoft/supportrag/internal/tenant"
	"github.com/wedosoft/supportrag/pkg/models"
)

// defaultTopK similar tickets and KB articles each.
const defaultTopK = 5

// queryCharCap bounds the retrieval query built from subject+body.
const queryCharCap = 4000

// AdapterFactory builds a platform adapter for a tenant.
type AdapterFactory func(tc tenant.Context) (platform.Adapter, error)

// Result is the assembled init context.
type Result struct {
	Ticket         *models.IntegratedObject `json:"ticket"`
	Summary        *models.Summary          `json:"summary"`
	SimilarTickets []models.SearchHit       `json:"similar_tickets"`
	KBArticles     []models.SearchHit       `json:"kb_articles"`
}

// Assembler wires the three init sources together.
type Assembler struct {
	adapters   AdapterFactory
	summarizer *summary.Summarizer
	engine     *search.Engine
}

// NewAssembler builds the assembler.
func NewAssembler(adapters AdapterFactory, s *summary.Summarizer, e *search.Engine) *Assembler {
	return &Assembler{adapters: adapters, summarizer: s, engine: e}
}

// Init fetches the ticket fresh from the platform (the vector store may
// lag behind the live conversation), then runs the realtime summary and
// both retrievals in parallel. Retrieval failures degrade to empty
// lists; a summary failure fails the request.
func (a *Assembler) Init(ctx context.Context, tc tenant.Context, ticketID string, topK int) (*Result, error) {
	obj, err := a.fetchTicket(ctx, tc, ticketID)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Ticket:         obj,
		SimilarTickets: []models.SearchHit{},
		KBArticles:     []models.SearchHit{},
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sum, err := a.summarizer.Summarize(gctx, obj, models.SummaryRealtime)
		if err != nil {
			return err
		}
		res.Summary = sum
		return nil
	})

	g.Go(func() error {
		hits, err := a.retrieve(gctx, tc, obj, models.ObjectTicket, ticketID, topK)
		if err != nil {
			log.Warn().Err(err).Str("ticket_id", ticketID).Msg("similar ticket retrieval failed")
			return nil
		}
		res.SimilarTickets = hits
		return nil
	})

	g.Go(func() error {
		hits, err := a.retrieve(gctx, tc, obj, models.ObjectKBArticle, "", topK)
		if err != nil {
			log.Warn().Err(err).Str("ticket_id", ticketID).Msg("kb retrieval failed")
			return nil
		}
		res.KBArticles = hits
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}

// InitStream returns the fresh ticket plus a token stream for the
// realtime summary. The caller relays the stream (SSE) and may run the
// retrievals separately.
func (a *Assembler) InitStream(ctx context.Context, tc tenant.Context, ticketID string) (*models.IntegratedObject, <-chan string, <-chan error, error) {
	obj, err := a.fetchTicket(ctx, tc, ticketID)
	if err != nil {
		return nil, nil, nil, err
	}
	chunks, errs := a.summarizer.Stream(ctx, obj)
	return obj, chunks, errs, nil
}

// Retrieve exposes the similarity retrieval used by Init for callers
// that stream the summary and fetch context separately.
func (a *Assembler) Retrieve(ctx context.Context, tc tenant.Context, obj *models.IntegratedObject, objectType models.ObjectType, topK int) ([]models.SearchHit, error) {
	excludeID := ""
	if objectType == models.ObjectTicket {
		excludeID = obj.OriginalID
	}
	return a.retrieve(ctx, tc, obj, objectType, excludeID, topK)
}

func (a *Assembler) fetchTicket(ctx context.Context, tc tenant.Context, ticketID string) (*models.IntegratedObject, error) {
	adapter, err := a.adapters(tc)
	if err != nil {
		return nil, err
	}
	ticket, convs, atts, err := adapter.FetchTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	return integrate.BuildTicket(tc, ticket, convs, atts)
}

func (a *Assembler) retrieve(ctx context.Context, tc tenant.Context, obj *models.IntegratedObject, objectType models.ObjectType, excludeID string, topK int) ([]models.SearchHit, error) {
	if topK <= 0 {
		topK = defaultTopK
	}
	req := search.Request{
		Analyzed: models.AnalyzedQuery{
			Intent:     models.IntentSimilaritySearch,
			Strategy:   models.StrategySemanticFirst,
			SearchText: retrievalQuery(obj),
			Confidence: 1,
		},
		ObjectTypes: []models.ObjectType{objectType},
		Limit:       topK,
		ExcludeID:   excludeID,
	}
	return a.engine.Search(ctx, tc, req)
}

func retrievalQuery(obj *models.IntegratedObject) string {
	q := obj.Subject + "\n" + obj.BodyText
	if utf8.RuneCountInString(q) > queryCharCap {
		runes := []rune(q)
		q = string(runes[:queryCharCap])
	}
	return q
}
