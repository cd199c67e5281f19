package query

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/wedosoft/supportrag/internal/llm"
	"github.com/wedosoft/supportrag/pkg/models"
)

// llmEscalationBelow is the pattern-pass confidence under which the LLM
// pass runs.
const llmEscalationBelow = 0.6

// Analyzer turns a query string into an AnalyzedQuery. The pattern pass
// always runs; the LLM pass runs only for low-confidence or conjoined
// queries, and its JSON parse failures fall back to the pattern result.
type Analyzer struct {
	router *llm.Router
}

// NewAnalyzer wires the analyzer to the LLM router.
func NewAnalyzer(router *llm.Router) *Analyzer {
	return &Analyzer{router: router}
}

// Analyze classifies the query. conversationContext may be empty; when
// present it is handed to the LLM pass as prior turns.
func (a *Analyzer) Analyze(ctx context.Context, q, conversationContext string) models.AnalyzedQuery {
	pat := runPatterns(q)

	out := models.AnalyzedQuery{
		Conditions: pat.conditions,
		SearchText: pat.searchText,
		Confidence: pat.confidence,
	}

	if a.router != nil && (pat.confidence < llmEscalationBelow || pat.conjoined) {
		if refined, ok := a.llmPass(ctx, q, conversationContext); ok {
			out = mergeLLM(out, refined)
		}
	}

	out.Intent = classifyIntent(pat, out)
	out.Strategy = selectStrategy(out.Intent)
	if out.SearchText == "" {
		out.SearchText = q
	}
	return out
}

// classifyIntent applies the decision rules in order.
func classifyIntent(pat patternResult, q models.AnalyzedQuery) models.Intent {
	if q.Intent != "" {
		return q.Intent // LLM already decided
	}
	condCount := q.Conditions.Count()
	switch {
	case pat.similarity:
		return models.IntentSimilaritySearch
	case pat.functional || (condCount == 1 && q.Conditions.Time != nil && q.SearchText == ""):
		return models.IntentFunctional
	case condCount >= 3 || (pat.conjoined && condCount >= 2):
		return models.IntentComplexConditional
	case condCount == 0 && looksLexical(q.SearchText):
		return models.IntentSimpleKeyword
	default:
		return models.IntentSimpleSemantic
	}
}

// selectStrategy maps intent to the retrieval strategy. The fusion
// weights per strategy live in search configuration.
func selectStrategy(intent models.Intent) models.Strategy {
	switch intent {
	case models.IntentComplexConditional:
		return models.StrategyMetadataFirst
	case models.IntentSimilaritySearch, models.IntentSimpleSemantic:
		return models.StrategySemanticFirst
	default:
		return models.StrategyHybrid
	}
}

// llmResponse is the JSON contract for the query_analysis use case.
type llmResponse struct {
	Intent     string            `json:"intent"`
	Conditions models.Conditions `json:"conditions"`
	SearchText string            `json:"search_text"`
	Confidence float64           `json:"confidence"`
}

func (a *Analyzer) llmPass(ctx context.Context, q, conversationContext string) (llmResponse, bool) {
	system := `Extract search conditions from a customer-support query. Respond with JSON only:
{"intent": "simple_keyword|simple_semantic|complex_conditional|similarity_search|functional",
 "conditions": {"time": {"relative_days": int}, "priority": {"min": 1, "max": 4},
  "status": ["open|pending|resolved|closed"], "category": [], "tags": [],
  "person": {"role": "requester|assignee", "identifier": ""},
  "sentiment": {"min": -1.0, "max": 1.0}},
 "search_text": "query with condition words removed",
 "confidence": 0.0}
Omit condition keys that do not apply. The query may be Korean or English.`

	messages := []models.ChatMessage{{Role: "system", Content: system}}
	if conversationContext != "" {
		messages = append(messages, models.ChatMessage{Role: "user", Content: "Prior conversation:\n" + conversationContext})
	}
	messages = append(messages, models.ChatMessage{Role: "user", Content: q})

	text, _, err := a.router.GenerateForUseCase(ctx, models.UseQueryAnalysis, messages, &llm.Options{JSONMode: true})
	if err != nil {
		log.Debug().Err(err).Msg("query analysis LLM pass failed, keeping pattern result")
		return llmResponse{}, false
	}

	var resp llmResponse
	if err := json.Unmarshal([]byte(extractJSON(text)), &resp); err != nil {
		log.Debug().Err(err).Msg("query analysis JSON unparseable, keeping pattern result")
		return llmResponse{}, false
	}
	return resp, true
}

// mergeLLM overlays the LLM result onto the pattern result. Pattern
// conditions survive unless the LLM found the same group.
func mergeLLM(base models.AnalyzedQuery, resp llmResponse) models.AnalyzedQuery {
	out := base
	if resp.Intent != "" {
		out.Intent = models.Intent(resp.Intent)
	}
	if resp.SearchText != "" {
		out.SearchText = resp.SearchText
	}
	if resp.Confidence > 0 {
		out.Confidence = resp.Confidence
	}

	c := &out.Conditions
	if resp.Conditions.Time != nil {
		c.Time = resp.Conditions.Time
	}
	if resp.Conditions.Priority != nil {
		c.Priority = resp.Conditions.Priority
	}
	if len(resp.Conditions.Status) > 0 {
		c.Status = resp.Conditions.Status
	}
	if len(resp.Conditions.Category) > 0 {
		c.Category = resp.Conditions.Category
	}
	if len(resp.Conditions.Tags) > 0 {
		c.Tags = resp.Conditions.Tags
	}
	if resp.Conditions.Person != nil {
		c.Person = resp.Conditions.Person
	}
	if resp.Conditions.Sentiment != nil {
		c.Sentiment = resp.Conditions.Sentiment
	}
	return out
}

// extractJSON tolerates models that wrap JSON in code fences.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if i := strings.LastIndex(text, "```"); i >= 0 {
			text = text[:i]
		}
	}
	return strings.TrimSpace(text)
}
