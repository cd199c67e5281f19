package query_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wedosoft/supportrag/internal/cache"
	"github.com/wedosoft/supportrag/internal/config"
	"github.com/wedosoft/supportrag/internal/llm"
	"github.com/wedosoft/supportrag/internal/query"
	"github.com/wedosoft/supportrag/pkg/models"
)

// patternOnly skips the LLM pass entirely.
func patternOnly() *query.Analyzer { return query.NewAnalyzer(nil) }

func TestAnalyzeKoreanComplexConditional(t *testing.T) {
	got := patternOnly().Analyze(context.Background(), "지난 달 해결된 긴급 티켓", "")

	if got.Conditions.Time == nil || got.Conditions.Time.RelativeDays != 30 {
		t.Errorf("Time = %+v, want 30 relative days", got.Conditions.Time)
	}
	if got.Conditions.Priority == nil || got.Conditions.Priority.Min != models.PriorityMax {
		t.Errorf("Priority = %+v, want urgent", got.Conditions.Priority)
	}
	if len(got.Conditions.Status) != 1 || got.Conditions.Status[0] != models.StatusResolved {
		t.Errorf("Status = %v, want [resolved]", got.Conditions.Status)
	}
	if got.Intent != models.IntentComplexConditional {
		t.Errorf("Intent = %q, want complex_conditional", got.Intent)
	}
	if got.Strategy != models.StrategyMetadataFirst {
		t.Errorf("Strategy = %q, want metadata_first", got.Strategy)
	}
	if got.SearchText != "티켓" {
		t.Errorf("SearchText = %q, want condition words stripped", got.SearchText)
	}
}

func TestAnalyzeKoreanBillingConditions(t *testing.T) {
	got := patternOnly().Analyze(context.Background(), "한달 전에 제출된 높은 우선순위 결제 티켓", "")

	if got.Conditions.Time == nil || got.Conditions.Time.RelativeDays != 30 {
		t.Errorf("Time = %+v, want 30 relative days", got.Conditions.Time)
	}
	if p := got.Conditions.Priority; p == nil || p.Min != 3 || p.Max != models.PriorityMax {
		t.Errorf("Priority = %+v, want 3..4", p)
	}
	if len(got.Conditions.Category) != 1 || got.Conditions.Category[0] != "billing" {
		t.Errorf("Category = %v, want [billing]", got.Conditions.Category)
	}
	if got.Intent != models.IntentComplexConditional {
		t.Errorf("Intent = %q, want complex_conditional with three conditions", got.Intent)
	}
	if got.Strategy != models.StrategyMetadataFirst {
		t.Errorf("Strategy = %q, want metadata_first", got.Strategy)
	}
}

func TestAnalyzeCategoryEnglish(t *testing.T) {
	got := patternOnly().Analyze(context.Background(), "refund requests last week", "")
	if len(got.Conditions.Category) != 1 || got.Conditions.Category[0] != "billing" {
		t.Errorf("Category = %v, want [billing]", got.Conditions.Category)
	}
	if got.Conditions.Time == nil || got.Conditions.Time.RelativeDays != 7 {
		t.Errorf("Time = %+v", got.Conditions.Time)
	}
}

func TestAnalyzeEnglishTimeAndPriority(t *testing.T) {
	got := patternOnly().Analyze(context.Background(), "urgent tickets from last week", "")

	if got.Conditions.Time == nil || got.Conditions.Time.RelativeDays != 7 {
		t.Errorf("Time = %+v, want 7 relative days", got.Conditions.Time)
	}
	if got.Conditions.Priority == nil || got.Conditions.Priority.Min != models.PriorityMax {
		t.Errorf("Priority = %+v", got.Conditions.Priority)
	}
	if got.Intent != models.IntentSimpleSemantic {
		t.Errorf("Intent = %q, want simple_semantic with two conditions", got.Intent)
	}
}

func TestAnalyzeNumericRelativeDays(t *testing.T) {
	got := patternOnly().Analyze(context.Background(), "payment errors 3 days ago", "")
	if got.Conditions.Time == nil || got.Conditions.Time.RelativeDays != 3 {
		t.Errorf("Time = %+v, want 3 relative days", got.Conditions.Time)
	}

	got = patternOnly().Analyze(context.Background(), "환불 문의 2주 전", "")
	if got.Conditions.Time == nil || got.Conditions.Time.RelativeDays != 14 {
		t.Errorf("korean Time = %+v, want 14 relative days", got.Conditions.Time)
	}
}

func TestAnalyzeSimilarity(t *testing.T) {
	got := patternOnly().Analyze(context.Background(), "similar tickets about payment failures", "")
	if got.Intent != models.IntentSimilaritySearch {
		t.Errorf("Intent = %q, want similarity_search", got.Intent)
	}
	if got.Strategy != models.StrategySemanticFirst {
		t.Errorf("Strategy = %q, want semantic_first", got.Strategy)
	}
}

func TestAnalyzeFunctional(t *testing.T) {
	got := patternOnly().Analyze(context.Background(), "my tickets", "")
	if got.Intent != models.IntentFunctional {
		t.Errorf("Intent = %q, want functional", got.Intent)
	}
	p := got.Conditions.Person
	if p == nil || p.Role != "assignee" || p.Identifier != "me" {
		t.Errorf("Person = %+v", p)
	}
}

func TestAnalyzeSimpleKeyword(t *testing.T) {
	got := patternOnly().Analyze(context.Background(), "password reset", "")
	if got.Intent != models.IntentSimpleKeyword {
		t.Errorf("Intent = %q, want simple_keyword", got.Intent)
	}
	if got.Strategy != models.StrategyHybrid {
		t.Errorf("Strategy = %q, want hybrid", got.Strategy)
	}
}

func TestAnalyzeSimpleSemantic(t *testing.T) {
	got := patternOnly().Analyze(context.Background(), "why does login fail after the update?", "")
	if got.Intent != models.IntentSimpleSemantic {
		t.Errorf("Intent = %q, want simple_semantic", got.Intent)
	}
	if got.Strategy != models.StrategySemanticFirst {
		t.Errorf("Strategy = %q, want semantic_first", got.Strategy)
	}
}

func TestAnalyzeConjunctionLowersConfidence(t *testing.T) {
	plain := patternOnly().Analyze(context.Background(), "billing errors refunds", "")
	conjoined := patternOnly().Analyze(context.Background(), "billing errors and refunds and chargebacks", "")
	if conjoined.Confidence >= plain.Confidence {
		t.Errorf("conjoined confidence %.2f not below plain %.2f", conjoined.Confidence, plain.Confidence)
	}
	if conjoined.Confidence >= 0.6 {
		t.Errorf("conjoined confidence %.2f should sit in LLM escalation range", conjoined.Confidence)
	}
}

func TestAnalyzeLLMEscalation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Wrapped in a code fence on purpose; the analyzer must tolerate it.
		content := "```json\n" + `{"intent":"complex_conditional","conditions":{"status":["resolved"],"category":["billing"]},"search_text":"refund handling","confidence":0.9}` + "\n```"
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": content}}},
		})
	}))
	defer srv.Close()
	t.Setenv("OPENAI_BASE_URL", srv.URL)

	router := llm.NewRouter(config.LLMConfig{
		GlobalTimeout:       5 * time.Second,
		ConnectionPoolSize:  2,
		RealtimeMaxInFlight: 1,
		BatchMaxInFlight:    1,
		CacheTTLAnalysis:    time.Minute,
	}, cache.NewMemory(10))

	// Conjoined with no lexicon hits, so the pattern pass is not confident
	// and the LLM pass runs.
	got := query.NewAnalyzer(router).Analyze(context.Background(), "refunds and chargebacks and disputes", "")

	if got.Intent != models.IntentComplexConditional {
		t.Errorf("Intent = %q, want LLM-decided complex_conditional", got.Intent)
	}
	if len(got.Conditions.Status) != 1 || got.Conditions.Status[0] != models.StatusResolved {
		t.Errorf("Status = %v", got.Conditions.Status)
	}
	if len(got.Conditions.Category) != 1 || got.Conditions.Category[0] != "billing" {
		t.Errorf("Category = %v", got.Conditions.Category)
	}
	if got.SearchText != "refund handling" {
		t.Errorf("SearchText = %q", got.SearchText)
	}
	if got.Confidence != 0.9 {
		t.Errorf("Confidence = %.2f", got.Confidence)
	}
}

func TestAnalyzeLLMFailureKeepsPatternResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadRequest)
	}))
	defer srv.Close()
	t.Setenv("OPENAI_BASE_URL", srv.URL)
	t.Setenv("OLLAMA_BASE_URL", srv.URL)

	router := llm.NewRouter(config.LLMConfig{
		GlobalTimeout:       5 * time.Second,
		ConnectionPoolSize:  2,
		RealtimeMaxInFlight: 1,
		BatchMaxInFlight:    1,
	}, cache.NewMemory(10))

	got := query.NewAnalyzer(router).Analyze(context.Background(), "refunds and chargebacks and disputes", "")
	if got.Intent == "" || got.SearchText == "" {
		t.Errorf("pattern fallback incomplete: %+v", got)
	}
}
