// Package models defines the domain types shared across the supportrag
// service: integrated objects, summaries, vector points, ingest jobs, and
// the analyzed-query shapes produced by the query analyzer.
package models

import (
	"time"
)

// ── Object types & enums ─────────────────────────────────────

// ObjectType identifies what kind of platform object an integrated
// object was built from.
type ObjectType string

const (
	ObjectTicket    ObjectType = "ticket"
	ObjectKBArticle ObjectType = "kb_article"
)

// Status is the canonical ticket status enum. Platform-specific status
// codes are normalized into this closed set by the integrate package.
type Status string

const (
	StatusOpen     Status = "open"
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
	StatusClosed   Status = "closed"
)

// Priority bounds. Platform priorities are clamped into this range.
const (
	PriorityMin = 1
	PriorityMax = 4
)

// Language codes emitted by content language detection.
const (
	LangKorean   = "ko"
	LangJapanese = "ja"
	LangChinese  = "zh"
	LangEnglish  = "en"
	LangOther    = "other"
)

// ── Integrated Object ────────────────────────────────────────

// Attachment is the metadata of a platform attachment. Binary content is
// never stored; ExtractedText carries any text extraction the platform or
// a prior pass produced.
type Attachment struct {
	Name          string `json:"name"`
	Mime          string `json:"mime"`
	Size          int64  `json:"size"`
	ExternalURL   string `json:"external_url"`
	ExtractedText string `json:"extracted_text,omitempty"`
}

// IntegratedObject is the atomic unit of ingest: a ticket merged with its
// conversations and attachment metadata, or a standalone KB article.
// (TenantID, Platform, ObjectType, OriginalID) is the primary key.
type IntegratedObject struct {
	TenantID    string       `json:"tenant_id"`
	Platform    string       `json:"platform"`
	ObjectType  ObjectType   `json:"object_type"`
	OriginalID  string       `json:"original_id"`
	Subject     string       `json:"subject"`
	BodyText    string       `json:"body_text"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Status      Status       `json:"status"`
	Priority    int          `json:"priority"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	Tags        []string     `json:"tags,omitempty"`
	Category    string       `json:"category,omitempty"`
	AssigneeID  string       `json:"assignee_id,omitempty"`
	RequesterID string       `json:"requester_id,omitempty"`
	Language    string       `json:"language,omitempty"`
	// ContentHash is SHA-256 hex over the canonical content serialization,
	// excluding timestamps. Unchanged hash means re-ingest is a no-op.
	ContentHash string `json:"content_hash"`
}

// Key returns the unique identity tuple as a single string, used for
// logging and deterministic point id derivation.
func (o *IntegratedObject) Key() string {
	return o.TenantID + "/" + o.Platform + "/" + string(o.ObjectType) + "/" + o.OriginalID
}

// ── Summary ──────────────────────────────────────────────────

// SummaryType distinguishes on-demand realtime summaries from batch
// ingest-time summaries.
type SummaryType string

const (
	SummaryRealtime SummaryType = "realtime"
	SummaryBatch    SummaryType = "batch"
)

// SummarySections is the fixed four-section structure, in order.
var SummarySections = []string{"Problem", "Root Cause", "Resolution", "Insights"}

// Summary is a structured LLM summary of an integrated object.
type Summary struct {
	TenantID     string        `json:"tenant_id"`
	Platform     string        `json:"platform"`
	OriginalID   string        `json:"original_id"`
	SummaryType  SummaryType   `json:"summary_type"`
	Text         string        `json:"text"`
	Model        string        `json:"model"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Duration     time.Duration `json:"duration"`
	Language     string        `json:"language"`
	QualityScore float64       `json:"quality_score"`
	// QualityFlag is "low" when the summary failed validation twice but was
	// stored anyway so downstream steps are not blocked.
	QualityFlag string `json:"quality_flag,omitempty"`
}

// ── Vector Point ─────────────────────────────────────────────

// SparseVector is a BM25-style sparse vector: parallel index/value slices
// in the wire shape the vector store expects.
type SparseVector struct {
	Indices []uint32  `json:"indices"`
	Values  []float32 `json:"values"`
}

// Payload is the structured payload stored with every vector point.
// Field names are the payload keys used for filtering; payload indexes
// exist on tenant_id, platform, object_type, status, priority, created_at,
// tags, and category.
type Payload struct {
	TenantID        string   `json:"tenant_id"`
	Platform        string   `json:"platform"`
	ObjectType      string   `json:"object_type"`
	OriginalID      string   `json:"original_id"`
	ContentType     string   `json:"content_type"` // alias of object_type
	Subject         string   `json:"subject"`
	Status          string   `json:"status"`
	Priority        int      `json:"priority"`
	Tags            []string `json:"tags,omitempty"`
	Category        string   `json:"category,omitempty"`
	CreatedAt       int64    `json:"created_at"` // epoch seconds
	UpdatedAt       int64    `json:"updated_at"`
	SummarySections []string `json:"summary_sections,omitempty"`
	SummaryText     string   `json:"summary_text,omitempty"`
	ContentHash     string   `json:"content_hash"`
	Language        string   `json:"language,omitempty"`
	VectorModel     string   `json:"vector_model,omitempty"`
	VectorDim       int      `json:"vector_dim,omitempty"`
}

// VectorPoint is one upsertable point in the shared collection.
type VectorPoint struct {
	ID      string        `json:"id"`
	Vector  []float32     `json:"vector"`
	Sparse  *SparseVector `json:"sparse,omitempty"`
	Payload Payload       `json:"payload"`
}

// SearchHit is a scored point returned from the vector store.
type SearchHit struct {
	ID      string  `json:"id"`
	Score   float64 `json:"score"`
	Payload Payload `json:"payload"`
	// LowConfidence marks the single retained hit when the quality filter
	// emptied the result set and prevent-empty is enabled.
	LowConfidence bool `json:"low_confidence,omitempty"`
}

// ── Ingest Job ───────────────────────────────────────────────

// JobScope selects full or incremental ingest.
type JobScope string

const (
	ScopeFull        JobScope = "full"
	ScopeIncremental JobScope = "incremental"
)

// JobStatus is the ingest job lifecycle state.
type JobStatus string

const (
	JobCreated   JobStatus = "created"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCancelled JobStatus = "cancelled"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// JobProgress counts processed items. ItemsTotal is nil until the adapter
// has reported a total (it may never, for cursor-only pagination).
type JobProgress struct {
	ItemsTotal  *int `json:"items_total,omitempty"`
	ItemsDone   int  `json:"items_done"`
	ItemsFailed int  `json:"items_failed"`
}

// JobError is one recorded failure in a job's error log.
type JobError struct {
	At          time.Time `json:"at"`
	OriginalID  string    `json:"original_id,omitempty"`
	Kind        string    `json:"kind"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
}

// IngestJob is the restart-safe unit of ingest work. The cursor is a
// platform pagination token or an updated-since timestamp encoded as a
// string; the orchestrator treats it as opaque except for ordering.
type IngestJob struct {
	JobID       string      `json:"job_id"`
	TenantID    string      `json:"tenant_id"`
	Platform    string      `json:"platform"`
	Scope       JobScope    `json:"scope"`
	Since       *time.Time  `json:"since,omitempty"`
	Cursor      string      `json:"cursor,omitempty"`
	Status      JobStatus   `json:"status"`
	Progress    JobProgress `json:"progress"`
	ErrorLog    []JobError  `json:"error_log,omitempty"`
	HeartbeatAt time.Time   `json:"heartbeat_at"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// ── LLM routing ──────────────────────────────────────────────

// UseCase is the routing key for LLM calls.
type UseCase string

const (
	UseRealtime      UseCase = "realtime"
	UseBatch         UseCase = "batch"
	UseSummary       UseCase = "summary"
	UseQueryAnalysis UseCase = "query_analysis"
	UseHyDE          UseCase = "hyde"
)

// ChatMessage is one turn of an LLM conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateMeta reports how a generation was produced.
type GenerateMeta struct {
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Latency      time.Duration `json:"latency"`
	Cache        string        `json:"cache,omitempty"` // "hit" on cache hits
	Fallback     bool          `json:"fallback,omitempty"`
}

// ── Query analysis ───────────────────────────────────────────

// Intent classifies what a natural-language query wants.
type Intent string

const (
	IntentSimpleKeyword      Intent = "simple_keyword"
	IntentSimpleSemantic     Intent = "simple_semantic"
	IntentComplexConditional Intent = "complex_conditional"
	IntentSimilaritySearch   Intent = "similarity_search"
	IntentFunctional         Intent = "functional"
)

// Strategy selects how retrieval is executed for a query.
type Strategy string

const (
	StrategyMetadataFirst Strategy = "metadata_first"
	StrategyHybrid        Strategy = "hybrid"
	StrategySemanticFirst Strategy = "semantic_first"
)

// TimeCondition is a resolved or relative time window.
type TimeCondition struct {
	RelativeDays int        `json:"relative_days,omitempty"`
	Since        *time.Time `json:"since,omitempty"`
	Until        *time.Time `json:"until,omitempty"`
}

// PriorityRange is an inclusive priority band.
type PriorityRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// PersonCondition targets the requester or assignee of a ticket.
type PersonCondition struct {
	Role       string `json:"role"` // "requester" | "assignee"
	Identifier string `json:"identifier"`
}

// SentimentRange is an inclusive sentiment band in [-1, 1].
type SentimentRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Conditions holds every structured condition extracted from a query.
type Conditions struct {
	Time      *TimeCondition   `json:"time,omitempty"`
	Priority  *PriorityRange   `json:"priority,omitempty"`
	Status    []Status         `json:"status,omitempty"`
	Category  []string         `json:"category,omitempty"`
	Tags      []string         `json:"tags,omitempty"`
	Person    *PersonCondition `json:"person,omitempty"`
	Sentiment *SentimentRange  `json:"sentiment,omitempty"`
}

// Count returns how many condition groups are set.
func (c Conditions) Count() int {
	n := 0
	if c.Time != nil {
		n++
	}
	if c.Priority != nil {
		n++
	}
	if len(c.Status) > 0 {
		n++
	}
	if len(c.Category) > 0 {
		n++
	}
	if len(c.Tags) > 0 {
		n++
	}
	if c.Person != nil {
		n++
	}
	if c.Sentiment != nil {
		n++
	}
	return n
}

// AnalyzedQuery is the query analyzer output driving the search engine.
type AnalyzedQuery struct {
	Intent     Intent     `json:"intent"`
	Conditions Conditions `json:"conditions"`
	SearchText string     `json:"search_text"`
	Strategy   Strategy   `json:"strategy"`
	Confidence float64    `json:"confidence"`
}
