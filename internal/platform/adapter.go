// Package platform abstracts the external help-desk API behind a small
// adapter interface. One concrete implementation ships (Freshdesk); new
// platforms are added by extending the factory switch, not by runtime
// plugin loading.
package platform

import (
	"context"
	"time"

	"github.com/wedosoft/supportrag/pkg/faults"
	"github.com/wedosoft/supportrag/pkg/models"
)

// ObjectRef is a lightweight descriptor returned by paged listing.
type ObjectRef struct {
	ID         string
	ObjectType models.ObjectType
	UpdatedAt  time.Time
}

// RawTicket is a platform ticket before integration.
type RawTicket struct {
	ID          string
	Subject     string
	Description string // HTML
	Status      int
	Priority    int
	Tags        []string
	Category    string
	AssigneeID  string
	RequesterID string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RawConversation is one ticket conversation entry.
type RawConversation struct {
	ID        string
	BodyHTML  string
	FromEmail string
	Incoming  bool
	Private   bool
	CreatedAt time.Time
}

// RawAttachment is attachment metadata; content is never downloaded.
type RawAttachment struct {
	Name        string
	ContentType string
	Size        int64
	URL         string
}

// RawArticle is a knowledge-base article before integration.
type RawArticle struct {
	ID          string
	Title       string
	BodyHTML    string
	Status      int
	Tags        []string
	Category    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RateLimits describes the adapter's API budget. ConcurrentMax sizes the
// per-adapter semaphore enforced inside the adapter itself.
type RateLimits struct {
	RequestsPerMinute int
	Burst             int
	ConcurrentMax     int64
}

// Adapter is the variant interface over help-desk platforms. All methods
// honor ctx cancellation and surface errors with a faults.Kind.
type Adapter interface {
	// Platform returns the platform tag ("freshdesk").
	Platform() string

	// ListUpdated returns descriptors of objects updated at or after since,
	// one page at a time. An empty next cursor means the listing is done.
	ListUpdated(ctx context.Context, objectType models.ObjectType, since time.Time, cursor string) (refs []ObjectRef, nextCursor string, err error)

	// FetchTicket returns a ticket with its conversations and attachment
	// metadata.
	FetchTicket(ctx context.Context, id string) (*RawTicket, []RawConversation, []RawAttachment, error)

	// FetchArticle returns one knowledge-base article.
	FetchArticle(ctx context.Context, id string) (*RawArticle, error)

	// RateLimits reports the adapter's request budget.
	RateLimits() RateLimits
}

// Credentials carries platform API credentials.
type Credentials struct {
	Domain string // e.g. "acme" for acme.freshdesk.com
	APIKey string
}

// NewAdapter is the adapter factory keyed by platform tag.
func NewAdapter(platform string, creds Credentials) (Adapter, error) {
	switch platform {
	case "freshdesk", "":
		return NewFreshdesk(creds), nil
	}
	return nil, faults.Newf(faults.ValidationFailure, "unsupported platform %q", platform)
}
