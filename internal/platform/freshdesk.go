package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/wedosoft/supportrag/pkg/faults"
	"github.com/wedosoft/supportrag/pkg/models"
)

// Freshdesk default request budget. The API plan allows more, but staying
// under 50 concurrent in-flight requests keeps the account out of the
// abuse detector.
const (
	fdPerPage       = 100
	fdConcurrentMax = 5
	fdRetryDefault  = 5 * time.Second
	fdRetryCap      = 60 * time.Second
	fdMaxRetries    = 5
)

// Freshdesk implements Adapter against the Freshdesk v2 REST API.
type Freshdesk struct {
	baseURL string
	apiKey  string
	client  *http.Client
	sem     *semaphore.Weighted
	limits  RateLimits
}

// NewFreshdesk creates a Freshdesk adapter for one account domain.
func NewFreshdesk(creds Credentials) *Freshdesk {
	base := creds.Domain
	if !strings.Contains(base, ".") {
		base = fmt.Sprintf("https://%s.freshdesk.com/api/v2", creds.Domain)
	}
	return &Freshdesk{
		baseURL: base,
		apiKey:  creds.APIKey,
		client:  &http.Client{Timeout: 30 * time.Second},
		sem:     semaphore.NewWeighted(fdConcurrentMax),
		limits: RateLimits{
			RequestsPerMinute: 100,
			Burst:             20,
			ConcurrentMax:     fdConcurrentMax,
		},
	}
}

func (f *Freshdesk) Platform() string       { return "freshdesk" }
func (f *Freshdesk) RateLimits() RateLimits { return f.limits }

// ── Wire shapes ──────────────────────────────────────────────

type fdTicket struct {
	ID           int64    `json:"id"`
	Subject      string   `json:"subject"`
	Description  string   `json:"description"`
	Status       int      `json:"status"`
	Priority     int      `json:"priority"`
	Tags         []string `json:"tags"`
	Type         string   `json:"type"`
	ResponderID  int64    `json:"responder_id"`
	RequesterID  int64    `json:"requester_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Attachments  []fdAttachment `json:"attachments"`
}

type fdConversation struct {
	ID        int64     `json:"id"`
	BodyHTML  string    `json:"body"`
	FromEmail string    `json:"from_email"`
	Incoming  bool      `json:"incoming"`
	Private   bool      `json:"private"`
	CreatedAt time.Time `json:"created_at"`
	Attachments []fdAttachment `json:"attachments"`
}

type fdAttachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	URL         string `json:"attachment_url"`
}

type fdArticle struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      int       `json:"status"`
	Tags        []string  `json:"tags"`
	CategoryID  int64     `json:"category_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type fdCategory struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type fdFolder struct {
	ID int64 `json:"id"`
}

// ── Listing ──────────────────────────────────────────────────

// ListUpdated pages tickets by updated_since, KB articles by walking
// solution categories and folders. The cursor is the 1-based page number
// for tickets, and "category:folder:page" for articles.
func (f *Freshdesk) ListUpdated(ctx context.Context, objectType models.ObjectType, since time.Time, cursor string) ([]ObjectRef, string, error) {
	switch objectType {
	case models.ObjectKBArticle:
		return f.listArticles(ctx, since, cursor)
	default:
		return f.listTickets(ctx, since, cursor)
	}
}

func (f *Freshdesk) listTickets(ctx context.Context, since time.Time, cursor string) ([]ObjectRef, string, error) {
	page := 1
	if cursor != "" {
		p, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, "", faults.Newf(faults.ValidationFailure, "bad ticket cursor %q", cursor)
		}
		page = p
	}

	q := url.Values{}
	q.Set("updated_since", since.UTC().Format(time.RFC3339))
	q.Set("order_by", "updated_at")
	q.Set("order_type", "asc")
	q.Set("per_page", strconv.Itoa(fdPerPage))
	q.Set("page", strconv.Itoa(page))

	var tickets []fdTicket
	if err := f.getJSON(ctx, "/tickets?"+q.Encode(), &tickets); err != nil {
		return nil, "", err
	}

	refs := make([]ObjectRef, 0, len(tickets))
	for _, t := range tickets {
		refs = append(refs, ObjectRef{
			ID:         strconv.FormatInt(t.ID, 10),
			ObjectType: models.ObjectTicket,
			UpdatedAt:  t.UpdatedAt,
		})
	}

	next := ""
	if len(tickets) == fdPerPage {
		next = strconv.Itoa(page + 1)
	}
	return refs, next, nil
}

// listArticles walks categories → folders → articles. Freshdesk has no
// updated_since on the articles listing, so the filter is applied
// client-side; the folder walk position is encoded in the cursor.
func (f *Freshdesk) listArticles(ctx context.Context, since time.Time, cursor string) ([]ObjectRef, string, error) {
	catIdx, folderIdx, page := 0, 0, 1
	if cursor != "" {
		if _, err := fmt.Sscanf(cursor, "%d:%d:%d", &catIdx, &folderIdx, &page); err != nil {
			return nil, "", faults.Newf(faults.ValidationFailure, "bad article cursor %q", cursor)
		}
	}

	var categories []fdCategory
	if err := f.getJSON(ctx, "/solutions/categories", &categories); err != nil {
		return nil, "", err
	}
	if catIdx >= len(categories) {
		return nil, "", nil
	}
	cat := categories[catIdx]

	var folders []fdFolder
	if err := f.getJSON(ctx, fmt.Sprintf("/solutions/categories/%d/folders", cat.ID), &folders); err != nil {
		return nil, "", err
	}
	if folderIdx >= len(folders) {
		return nil, fmt.Sprintf("%d:%d:%d", catIdx+1, 0, 1), nil
	}

	var articles []fdArticle
	path := fmt.Sprintf("/solutions/folders/%d/articles?per_page=%d&page=%d", folders[folderIdx].ID, fdPerPage, page)
	if err := f.getJSON(ctx, path, &articles); err != nil {
		return nil, "", err
	}

	var refs []ObjectRef
	for _, a := range articles {
		if a.UpdatedAt.Before(since) {
			continue
		}
		refs = append(refs, ObjectRef{
			ID:         strconv.FormatInt(a.ID, 10),
			ObjectType: models.ObjectKBArticle,
			UpdatedAt:  a.UpdatedAt,
		})
	}

	var next string
	switch {
	case len(articles) == fdPerPage:
		next = fmt.Sprintf("%d:%d:%d", catIdx, folderIdx, page+1)
	case folderIdx+1 < len(folders):
		next = fmt.Sprintf("%d:%d:%d", catIdx, folderIdx+1, 1)
	case catIdx+1 < len(categories):
		next = fmt.Sprintf("%d:%d:%d", catIdx+1, 0, 1)
	}
	return refs, next, nil
}

// ── Fetching ─────────────────────────────────────────────────

func (f *Freshdesk) FetchTicket(ctx context.Context, id string) (*RawTicket, []RawConversation, []RawAttachment, error) {
	var t fdTicket
	if err := f.getJSON(ctx, "/tickets/"+id, &t); err != nil {
		return nil, nil, nil, err
	}

	var convs []fdConversation
	if err := f.getJSON(ctx, "/tickets/"+id+"/conversations?per_page="+strconv.Itoa(fdPerPage), &convs); err != nil {
		return nil, nil, nil, err
	}

	ticket := &RawTicket{
		ID:          strconv.FormatInt(t.ID, 10),
		Subject:     t.Subject,
		Description: t.Description,
		Status:      t.Status,
		Priority:    t.Priority,
		Tags:        t.Tags,
		Category:    t.Type,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
	if t.ResponderID != 0 {
		ticket.AssigneeID = strconv.FormatInt(t.ResponderID, 10)
	}
	if t.RequesterID != 0 {
		ticket.RequesterID = strconv.FormatInt(t.RequesterID, 10)
	}

	var conversations []RawConversation
	var attachments []RawAttachment
	for _, a := range t.Attachments {
		attachments = append(attachments, RawAttachment{Name: a.Name, ContentType: a.ContentType, Size: a.Size, URL: a.URL})
	}
	for _, c := range convs {
		if c.Private {
			continue
		}
		conversations = append(conversations, RawConversation{
			ID:        strconv.FormatInt(c.ID, 10),
			BodyHTML:  c.BodyHTML,
			FromEmail: c.FromEmail,
			Incoming:  c.Incoming,
			CreatedAt: c.CreatedAt,
		})
		for _, a := range c.Attachments {
			attachments = append(attachments, RawAttachment{Name: a.Name, ContentType: a.ContentType, Size: a.Size, URL: a.URL})
		}
	}
	return ticket, conversations, attachments, nil
}

func (f *Freshdesk) FetchArticle(ctx context.Context, id string) (*RawArticle, error) {
	var a fdArticle
	if err := f.getJSON(ctx, "/solutions/articles/"+id, &a); err != nil {
		return nil, err
	}
	return &RawArticle{
		ID:        strconv.FormatInt(a.ID, 10),
		Title:     a.Title,
		BodyHTML:  a.Description,
		Status:    a.Status,
		Tags:      a.Tags,
		Category:  strconv.FormatInt(a.CategoryID, 10),
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}, nil
}

// ── HTTP plumbing ────────────────────────────────────────────

// getJSON performs one authenticated GET with the adapter's concurrency
// semaphore and rate-limit-aware retry. 429 responses wait for the
// server-indicated Retry-After (or a jittered default) before retrying.
func (f *Freshdesk) getJSON(ctx context.Context, path string, out any) error {
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return faults.Wrap(faults.Cancelled, "adapter semaphore", err)
	}
	defer f.sem.Release(1)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = fdRetryCap
	bo.MaxElapsedTime = 0 // bounded by retry count, not wall clock

	attempt := 0
	operation := func() error {
		attempt++
		err := f.doOnce(ctx, path, out)
		if err == nil {
			return nil
		}
		if !faults.Retryable(err) || attempt > fdMaxRetries {
			return backoff.Permanent(err)
		}

		var fe *faults.Error
		if faults.IsKind(err, faults.RateLimited) {
			wait := fdRetryDefault
			if errors.As(err, &fe) && fe.RetryAfterSeconds > 0 {
				wait = time.Duration(fe.RetryAfterSeconds) * time.Second
			}
			wait += time.Duration(rand.Int63n(int64(500 * time.Millisecond)))
			if wait > fdRetryCap {
				wait = fdRetryCap
			}
			log.Warn().Str("path", path).Dur("wait", wait).Int("attempt", attempt).Msg("freshdesk rate limited")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return backoff.Permanent(faults.Wrap(faults.Cancelled, "rate-limit wait", ctx.Err()))
			}
		}
		return err
	}

	return backoff.Retry(operation, backoff.WithContext(bo, ctx))
}

func (f *Freshdesk) doOnce(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+path, nil)
	if err != nil {
		return faults.Wrap(faults.Internal, "build request", err)
	}
	req.SetBasicAuth(f.apiKey, "X")
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return faults.Wrap(faults.Cancelled, "freshdesk request", ctx.Err())
		}
		return faults.Wrap(faults.TransientNetwork, "freshdesk request", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return faults.Wrap(faults.TransientNetwork, "read response", err)
		}
		if err := json.Unmarshal(body, out); err != nil {
			return faults.Wrap(faults.Internal, "decode response", err)
		}
		return nil

	case resp.StatusCode == http.StatusTooManyRequests:
		fe := faults.Newf(faults.RateLimited, "freshdesk 429 on %s", path)
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				fe.RetryAfterSeconds = secs
			}
		}
		return fe

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return faults.Newf(faults.AuthFailure, "freshdesk %d on %s", resp.StatusCode, path)

	case resp.StatusCode == http.StatusNotFound:
		return faults.Newf(faults.NotFound, "freshdesk 404 on %s", path)

	case resp.StatusCode >= 500:
		return faults.Newf(faults.TransientNetwork, "freshdesk %d on %s", resp.StatusCode, path)

	default:
		return faults.Newf(faults.ValidationFailure, "freshdesk %d on %s", resp.StatusCode, path)
	}
}
