// Package integrate builds canonical integrated objects from raw platform
// records: HTML is stripped, conversations are merged chronologically,
// enums are canonicalized, and a deterministic content hash is computed
// for dedup.
package integrate

import (
	"crypto/sha256"
	"encoding/hex"
	"html"
	"regexp"
	"sort"
	"strings"

	"github.com/wedosoft/supportrag/internal/platform"
	"github.com/wedosoft/supportrag/internal/tenant"
	"github.com/wedosoft/supportrag/pkg/faults"
	"github.com/wedosoft/supportrag/pkg/models"
)

// messageSeparator joins conversation entries in the merged body.
const messageSeparator = "\n---\n"

var (
	tagPattern    = regexp.MustCompile(`(?s)<[^>]*>`)
	scriptPattern = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	brPattern     = regexp.MustCompile(`(?i)<(br|/p|/div|/li|/tr)[^>]*>`)
	spacePattern  = regexp.MustCompile(`[ \t\x{00a0}]+`)
	blankPattern  = regexp.MustCompile(`\n{3,}`)
)

// StripHTML converts an HTML fragment to normalized plain text: block
// boundaries become newlines, entities are decoded, runs of whitespace
// collapse.
func StripHTML(s string) string {
	s = scriptPattern.ReplaceAllString(s, "")
	s = brPattern.ReplaceAllString(s, "\n")
	s = tagPattern.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	s = spacePattern.ReplaceAllString(s, " ")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = blankPattern.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// cleanMessage strips HTML and drops quoted reply lines and anything after
// a signature delimiter. Help-desk conversations quote the full thread on
// every reply; keeping the quotes would dominate the embedding.
func cleanMessage(htmlBody string) string {
	text := StripHTML(htmlBody)
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, ">") {
			continue
		}
		if trimmed == "--" || trimmed == "-- " {
			break
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// dedupeBlocks removes exact duplicate messages while preserving order.
// Repeated auto-signatures and re-sent replies collapse to one copy.
func dedupeBlocks(blocks []string) []string {
	seen := make(map[string]bool, len(blocks))
	out := blocks[:0]
	for _, b := range blocks {
		key := strings.Join(strings.Fields(b), " ")
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, b)
	}
	return out
}

// BuildTicket merges a raw ticket with its conversations and attachment
// metadata into one integrated object. Fails with ValidationFailure when
// both subject and body are empty after normalization.
func BuildTicket(tc tenant.Context, t *platform.RawTicket, convs []platform.RawConversation, atts []platform.RawAttachment) (*models.IntegratedObject, error) {
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].CreatedAt.Before(convs[j].CreatedAt)
	})

	blocks := make([]string, 0, len(convs)+1)
	if body := cleanMessage(t.Description); body != "" {
		blocks = append(blocks, body)
	}
	for _, c := range convs {
		if body := cleanMessage(c.BodyHTML); body != "" {
			blocks = append(blocks, body)
		}
	}
	blocks = dedupeBlocks(blocks)

	obj := &models.IntegratedObject{
		TenantID:    tc.TenantID,
		Platform:    tc.Platform,
		ObjectType:  models.ObjectTicket,
		OriginalID:  t.ID,
		Subject:     strings.TrimSpace(t.Subject),
		BodyText:    strings.Join(blocks, messageSeparator),
		Status:      canonicalStatus(t.Status),
		Priority:    clampPriority(t.Priority),
		CreatedAt:   t.CreatedAt.UTC(),
		UpdatedAt:   t.UpdatedAt.UTC(),
		Tags:        t.Tags,
		Category:    strings.ToLower(strings.TrimSpace(t.Category)),
		AssigneeID:  t.AssigneeID,
		RequesterID: t.RequesterID,
	}
	for _, a := range atts {
		obj.Attachments = append(obj.Attachments, models.Attachment{
			Name: a.Name, Mime: a.ContentType, Size: a.Size, ExternalURL: a.URL,
		})
	}

	return finalize(obj, blocks)
}

// BuildArticle converts a raw KB article into an integrated object.
func BuildArticle(tc tenant.Context, a *platform.RawArticle) (*models.IntegratedObject, error) {
	body := cleanMessage(a.BodyHTML)
	obj := &models.IntegratedObject{
		TenantID:   tc.TenantID,
		Platform:   tc.Platform,
		ObjectType: models.ObjectKBArticle,
		OriginalID: a.ID,
		Subject:    strings.TrimSpace(a.Title),
		BodyText:   body,
		Status:     articleStatus(a.Status),
		Priority:   models.PriorityMin,
		CreatedAt:  a.CreatedAt.UTC(),
		UpdatedAt:  a.UpdatedAt.UTC(),
		Tags:       a.Tags,
		Category:   strings.ToLower(strings.TrimSpace(a.Category)),
	}
	var blocks []string
	if body != "" {
		blocks = []string{body}
	}
	return finalize(obj, blocks)
}

// finalize validates, detects language, and stamps the content hash.
func finalize(obj *models.IntegratedObject, blocks []string) (*models.IntegratedObject, error) {
	if obj.Subject == "" && obj.BodyText == "" {
		return nil, faults.Newf(faults.ValidationFailure, "object %s has neither subject nor body", obj.Key())
	}
	obj.Language = DetectLanguage(obj.Subject + "\n" + obj.BodyText)
	obj.ContentHash = ContentHash(obj.Subject, blocks, obj.Attachments)
	return obj, nil
}

// ContentHash computes the SHA-256 content hash over subject, sorted
// message blocks, and sorted attachment names. Timestamps are excluded so
// the hash changes iff visible content changes.
func ContentHash(subject string, messages []string, atts []models.Attachment) string {
	sorted := make([]string, len(messages))
	copy(sorted, messages)
	sort.Strings(sorted)

	names := make([]string, 0, len(atts))
	for _, a := range atts {
		names = append(names, a.Name)
	}
	sort.Strings(names)

	h := sha256.New()
	h.Write([]byte(subject))
	h.Write([]byte{0x1f})
	for _, m := range sorted {
		h.Write([]byte(m))
		h.Write([]byte{0x1e})
	}
	h.Write([]byte{0x1f})
	for _, n := range names {
		h.Write([]byte(n))
		h.Write([]byte{0x1e})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalStatus maps Freshdesk status codes onto the closed enum.
func canonicalStatus(code int) models.Status {
	switch code {
	case 2:
		return models.StatusOpen
	case 3:
		return models.StatusPending
	case 4:
		return models.StatusResolved
	case 5:
		return models.StatusClosed
	}
	return models.StatusOpen
}

// articleStatus maps Freshdesk article status (1=draft, 2=published).
func articleStatus(code int) models.Status {
	if code == 2 {
		return models.StatusResolved
	}
	return models.StatusPending
}

func clampPriority(p int) int {
	if p < models.PriorityMin {
		return models.PriorityMin
	}
	if p > models.PriorityMax {
		return models.PriorityMax
	}
	return p
}
