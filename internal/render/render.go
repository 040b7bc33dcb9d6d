// Package render turns a cached issue into the human-readable body
// served by FETCH_TICKET, caching the result in the Store's
// RenderedArtifact table behind an in-process LRU. See spec.md §4.5.
package render

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/localjira/localjira/internal/store"
)

// ADFRenderer converts one Atlassian Document Format value into the
// requested output format. It is an external collaborator: this
// package never interprets ADF itself.
type ADFRenderer interface {
	Render(adf json.RawMessage, format store.Format) (string, error)
}

// FieldSource supplies the data a rendering needs. Implemented by
// *store.Store in production and faked in tests.
type FieldSource interface {
	GetIssueByKey(ctx context.Context, key string) (*store.Issue, error)
	GetRendered(ctx context.Context, issueKey string, format store.Format) (*store.RenderedArtifact, error)
	GetFields(ctx context.Context, issueKey string) ([]store.IssueField, error)
	FieldHumanNames(ctx context.Context, fieldIDs []string) (map[string]string, error)
	ListComments(ctx context.Context, issueKey string) ([]store.Comment, error)
	ListOutwardLinks(ctx context.Context, issueKey string) ([]store.LinkedIssueRow, error)
	ListInwardLinks(ctx context.Context, issueKey string) ([]store.LinkedIssueRow, error)
}

// Writer persists a freshly computed rendering. *store.Tx satisfies it.
type Writer interface {
	UpsertRendered(ctx context.Context, ra store.RenderedArtifact) error
}

// WriterOpener opens the writer transaction a cache miss needs to
// persist its result. *store.Store satisfies it.
type WriterOpener interface {
	BeginWriter(ctx context.Context) (*store.Tx, error)
}

const cacheSize = 256

// Renderer composes human-readable issue bodies, caching them in
// RenderedArtifact and in a bounded in-process LRU in front of it.
type Renderer struct {
	source   FieldSource
	opener   WriterOpener
	adf      ADFRenderer
	hotCache *lru.Cache[cacheKey, string]
}

type cacheKey struct {
	issueKey string
	format   store.Format
}

// New constructs a Renderer. source and opener are typically the same
// *store.Store value.
func New(source FieldSource, opener WriterOpener, adf ADFRenderer) (*Renderer, error) {
	cache, err := lru.New[cacheKey, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("render: create cache: %w", err)
	}
	return &Renderer{source: source, opener: opener, adf: adf, hotCache: cache}, nil
}

// Render returns the human-readable body for (issueKey, format),
// computing and persisting it on a cache miss.
func (r *Renderer) Render(ctx context.Context, issueKey string, format store.Format) (string, error) {
	key := cacheKey{issueKey: issueKey, format: format}
	if body, ok := r.hotCache.Get(key); ok {
		return body, nil
	}

	if ra, err := r.source.GetRendered(ctx, issueKey, format); err == nil {
		r.hotCache.Add(key, ra.Body)
		return ra.Body, nil
	} else if err != store.ErrNotFound {
		return "", fmt.Errorf("render: load cached artifact %s/%s: %w", issueKey, format, err)
	}

	body, sourceHash, err := r.compose(ctx, issueKey, format)
	if err != nil {
		return "", err
	}

	issue, err := r.source.GetIssueByKey(ctx, issueKey)
	if err != nil {
		return "", fmt.Errorf("render: resolve issue id for %s: %w", issueKey, err)
	}

	tx, err := r.opener.BeginWriter(ctx)
	if err != nil {
		return "", fmt.Errorf("render: begin writer: %w", err)
	}
	if err := tx.UpsertRendered(ctx, store.RenderedArtifact{
		IssueID: issue.JiraID, Format: format, SourceHash: sourceHash, Body: body,
	}); err != nil {
		tx.Rollback()
		return "", fmt.Errorf("render: persist artifact %s/%s: %w", issueKey, format, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("render: commit artifact %s/%s: %w", issueKey, format, err)
	}

	r.hotCache.Add(key, body)
	return body, nil
}

// Invalidate drops the in-process cache entries for an issue across
// both formats. The Store row itself is deleted by the Synchroniser's
// apply step; this keeps the LRU from serving a stale hit afterward.
func (r *Renderer) Invalidate(issueKey string) {
	r.hotCache.Remove(cacheKey{issueKey: issueKey, format: store.FormatMarkdown})
	r.hotCache.Remove(cacheKey{issueKey: issueKey, format: store.FormatHTML})
}

// compose builds the document body: header block, description,
// key/value field table, links section, then comments in order. This ordering follows
// the original single-binary predecessor's composition (see DESIGN.md).
func (r *Renderer) compose(ctx context.Context, issueKey string, format store.Format) (body string, sourceHash string, err error) {
	fields, err := r.source.GetFields(ctx, issueKey)
	if err != nil {
		return "", "", fmt.Errorf("render: load fields for %s: %w", issueKey, err)
	}

	ids := make([]string, 0, len(fields))
	for _, f := range fields {
		ids = append(ids, f.FieldID)
	}
	humanNames, err := r.source.FieldHumanNames(ctx, ids)
	if err != nil {
		return "", "", fmt.Errorf("render: load field names for %s: %w", issueKey, err)
	}

	comments, err := r.source.ListComments(ctx, issueKey)
	if err != nil {
		return "", "", fmt.Errorf("render: load comments for %s: %w", issueKey, err)
	}

	outward, err := r.source.ListOutwardLinks(ctx, issueKey)
	if err != nil {
		return "", "", fmt.Errorf("render: load outward links for %s: %w", issueKey, err)
	}
	inward, err := r.source.ListInwardLinks(ctx, issueKey)
	if err != nil {
		return "", "", fmt.Errorf("render: load inward links for %s: %w", issueKey, err)
	}

	var b strings.Builder
	summary := fieldValue(fields, "summary")

	fmt.Fprintf(&b, "%s: %s\n\n", issueKey, unquote(summary))

	if description := fieldValue(fields, "description"); description != "" {
		text, err := r.renderADFField(description, format)
		if err != nil {
			return "", "", err
		}
		b.WriteString(text)
		b.WriteString("\n\n")
	}

	for _, f := range fields {
		if f.FieldID == "summary" || f.FieldID == "description" {
			continue
		}
		name := humanNames[f.FieldID]
		if name == "" {
			name = f.FieldID
		}
		fmt.Fprintf(&b, "%s: %s\n", name, unquote(f.FieldValue))
	}
	b.WriteString("\n")

	for _, link := range outward {
		fmt.Fprintf(&b, "%s %s: %s\n", link.RelationName, link.OtherIssueKey, unquote(link.OtherSummary))
	}
	for _, link := range inward {
		fmt.Fprintf(&b, "%s %s: %s\n", link.RelationName, link.OtherIssueKey, unquote(link.OtherSummary))
	}
	if len(outward)+len(inward) > 0 {
		b.WriteString("\n")
	}

	for _, c := range comments {
		text, err := r.renderADFField(c.ContentData, format)
		if err != nil {
			return "", "", err
		}
		fmt.Fprintf(&b, "comment from: %s\nlast edited on: %s\n%s\n\n",
			c.Author, c.LastModificationTime.Format("2006-01-02T15:04:05Z07:00"), text)
	}

	body = strings.TrimRight(b.String(), "\n") + "\n"
	return body, hashSource(fields, comments), nil
}

func (r *Renderer) renderADFField(raw string, format store.Format) (string, error) {
	if raw == "" {
		return "", nil
	}
	text, err := r.adf.Render(json.RawMessage(raw), format)
	if err != nil {
		return "", fmt.Errorf("render: adf render: %w", err)
	}
	return text, nil
}

func fieldValue(fields []store.IssueField, id string) string {
	for _, f := range fields {
		if f.FieldID == id {
			return f.FieldValue
		}
	}
	return ""
}

// unquote strips a JSON-string field value down to its plain text for
// presentational fields that are not ADF documents.
func unquote(v string) string {
	var s string
	if err := json.Unmarshal([]byte(v), &s); err == nil {
		return s
	}
	return v
}

// hashSource fingerprints the inputs that drove composition, stored
// alongside the body so a future diff against SourceHash can skip
// recomputation when nothing relevant changed.
func hashSource(fields []store.IssueField, comments []store.Comment) string {
	h := sha256.New()
	for _, f := range fields {
		h.Write([]byte(f.FieldID))
		h.Write([]byte(f.FieldValue))
	}
	for _, c := range comments {
		h.Write([]byte(c.ContentData))
	}
	return hex.EncodeToString(h.Sum(nil))
}
