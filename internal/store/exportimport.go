package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// exportSchemaVersion guards the Export/Import wire format independent
// of the SQLite schema version reported by GetStats.
const exportSchemaVersion = 1

type exportDoc struct {
	SchemaVersion int            `json:"schema_version"`
	Projects      []Project      `json:"projects"`
	Issues        []exportIssue  `json:"issues"`
}

// exportIssue bundles an issue with everything Export walks through
// the read API to reach it. Links are included for inspection but
// are not replayed by Import: a link references a link
// type and another issue that may not exist yet in the target
// database, and reconstructing that ordering correctly is out of scope
// for a personal-cache restore tool (see DESIGN.md).
type exportIssue struct {
	Issue       Issue         `json:"issue"`
	Fields      []IssueField  `json:"fields"`
	Comments    []Comment     `json:"comments"`
	Attachments []Attachment  `json:"attachments"`
	Watchers    []string      `json:"watchers"`
	Outward     []LinkedIssueRow `json:"outward_links,omitempty"`
	Inward      []LinkedIssueRow `json:"inward_links,omitempty"`
}

// Export serialises every cached project and issue to w as JSON.
// Attachment content bytes are never included; FETCH_ATTACHMENT_CONTENT
// re-fetches them from the remote on first read after an import.
func (s *Store) Export(ctx context.Context, w io.Writer) error {
	projects, err := s.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("store: export: list projects: %w", err)
	}

	doc := exportDoc{SchemaVersion: exportSchemaVersion, Projects: projects}

	keys, err := s.ListIssueKeys(ctx, "")
	if err != nil {
		return fmt.Errorf("store: export: list issue keys: %w", err)
	}

	for _, key := range keys {
		issue, err := s.GetIssueByKey(ctx, key)
		if err != nil {
			return fmt.Errorf("store: export: load issue %s: %w", key, err)
		}
		fields, err := s.GetFields(ctx, key)
		if err != nil {
			return fmt.Errorf("store: export: load fields %s: %w", key, err)
		}
		comments, err := s.ListComments(ctx, key)
		if err != nil {
			return fmt.Errorf("store: export: load comments %s: %w", key, err)
		}
		attachments, err := s.ListAttachments(ctx, key)
		if err != nil {
			return fmt.Errorf("store: export: load attachments %s: %w", key, err)
		}
		watchers, err := s.ListWatchers(ctx, issue.JiraID)
		if err != nil {
			return fmt.Errorf("store: export: load watchers %s: %w", key, err)
		}
		outward, err := s.ListOutwardLinks(ctx, key)
		if err != nil {
			return fmt.Errorf("store: export: load outward links %s: %w", key, err)
		}
		inward, err := s.ListInwardLinks(ctx, key)
		if err != nil {
			return fmt.Errorf("store: export: load inward links %s: %w", key, err)
		}

		doc.Issues = append(doc.Issues, exportIssue{
			Issue:       *issue,
			Fields:      fields,
			Comments:    comments,
			Attachments: attachments,
			Watchers:    watchers,
			Outward:     outward,
			Inward:      inward,
		})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("store: export: encode: %w", err)
	}
	return nil
}

// Import replays a document produced by Export: projects, issue
// identities, field values, comments, attachment metadata and
// watchers. It does not replay links (see exportIssue's doc comment)
// or attachment content. Safe to run against a non-empty store: every
// write is an upsert.
func (s *Store) Import(ctx context.Context, r io.Reader) error {
	var doc exportDoc
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return fmt.Errorf("store: import: decode: %w", err)
	}

	tx, err := s.BeginWriter(ctx)
	if err != nil {
		return fmt.Errorf("store: import: begin writer: %w", err)
	}

	if err := importDoc(ctx, tx, doc); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: import: commit: %w", err)
	}
	return nil
}

func importDoc(ctx context.Context, tx *Tx, doc exportDoc) error {
	for _, p := range doc.Projects {
		if err := tx.UpsertProject(ctx, p); err != nil {
			return fmt.Errorf("store: import: project %s: %w", p.Key, err)
		}
	}

	for _, item := range doc.Issues {
		if err := tx.UpsertIssue(ctx, item.Issue); err != nil {
			return fmt.Errorf("store: import: issue %s: %w", item.Issue.Key, err)
		}
		for _, f := range item.Fields {
			if err := tx.EnsureFieldExists(ctx, f.FieldID); err != nil {
				return fmt.Errorf("store: import: field %s on %s: %w", f.FieldID, item.Issue.Key, err)
			}
			if err := tx.UpsertIssueField(ctx, f); err != nil {
				return fmt.Errorf("store: import: field value %s on %s: %w", f.FieldID, item.Issue.Key, err)
			}
		}
		// The export carries account ids only: a person not yet known
		// gets its account id as a placeholder display name, and an
		// existing person's display name is kept.
		for _, c := range item.Comments {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO person (account_id, display_name) VALUES (?, ?)`, c.Author, c.Author); err != nil {
				return fmt.Errorf("store: import: comment author %s on %s: %w", c.Author, item.Issue.Key, err)
			}
			if err := tx.UpsertComment(ctx, c); err != nil {
				return fmt.Errorf("store: import: comment on %s: %w", item.Issue.Key, err)
			}
		}
		for _, a := range item.Attachments {
			a.HasContent = false
			if err := tx.UpsertAttachmentMetadata(ctx, a); err != nil {
				return fmt.Errorf("store: import: attachment %s on %s: %w", a.UUID, item.Issue.Key, err)
			}
		}
		for _, accountID := range item.Watchers {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO person (account_id, display_name) VALUES (?, ?)`, accountID, accountID); err != nil {
				return fmt.Errorf("store: import: watcher %s on %s: %w", accountID, item.Issue.Key, err)
			}
			if err := tx.UpsertWatcher(ctx, accountID, item.Issue.JiraID); err != nil {
				return fmt.Errorf("store: import: watcher %s on %s: %w", accountID, item.Issue.Key, err)
			}
		}
	}
	return nil
}
