package store

import (
	"context"
	"fmt"
	"time"
)

// UpsertPerson inserts or refreshes the display name of a person,
// creating them on first reference per spec.md §3.
func (t *Tx) UpsertPerson(ctx context.Context, p Person) error {
	_, err := t.ExecContext(ctx, `
		INSERT INTO person (account_id, display_name) VALUES (?, ?)
		ON CONFLICT(account_id) DO UPDATE SET display_name = excluded.display_name`,
		p.AccountID, p.DisplayName)
	if err != nil {
		return fmt.Errorf("store: upsert person %s: %w", p.AccountID, err)
	}
	return nil
}

// UpsertProject inserts or updates a project row.
func (t *Tx) UpsertProject(ctx context.Context, p Project) error {
	_, err := t.ExecContext(ctx, `
		INSERT INTO project (jira_id, key, name, description, is_archived) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(jira_id) DO UPDATE SET
			key = excluded.key,
			name = excluded.name,
			description = excluded.description,
			is_archived = excluded.is_archived`,
		p.JiraID, p.Key, p.Name, p.Description, p.IsArchived)
	if err != nil {
		return fmt.Errorf("store: upsert project %s: %w", p.Key, err)
	}
	return nil
}

// UpsertField inserts or updates a field definition.
func (t *Tx) UpsertField(ctx context.Context, f Field) error {
	_, err := t.ExecContext(ctx, `
		INSERT INTO field (jira_id, key, human_name, schema, is_custom) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(jira_id) DO UPDATE SET
			key = excluded.key,
			human_name = excluded.human_name,
			schema = excluded.schema,
			is_custom = excluded.is_custom`,
		f.JiraID, f.Key, f.HumanName, f.Schema, f.IsCustom)
	if err != nil {
		return fmt.Errorf("store: upsert field %s: %w", f.JiraID, err)
	}
	return nil
}

// UpsertIssueType inserts or updates an issue type definition.
func (t *Tx) UpsertIssueType(ctx context.Context, it IssueType) error {
	_, err := t.ExecContext(ctx, `
		INSERT INTO issue_type (jira_id, name, description) VALUES (?, ?, ?)
		ON CONFLICT(jira_id) DO UPDATE SET name = excluded.name, description = excluded.description`,
		it.JiraID, it.Name, it.Description)
	if err != nil {
		return fmt.Errorf("store: upsert issue type %d: %w", it.JiraID, err)
	}
	return nil
}

// LinkIssueTypeToProject records that issueTypeID is usable within projectID.
func (t *Tx) LinkIssueTypeToProject(ctx context.Context, projectID, issueTypeID int64) error {
	_, err := t.ExecContext(ctx, `
		INSERT OR IGNORE INTO issue_type_per_project (project_id, issue_type_id) VALUES (?, ?)`,
		projectID, issueTypeID)
	if err != nil {
		return fmt.Errorf("store: link issue type %d to project %d: %w", issueTypeID, projectID, err)
	}
	return nil
}

// UpsertIssue inserts or updates an issue's identity row. The project
// must already exist; callers apply payloads top-down (project, then
// field/type definitions, then issues) within one writer transaction.
func (t *Tx) UpsertIssue(ctx context.Context, i Issue) error {
	_, err := t.ExecContext(ctx, `
		INSERT INTO issue (jira_id, key, project_key) VALUES (?, ?, ?)
		ON CONFLICT(jira_id) DO UPDATE SET key = excluded.key, project_key = excluded.project_key`,
		i.JiraID, i.Key, i.ProjectKey)
	if err != nil {
		return fmt.Errorf("store: upsert issue %s: %w", i.Key, err)
	}
	return nil
}

// UpsertIssueField writes one (field, value) pair, as computed by the
// diff engine's added/changed sets.
func (t *Tx) UpsertIssueField(ctx context.Context, f IssueField) error {
	_, err := t.ExecContext(ctx, `
		INSERT INTO issue_field (issue_id, field_id, field_value) VALUES (?, ?, ?)
		ON CONFLICT(issue_id, field_id) DO UPDATE SET field_value = excluded.field_value`,
		f.IssueID, f.FieldID, f.FieldValue)
	if err != nil {
		return fmt.Errorf("store: upsert issue field %d/%s: %w", f.IssueID, f.FieldID, err)
	}
	return nil
}

// EnsureFieldExists inserts a placeholder field definition if fieldID
// is not already known, so an issue_field row can be written before
// the field catalog has been refreshed for a newly observed custom
// field. UpsertField later overwrites the placeholder with real data.
func (t *Tx) EnsureFieldExists(ctx context.Context, fieldID string) error {
	_, err := t.ExecContext(ctx,
		`INSERT OR IGNORE INTO field (jira_id, key, human_name, schema, is_custom) VALUES (?, ?, ?, '', 0)`,
		fieldID, fieldID, fieldID)
	if err != nil {
		return fmt.Errorf("store: ensure field exists %s: %w", fieldID, err)
	}
	return nil
}

// DeleteIssueField removes a (field, value) pair no longer present
// remotely, as computed by the diff engine's removed set.
func (t *Tx) DeleteIssueField(ctx context.Context, issueID int64, fieldID string) error {
	_, err := t.ExecContext(ctx,
		`DELETE FROM issue_field WHERE issue_id = ? AND field_id = ?`, issueID, fieldID)
	if err != nil {
		return fmt.Errorf("store: delete issue field %d/%s: %w", issueID, fieldID, err)
	}
	return nil
}

// UpsertIssueLinkType inserts or updates a link type definition.
func (t *Tx) UpsertIssueLinkType(ctx context.Context, lt IssueLinkType) error {
	_, err := t.ExecContext(ctx, `
		INSERT INTO issue_link_type (jira_id, name, outward_name, inward_name) VALUES (?, ?, ?, ?)
		ON CONFLICT(jira_id) DO UPDATE SET
			name = excluded.name, outward_name = excluded.outward_name, inward_name = excluded.inward_name`,
		lt.JiraID, lt.Name, lt.OutwardName, lt.InwardName)
	if err != nil {
		return fmt.Errorf("store: upsert issue link type %d: %w", lt.JiraID, err)
	}
	return nil
}

// UpsertIssueLink inserts or updates a directed link between two issues.
func (t *Tx) UpsertIssueLink(ctx context.Context, l IssueLink) error {
	_, err := t.ExecContext(ctx, `
		INSERT INTO issue_link (jira_id, link_type_id, outward_issue_id, inward_issue_id) VALUES (?, ?, ?, ?)
		ON CONFLICT(jira_id) DO UPDATE SET
			link_type_id = excluded.link_type_id,
			outward_issue_id = excluded.outward_issue_id,
			inward_issue_id = excluded.inward_issue_id`,
		l.JiraID, l.LinkTypeID, l.OutwardIssueID, l.InwardIssueID)
	if err != nil {
		return fmt.Errorf("store: upsert issue link %d: %w", l.JiraID, err)
	}
	return nil
}

// DeleteIssueLink removes a link no longer present remotely.
func (t *Tx) DeleteIssueLink(ctx context.Context, jiraID int64) error {
	_, err := t.ExecContext(ctx, `DELETE FROM issue_link WHERE jira_id = ?`, jiraID)
	if err != nil {
		return fmt.Errorf("store: delete issue link %d: %w", jiraID, err)
	}
	return nil
}

// UpsertWatcher records that person watches issue.
func (t *Tx) UpsertWatcher(ctx context.Context, person string, issue int64) error {
	_, err := t.ExecContext(ctx,
		`INSERT OR IGNORE INTO watcher (person, issue) VALUES (?, ?)`, person, issue)
	if err != nil {
		return fmt.Errorf("store: upsert watcher %s/%d: %w", person, issue, err)
	}
	return nil
}

// DeleteWatcher removes a watcher relationship no longer present remotely.
func (t *Tx) DeleteWatcher(ctx context.Context, person string, issue int64) error {
	_, err := t.ExecContext(ctx,
		`DELETE FROM watcher WHERE person = ? AND issue = ?`, person, issue)
	if err != nil {
		return fmt.Errorf("store: delete watcher %s/%d: %w", person, issue, err)
	}
	return nil
}

// UpsertAttachmentMetadata writes attachment metadata without touching
// any previously cached content blob.
func (t *Tx) UpsertAttachmentMetadata(ctx context.Context, a Attachment) error {
	_, err := t.ExecContext(ctx, `
		INSERT INTO attachment (uuid, id, issue_id, filename, mime_type, file_size) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			id = excluded.id,
			issue_id = excluded.issue_id,
			filename = excluded.filename,
			mime_type = excluded.mime_type,
			file_size = excluded.file_size`,
		a.UUID, a.ID, a.IssueID, a.Filename, a.MimeType, a.FileSize)
	if err != nil {
		return fmt.Errorf("store: upsert attachment metadata %s: %w", a.UUID, err)
	}
	return nil
}

// SetAttachmentContent stores a downloaded attachment blob.
func (t *Tx) SetAttachmentContent(ctx context.Context, uuid string, data []byte, mimeType string) error {
	_, err := t.ExecContext(ctx,
		`UPDATE attachment SET content_data = ?, mime_type = ? WHERE uuid = ?`, data, mimeType, uuid)
	if err != nil {
		return fmt.Errorf("store: set attachment content %s: %w", uuid, err)
	}
	return nil
}

// DeleteAttachment removes an attachment no longer present remotely.
func (t *Tx) DeleteAttachment(ctx context.Context, uuid string) error {
	_, err := t.ExecContext(ctx, `DELETE FROM attachment WHERE uuid = ?`, uuid)
	if err != nil {
		return fmt.Errorf("store: delete attachment %s: %w", uuid, err)
	}
	return nil
}

// UpsertComment writes one comment, keyed by (id, position_in_array)
// since Jira permits the same comment id to reappear at a new position
// when the remote comment list is paginated.
func (t *Tx) UpsertComment(ctx context.Context, c Comment) error {
	_, err := t.ExecContext(ctx, `
		INSERT INTO comment (id, issue_id, position_in_array, content_data, author, creation_time, last_modification_time)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, position_in_array) DO UPDATE SET
			content_data = excluded.content_data,
			author = excluded.author,
			creation_time = excluded.creation_time,
			last_modification_time = excluded.last_modification_time`,
		c.ID, c.IssueID, c.PositionInArray, c.ContentData, c.Author, c.CreationTime, c.LastModificationTime)
	if err != nil {
		return fmt.Errorf("store: upsert comment %d/%d: %w", c.IssueID, c.ID, err)
	}
	return nil
}

// DeleteCommentsFromPosition removes every comment at or beyond
// position on an issue — used when a refresh observes fewer comments
// than are currently cached.
func (t *Tx) DeleteCommentsFromPosition(ctx context.Context, issueID int64, position int) error {
	_, err := t.ExecContext(ctx,
		`DELETE FROM comment WHERE issue_id = ? AND position_in_array >= ?`, issueID, position)
	if err != nil {
		return fmt.Errorf("store: delete comments for issue %d from position %d: %w", issueID, position, err)
	}
	return nil
}

// InvalidateRendered drops any cached rendering for an issue so the
// renderer recomputes it on next read.
func (t *Tx) InvalidateRendered(ctx context.Context, issueID int64) error {
	_, err := t.ExecContext(ctx, `DELETE FROM rendered_artifact WHERE issue_id = ?`, issueID)
	if err != nil {
		return fmt.Errorf("store: invalidate rendered artifact for issue %d: %w", issueID, err)
	}
	return nil
}

// UpsertRendered writes a freshly computed rendering.
func (t *Tx) UpsertRendered(ctx context.Context, ra RenderedArtifact) error {
	_, err := t.ExecContext(ctx, `
		INSERT INTO rendered_artifact (issue_id, format, source_hash, body) VALUES (?, ?, ?, ?)
		ON CONFLICT(issue_id, format) DO UPDATE SET source_hash = excluded.source_hash, body = excluded.body`,
		ra.IssueID, string(ra.Format), ra.SourceHash, ra.Body)
	if err != nil {
		return fmt.Errorf("store: upsert rendered artifact %d/%s: %w", ra.IssueID, ra.Format, err)
	}
	return nil
}

// DeleteIssueCascade removes an issue and every row that references it
// — used when full_issue_scan observes the issue has disappeared
// remotely (moved, deleted, or permissions revoked).
func (t *Tx) DeleteIssueCascade(ctx context.Context, issueID int64) error {
	stmts := []string{
		`DELETE FROM rendered_artifact WHERE issue_id = ?`,
		`DELETE FROM comment WHERE issue_id = ?`,
		`DELETE FROM attachment WHERE issue_id = ?`,
		`DELETE FROM watcher WHERE issue = ?`,
		`DELETE FROM issue_link WHERE outward_issue_id = ? OR inward_issue_id = ?`,
		`DELETE FROM issue_field WHERE issue_id = ?`,
		`DELETE FROM issue WHERE jira_id = ?`,
	}
	for _, stmt := range stmts {
		var err error
		if stmt == `DELETE FROM issue_link WHERE outward_issue_id = ? OR inward_issue_id = ?` {
			_, err = t.ExecContext(ctx, stmt, issueID, issueID)
		} else {
			_, err = t.ExecContext(ctx, stmt, issueID)
		}
		if err != nil {
			return fmt.Errorf("store: delete issue cascade %d: %w", issueID, err)
		}
	}
	return nil
}

// SetWatermark updates the singleton sync progress row. Zero time
// values leave the corresponding column untouched.
func (t *Tx) SetWatermark(ctx context.Context, lastSeenUpdated, lastFullSyncAt time.Time) error {
	if !lastSeenUpdated.IsZero() {
		if _, err := t.ExecContext(ctx,
			`UPDATE sync_watermark SET last_seen_updated = ? WHERE id = 1`, lastSeenUpdated); err != nil {
			return fmt.Errorf("store: set watermark last_seen_updated: %w", err)
		}
	}
	if !lastFullSyncAt.IsZero() {
		if _, err := t.ExecContext(ctx,
			`UPDATE sync_watermark SET last_full_sync_at = ? WHERE id = 1`, lastFullSyncAt); err != nil {
			return fmt.Errorf("store: set watermark last_full_sync_at: %w", err)
		}
	}
	return nil
}
