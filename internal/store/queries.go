package store

import (
	"context"
	"database/sql"
	"fmt"
)

// ErrNotFound is returned by read operations when the requested row
// does not exist locally.
var ErrNotFound = fmt.Errorf("store: not found")

// GetIssueByKey returns the Issue identity row for key.
func (s *Store) GetIssueByKey(ctx context.Context, key string) (*Issue, error) {
	var i Issue
	err := s.db.QueryRowContext(ctx,
		`SELECT jira_id, key, project_key FROM issue WHERE key = ?`, key).
		Scan(&i.JiraID, &i.Key, &i.ProjectKey)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get issue %s: %w", key, err)
	}
	return &i, nil
}

// ListIssueKeys returns every issue key currently cached, optionally
// scoped to one project.
func (s *Store) ListIssueKeys(ctx context.Context, projectKey string) ([]string, error) {
	var rows *sql.Rows
	var err error
	if projectKey == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT key FROM issue ORDER BY key`)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT key FROM issue WHERE project_key = ? ORDER BY key`, projectKey)
	}
	if err != nil {
		return nil, fmt.Errorf("store: list issue keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// GetFields returns every (field_id, field_value) pair stored for the
// issue identified by key.
func (s *Store) GetFields(ctx context.Context, issueKey string) ([]IssueField, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT IssueField.issue_id, IssueField.field_id, IssueField.field_value
		FROM issue_field AS IssueField
		JOIN issue ON issue.jira_id = IssueField.issue_id
		WHERE issue.key = ?
		ORDER BY IssueField.field_id`, issueKey)
	if err != nil {
		return nil, fmt.Errorf("store: get fields for %s: %w", issueKey, err)
	}
	defer rows.Close()

	var out []IssueField
	for rows.Next() {
		var f IssueField
		if err := rows.Scan(&f.IssueID, &f.FieldID, &f.FieldValue); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// FieldHumanNames resolves field_id -> human_name for presentation.
func (s *Store) FieldHumanNames(ctx context.Context, fieldIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(fieldIDs))
	if len(fieldIDs) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT jira_id, human_name FROM field`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		out[id] = name
	}
	return out, rows.Err()
}

// ListAttachments returns attachment metadata for an issue, ordered by uuid.
func (s *Store) ListAttachments(ctx context.Context, issueKey string) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.uuid, a.id, a.issue_id, a.filename, a.mime_type, a.file_size,
		       a.content_data IS NOT NULL
		FROM attachment a
		JOIN issue ON issue.jira_id = a.issue_id
		WHERE issue.key = ?
		ORDER BY a.uuid`, issueKey)
	if err != nil {
		return nil, fmt.Errorf("store: list attachments for %s: %w", issueKey, err)
	}
	defer rows.Close()

	var out []Attachment
	for rows.Next() {
		var a Attachment
		var mime sql.NullString
		if err := rows.Scan(&a.UUID, &a.ID, &a.IssueID, &a.Filename, &mime, &a.FileSize, &a.HasContent); err != nil {
			return nil, err
		}
		a.MimeType = mime.String
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetAttachmentByUUID returns attachment metadata without its blob.
func (s *Store) GetAttachmentByUUID(ctx context.Context, uuid string) (*Attachment, error) {
	var a Attachment
	var mime sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT uuid, id, issue_id, filename, mime_type, file_size, content_data IS NOT NULL
		FROM attachment WHERE uuid = ?`, uuid).
		Scan(&a.UUID, &a.ID, &a.IssueID, &a.Filename, &mime, &a.FileSize, &a.HasContent)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get attachment %s: %w", uuid, err)
	}
	a.MimeType = mime.String
	return &a, nil
}

// GetAttachmentBlob returns the cached content bytes for uuid, or
// ErrNotFound if the metadata row or the blob itself is absent.
func (s *Store) GetAttachmentBlob(ctx context.Context, uuid string) ([]byte, string, error) {
	var data []byte
	var mime sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT content_data, mime_type FROM attachment WHERE uuid = ?`, uuid).
		Scan(&data, &mime)
	if err == sql.ErrNoRows {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("store: get attachment blob %s: %w", uuid, err)
	}
	if data == nil {
		return nil, "", ErrNotFound
	}
	return data, mime.String, nil
}

// GetRendered returns the cached rendering for (issueKey, format).
func (s *Store) GetRendered(ctx context.Context, issueKey string, format Format) (*RenderedArtifact, error) {
	var ra RenderedArtifact
	ra.Format = format
	err := s.db.QueryRowContext(ctx, `
		SELECT ra.issue_id, ra.source_hash, ra.body
		FROM rendered_artifact ra
		JOIN issue ON issue.jira_id = ra.issue_id
		WHERE issue.key = ? AND ra.format = ?`, issueKey, string(format)).
		Scan(&ra.IssueID, &ra.SourceHash, &ra.Body)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get rendered %s/%s: %w", issueKey, format, err)
	}
	return &ra, nil
}

// GetProject returns a Project by key.
func (s *Store) GetProject(ctx context.Context, key string) (*Project, error) {
	var p Project
	var desc sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT jira_id, key, name, description, is_archived FROM project WHERE key = ?`, key).
		Scan(&p.JiraID, &p.Key, &p.Name, &desc, &p.IsArchived)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get project %s: %w", key, err)
	}
	p.Description = desc.String
	return &p, nil
}

// ListProjects returns all cached projects.
func (s *Store) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT jira_id, key, name, description, is_archived FROM project ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var p Project
		var desc sql.NullString
		if err := rows.Scan(&p.JiraID, &p.Key, &p.Name, &desc, &p.IsArchived); err != nil {
			return nil, err
		}
		p.Description = desc.String
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetWatermark returns the current process-wide sync progress row.
func (s *Store) GetWatermark(ctx context.Context) (*SyncWatermark, error) {
	var w SyncWatermark
	var lastSeen, lastFull sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT last_seen_updated, last_full_sync_at FROM sync_watermark WHERE id = 1`).
		Scan(&lastSeen, &lastFull)
	if err != nil {
		return nil, fmt.Errorf("store: get watermark: %w", err)
	}
	if lastSeen.Valid {
		w.LastSeenUpdated = lastSeen.Time
	}
	if lastFull.Valid {
		w.LastFullSyncAt = lastFull.Time
	}
	return &w, nil
}

// IsEmpty reports whether the store has never been bootstrapped
// (no projects cached yet).
func (s *Store) IsEmpty(ctx context.Context) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM project`).Scan(&n); err != nil {
		return false, err
	}
	return n == 0, nil
}

// ListComments returns comments for an issue ordered by position.
func (s *Store) ListComments(ctx context.Context, issueKey string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.issue_id, c.position_in_array, c.content_data, c.author,
		       c.creation_time, c.last_modification_time
		FROM comment c
		JOIN issue ON issue.jira_id = c.issue_id
		WHERE issue.key = ?
		ORDER BY c.position_in_array ASC`, issueKey)
	if err != nil {
		return nil, fmt.Errorf("store: list comments for %s: %w", issueKey, err)
	}
	defer rows.Close()

	var out []Comment
	for rows.Next() {
		var c Comment
		if err := rows.Scan(&c.ID, &c.IssueID, &c.PositionInArray, &c.ContentData, &c.Author,
			&c.CreationTime, &c.LastModificationTime); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LinkedIssueRow is one outward or inward link of an issue, as returned
// by ListOutwardLinks and ListInwardLinks, joined with the human-readable
// relation name and the linked issue's key and summary field value —
// the shape the renderer needs.
type LinkedIssueRow struct {
	RelationName  string
	OtherIssueKey string
	OtherSummary  string
}

func (s *Store) ListOutwardLinks(ctx context.Context, issueKey string) ([]LinkedIssueRow, error) {
	return s.queryLinks(ctx, `
		SELECT DISTINCT ilt.outward_name, other.key, COALESCE(f.field_value, '')
		FROM issue self
		JOIN issue_link il ON il.inward_issue_id = self.jira_id
		JOIN issue_link_type ilt ON ilt.jira_id = il.link_type_id
		JOIN issue other ON other.jira_id = il.outward_issue_id
		LEFT JOIN issue_field f ON f.issue_id = other.jira_id AND f.field_id = 'summary'
		WHERE self.key = ?
		ORDER BY ilt.outward_name ASC, other.jira_id ASC`, issueKey)
}

func (s *Store) ListInwardLinks(ctx context.Context, issueKey string) ([]LinkedIssueRow, error) {
	return s.queryLinks(ctx, `
		SELECT DISTINCT ilt.inward_name, other.key, COALESCE(f.field_value, '')
		FROM issue self
		JOIN issue_link il ON il.outward_issue_id = self.jira_id
		JOIN issue_link_type ilt ON ilt.jira_id = il.link_type_id
		JOIN issue other ON other.jira_id = il.inward_issue_id
		LEFT JOIN issue_field f ON f.issue_id = other.jira_id AND f.field_id = 'summary'
		WHERE self.key = ?
		ORDER BY ilt.inward_name ASC, other.jira_id ASC`, issueKey)
}

// ListIssueLinksRaw returns every link row touching issueID, in either
// direction, for the synchroniser's diff against the remote link list.
func (s *Store) ListIssueLinksRaw(ctx context.Context, issueID int64) ([]IssueLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT jira_id, link_type_id, outward_issue_id, inward_issue_id
		FROM issue_link WHERE outward_issue_id = ? OR inward_issue_id = ?
		ORDER BY jira_id`, issueID, issueID)
	if err != nil {
		return nil, fmt.Errorf("store: list raw issue links for %d: %w", issueID, err)
	}
	defer rows.Close()

	var out []IssueLink
	for rows.Next() {
		var l IssueLink
		if err := rows.Scan(&l.JiraID, &l.LinkTypeID, &l.OutwardIssueID, &l.InwardIssueID); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ListWatchers returns the account ids watching issueID.
func (s *Store) ListWatchers(ctx context.Context, issueID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT person FROM watcher WHERE issue = ? ORDER BY person`, issueID)
	if err != nil {
		return nil, fmt.Errorf("store: list watchers for %d: %w", issueID, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) queryLinks(ctx context.Context, q string, issueKey string) ([]LinkedIssueRow, error) {
	rows, err := s.db.QueryContext(ctx, q, issueKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LinkedIssueRow
	for rows.Next() {
		var r LinkedIssueRow
		if err := rows.Scan(&r.RelationName, &r.OtherIssueKey, &r.OtherSummary); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
