package store

import "time"

// Person is created on first reference in any payload and never deleted.
type Person struct {
	AccountID   string `json:"account_id"`
	DisplayName string `json:"display_name"`
}

// Project mirrors a Jira project.
type Project struct {
	JiraID      int64  `json:"jira_id"`
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	IsArchived  bool   `json:"is_archived"`
}

// Field is a Jira field definition, e.g. customfield_12345 -> "Country".
type Field struct {
	JiraID     string `json:"jira_id"`
	Key        string `json:"key"`
	HumanName  string `json:"human_name"`
	Schema     string `json:"schema"`
	IsCustom   bool   `json:"is_custom"`
}

// IssueType is a Jira issue type definition.
type IssueType struct {
	JiraID      int64  `json:"jira_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Issue is the minimal identity row for a ticket; its field values live
// in IssueField.
type Issue struct {
	JiraID     int64  `json:"jira_id"`
	Key        string `json:"key"`
	ProjectKey string `json:"project_key"`
}

// IssueField stores one (field, value) pair observed on an issue.
// FieldValue is the JSON serialisation of the remote value.
type IssueField struct {
	IssueID    int64  `json:"issue_id"`
	FieldID    string `json:"field_id"`
	FieldValue string `json:"field_value"`
}

// IssueLinkType mirrors a Jira link type definition.
type IssueLinkType struct {
	JiraID      int64  `json:"jira_id"`
	Name        string `json:"name"`
	OutwardName string `json:"outward_name"`
	InwardName  string `json:"inward_name"`
}

// IssueLink is a directed link between two issues.
type IssueLink struct {
	JiraID          int64 `json:"jira_id"`
	LinkTypeID      int64 `json:"link_type_id"`
	OutwardIssueID  int64 `json:"outward_issue_id"`
	InwardIssueID   int64 `json:"inward_issue_id"`
}

// Watcher links a Person to an Issue they are watching.
type Watcher struct {
	Person string `json:"person"`
	Issue  int64  `json:"issue"`
}

// Attachment is attachment metadata; ContentData is populated lazily.
type Attachment struct {
	UUID        string  `json:"uuid"`
	ID          int64   `json:"id"`
	IssueID     int64   `json:"issue_id"`
	Filename    string  `json:"filename"`
	MimeType    string  `json:"mime_type,omitempty"`
	FileSize    int64   `json:"file_size"`
	ContentData []byte  `json:"-"`
	HasContent  bool    `json:"has_content"`
}

// Comment is one ADF-bodied comment on an issue.
type Comment struct {
	ID                   int64     `json:"id"`
	IssueID              int64     `json:"issue_id"`
	PositionInArray      int       `json:"position_in_array"`
	ContentData          string    `json:"content_data"`
	Author               string    `json:"author"`
	CreationTime         time.Time `json:"creation_time"`
	LastModificationTime time.Time `json:"last_modification_time"`
}

// Format is the rendering target for RenderedArtifact and the
// FETCH_TICKET protocol verb.
type Format string

const (
	FormatMarkdown Format = "MARKDOWN"
	FormatHTML     Format = "HTML"
)

// RenderedArtifact is the pre-rendered human-readable body for an
// issue, keyed by (issue_id, format).
type RenderedArtifact struct {
	IssueID    int64
	Format     Format
	SourceHash string
	Body       string
}

// SyncWatermark is the process-wide singleton sync progress row.
type SyncWatermark struct {
	LastSeenUpdated time.Time
	LastFullSyncAt  time.Time
}
