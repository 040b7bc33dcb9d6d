package jiraclient

import "encoding/json"

// IssuePayload is a full issue as returned by GetIssue: identity plus
// every field, its comments, links and attachments. GetIssue leaves
// Watchers empty; callers fill it from GetWatchers. Unknown field shapes
// are preserved verbatim as json.RawMessage for storage into
// IssueField.field_value — the client never interprets field schemas.
type IssuePayload struct {
	ID     string                     `json:"id"`
	Key    string                     `json:"key"`
	Fields map[string]json.RawMessage `json:"fields"`

	Comments    []CommentPayload    `json:"-"`
	Links       []LinkPayload       `json:"-"`
	Attachments []AttachmentPayload `json:"-"`
	Watchers    []PersonPayload     `json:"-"`
}

// AttachmentPayload mirrors one entry of issue.fields.attachment.
type AttachmentPayload struct {
	UUID     string `json:"id"`
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// CommentPayload mirrors one entry of issue.fields.comment.comments.
type CommentPayload struct {
	ID                   string          `json:"id"`
	PositionInArray      int             `json:"-"`
	Body                 json.RawMessage `json:"body"`
	Author               PersonPayload   `json:"author"`
	Created              string          `json:"created"`
	Updated              string          `json:"updated"`
}

// PersonPayload mirrors a Jira user reference.
type PersonPayload struct {
	AccountID   string `json:"accountId"`
	DisplayName string `json:"displayName"`
}

// LinkPayload mirrors one entry of issue.fields.issuelinks.
type LinkPayload struct {
	ID           string          `json:"id"`
	Type         LinkTypePayload `json:"type"`
	OutwardIssue *LinkedIssueRef `json:"outwardIssue,omitempty"`
	InwardIssue  *LinkedIssueRef `json:"inwardIssue,omitempty"`
}

// LinkedIssueRef identifies the other side of an issue link.
type LinkedIssueRef struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

// LinkTypePayload mirrors a Jira issue link type.
type LinkTypePayload struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Outward string `json:"outward"`
	Inward  string `json:"inward"`
}

// FieldDef mirrors one entry of the /field endpoint's response.
type FieldDef struct {
	ID     string          `json:"id"`
	Key    string          `json:"key"`
	Name   string          `json:"name"`
	Custom bool            `json:"custom"`
	Schema json.RawMessage `json:"schema"`
}

// IssueType mirrors one entry of the /issuetype endpoint's response.
type IssueType struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ProjectPayload mirrors one entry of the /project endpoint's response.
type ProjectPayload struct {
	ID          string `json:"id"`
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Archived    bool    `json:"archived"`
}

// SearchPageResult is the response of a single search_page call.
type SearchPageResult struct {
	Issues     []IssuePayload `json:"issues"`
	Total      int            `json:"total"`
	StartAt    int            `json:"startAt"`
	MaxResults int            `json:"maxResults"`
}

// IsLast reports whether this page reaches the end of the result set.
func (r SearchPageResult) IsLast() bool {
	return r.StartAt+len(r.Issues) >= r.Total
}

// searchResponse is the wire shape of the /rest/api/3/search endpoint.
type searchResponse struct {
	StartAt    int              `json:"startAt"`
	MaxResults int              `json:"maxResults"`
	Total      int              `json:"total"`
	Issues     []wireIssue      `json:"issues"`
}

// wireIssue is the wire shape of one issue as returned inline in a
// search response or by the single-issue GET endpoint. fields is kept
// raw so the caller can both extract the well-known subfields
// (comment, attachment, issuelinks) and preserve everything else
// untouched for IssueField.field_value.
type wireIssue struct {
	ID     string                     `json:"id"`
	Key    string                     `json:"key"`
	Fields map[string]json.RawMessage `json:"fields"`
}

type wireCommentContainer struct {
	Comments []wireComment `json:"comments"`
}

type wireComment struct {
	ID      string          `json:"id"`
	Body    json.RawMessage `json:"body"`
	Author  PersonPayload   `json:"author"`
	Created string          `json:"created"`
	Updated string          `json:"updated"`
}

type wireLinkType struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Outward string `json:"outward"`
	Inward  string `json:"inward"`
}

type wireIssueLink struct {
	ID           string          `json:"id"`
	Type         wireLinkType    `json:"type"`
	OutwardIssue *wireLinkedIssue `json:"outwardIssue,omitempty"`
	InwardIssue  *wireLinkedIssue `json:"inwardIssue,omitempty"`
}

type wireLinkedIssue struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

type wireWatchesContainer struct {
	Self       string `json:"self"`
	WatchCount int    `json:"watchCount"`
}

type wireAttachmentMeta struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
	Content  string `json:"content"`
}
