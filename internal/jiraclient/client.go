// Package jiraclient is a thin, authenticated HTTP/JSON client for the
// Jira Cloud REST API v3. It never interprets field schemas; every
// field value response is preserved as raw JSON for the caller to
// store verbatim. See spec.md §4.2.
package jiraclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"
)

const (
	maxRetries      = 5
	retryBaseDelay  = 250 * time.Millisecond
	retryMaxDelay   = 30 * time.Second
	networkRetryGap = 1 * time.Second
)

// Client is a Jira Cloud REST API v3 client. Authentication uses HTTP
// basic auth (email + API token) for JSON endpoints; attachment
// downloads additionally attach the configured tenant session cookie.
type Client struct {
	baseURL       string
	userEmail     string
	apiToken      string
	sessionCookie string

	httpClient *http.Client

	semMu sync.RWMutex
	sem   *semaphore.Weighted
}

// New constructs a Client. maxConcurrent bounds in-flight requests;
// 1 is valid and serialises every call.
func New(baseURL, userEmail, apiToken, sessionCookie string, maxConcurrent int) *Client {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Client{
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		userEmail:     userEmail,
		apiToken:      apiToken,
		sessionCookie: sessionCookie,
		httpClient:    &http.Client{Timeout: 60 * time.Second},
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// SetMaxConcurrent retargets the outbound request throttle. Requests
// already holding a slot on the old semaphore keep running; every new
// acquire after this call uses the new width. This is how
// max_concurrent_requests changes without a process restart.
func (c *Client) SetMaxConcurrent(maxConcurrent int) {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	c.semMu.Lock()
	c.sem = semaphore.NewWeighted(int64(maxConcurrent))
	c.semMu.Unlock()
}

func (c *Client) acquire(ctx context.Context) (*semaphore.Weighted, error) {
	c.semMu.RLock()
	sem := c.sem
	c.semMu.RUnlock()
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return sem, nil
}

// searchFields is requested whenever the caller does not narrow the
// projection explicitly.
var searchFields = []string{
	"summary", "description", "status", "priority", "issuetype", "project",
	"assignee", "reporter", "labels", "created", "updated", "resolution",
	"comment", "issuelinks", "watches", "attachment",
}

// SearchPage runs one page of a JQL search.
func (c *Client) SearchPage(ctx context.Context, jql string, startAt, maxResults int, fields []string) (SearchPageResult, error) {
	if len(fields) == 0 {
		fields = searchFields
	}
	params := url.Values{
		"jql":        {jql},
		"fields":     {strings.Join(fields, ",")},
		"startAt":    {strconv.Itoa(startAt)},
		"maxResults": {strconv.Itoa(maxResults)},
	}
	apiURL := fmt.Sprintf("%s/rest/api/3/search?%s", c.baseURL, params.Encode())

	body, err := c.doJSON(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return SearchPageResult{}, fmt.Errorf("jiraclient: search page: %w", err)
	}

	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return SearchPageResult{}, fmt.Errorf("jiraclient: parse search response: %w", err)
	}

	issues := make([]IssuePayload, 0, len(resp.Issues))
	for _, wi := range resp.Issues {
		issues = append(issues, issuePayloadFromWire(wi))
	}
	return SearchPageResult{
		Issues:     issues,
		Total:      resp.Total,
		StartAt:    resp.StartAt,
		MaxResults: resp.MaxResults,
	}, nil
}

// GetIssue fetches one issue with every field, plus comments and
// issue links extracted from the field set.
func (c *Client) GetIssue(ctx context.Context, key string) (*IssuePayload, error) {
	apiURL := fmt.Sprintf("%s/rest/api/3/issue/%s?fields=%s&expand=renderedFields",
		c.baseURL, url.PathEscape(key), strings.Join(append(searchFields, "*all"), ","))

	body, err := c.doJSON(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("jiraclient: get issue %s: %w", key, err)
	}

	var wi wireIssue
	if err := json.Unmarshal(body, &wi); err != nil {
		return nil, fmt.Errorf("jiraclient: parse issue %s: %w", key, err)
	}

	payload := issuePayloadFromWire(wi)
	return &payload, nil
}

// GetIssueFields fetches a narrow field projection, used by watermark
// polling and by the diff engine's fast-path check against `updated`.
func (c *Client) GetIssueFields(ctx context.Context, key string, fields []string) (map[string]json.RawMessage, error) {
	apiURL := fmt.Sprintf("%s/rest/api/3/issue/%s?fields=%s", c.baseURL, url.PathEscape(key), strings.Join(fields, ","))

	body, err := c.doJSON(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("jiraclient: get issue fields %s: %w", key, err)
	}

	var wi wireIssue
	if err := json.Unmarshal(body, &wi); err != nil {
		return nil, fmt.Errorf("jiraclient: parse issue fields %s: %w", key, err)
	}
	return wi.Fields, nil
}

// ListFields returns every field definition known to the tenant.
func (c *Client) ListFields(ctx context.Context) ([]FieldDef, error) {
	body, err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/rest/api/3/field", nil)
	if err != nil {
		return nil, fmt.Errorf("jiraclient: list fields: %w", err)
	}
	var out []FieldDef
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("jiraclient: parse fields: %w", err)
	}
	return out, nil
}

// ListIssueTypes returns every issue type known to the tenant.
func (c *Client) ListIssueTypes(ctx context.Context) ([]IssueType, error) {
	body, err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/rest/api/3/issuetype", nil)
	if err != nil {
		return nil, fmt.Errorf("jiraclient: list issue types: %w", err)
	}
	var out []IssueType
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("jiraclient: parse issue types: %w", err)
	}
	return out, nil
}

// ListLinkTypes returns every issue link type known to the tenant.
func (c *Client) ListLinkTypes(ctx context.Context) ([]LinkTypePayload, error) {
	body, err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/rest/api/3/issueLinkType", nil)
	if err != nil {
		return nil, fmt.Errorf("jiraclient: list link types: %w", err)
	}
	var wrapper struct {
		IssueLinkTypes []wireLinkType `json:"issueLinkTypes"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil, fmt.Errorf("jiraclient: parse link types: %w", err)
	}
	out := make([]LinkTypePayload, 0, len(wrapper.IssueLinkTypes))
	for _, lt := range wrapper.IssueLinkTypes {
		out = append(out, LinkTypePayload{ID: lt.ID, Name: lt.Name, Outward: lt.Outward, Inward: lt.Inward})
	}
	return out, nil
}

// ListProjects returns every project visible to the authenticated user.
func (c *Client) ListProjects(ctx context.Context) ([]ProjectPayload, error) {
	body, err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/rest/api/3/project/search?maxResults=200", nil)
	if err != nil {
		return nil, fmt.Errorf("jiraclient: list projects: %w", err)
	}
	var wrapper struct {
		Values []ProjectPayload `json:"values"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil, fmt.Errorf("jiraclient: parse projects: %w", err)
	}
	return wrapper.Values, nil
}

// GetWatchers returns every watcher on an issue (account id and
// display name).
// The watches field embedded in a full issue payload carries only a
// count and a self link, so this walks the dedicated endpoint.
func (c *Client) GetWatchers(ctx context.Context, key string) ([]PersonPayload, error) {
	apiURL := fmt.Sprintf("%s/rest/api/3/issue/%s/watchers", c.baseURL, url.PathEscape(key))

	body, err := c.doJSON(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("jiraclient: get watchers %s: %w", key, err)
	}

	var wrapper struct {
		wireWatchesContainer
		Watchers []PersonPayload `json:"watchers"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil, fmt.Errorf("jiraclient: parse watchers %s: %w", key, err)
	}
	return wrapper.Watchers, nil
}

// DownloadAttachment fetches attachment content by its Jira attachment
// id. The request attaches the tenant session cookie in addition to
// basic auth, matching the authentication Jira requires for binary
// content download.
func (c *Client) DownloadAttachment(ctx context.Context, attachmentID string) (mimeType string, data []byte, err error) {
	apiURL := fmt.Sprintf("%s/rest/api/3/attachment/content/%s", c.baseURL, url.PathEscape(attachmentID))

	sem, err := c.acquire(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("jiraclient: acquire throttle slot: %w", err)
	}
	defer sem.Release(1)

	op := func() (opResult, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
		if err != nil {
			return opResult{}, backoff.Permanent(err)
		}
		c.setBasicAuth(req)
		if c.sessionCookie != "" {
			req.AddCookie(&http.Cookie{Name: "tenant.session.token", Value: c.sessionCookie})
		}
		req.Header.Set("Accept", "*/*")

		return c.execute(req)
	}

	res, err := c.withRetry(ctx, op)
	if err != nil {
		return "", nil, fmt.Errorf("jiraclient: download attachment %s: %w", attachmentID, err)
	}
	return res.contentType, res.body, nil
}

// issuePayloadFromWire extracts comments and links out of the raw
// field map while leaving the map itself intact for storage.
func issuePayloadFromWire(wi wireIssue) IssuePayload {
	p := IssuePayload{ID: wi.ID, Key: wi.Key, Fields: wi.Fields}

	if raw, ok := wi.Fields["comment"]; ok {
		var container wireCommentContainer
		if err := json.Unmarshal(raw, &container); err == nil {
			for i, wc := range container.Comments {
				body, _ := json.Marshal(wc.Body)
				p.Comments = append(p.Comments, CommentPayload{
					ID:              wc.ID,
					PositionInArray: i,
					Body:            body,
					Author:          wc.Author,
					Created:         wc.Created,
					Updated:         wc.Updated,
				})
			}
		}
	}

	if raw, ok := wi.Fields["attachment"]; ok {
		var metas []wireAttachmentMeta
		if err := json.Unmarshal(raw, &metas); err == nil {
			for _, m := range metas {
				p.Attachments = append(p.Attachments, AttachmentPayload{
					UUID: m.ID, Filename: m.Filename, MimeType: m.MimeType, Size: m.Size,
				})
			}
		}
	}

	if raw, ok := wi.Fields["issuelinks"]; ok {
		var links []wireIssueLink
		if err := json.Unmarshal(raw, &links); err == nil {
			for _, wl := range links {
				link := LinkPayload{
					ID: wl.ID,
					Type: LinkTypePayload{
						ID:      wl.Type.ID,
						Name:    wl.Type.Name,
						Outward: wl.Type.Outward,
						Inward:  wl.Type.Inward,
					},
				}
				if wl.OutwardIssue != nil {
					link.OutwardIssue = &LinkedIssueRef{ID: wl.OutwardIssue.ID, Key: wl.OutwardIssue.Key}
				}
				if wl.InwardIssue != nil {
					link.InwardIssue = &LinkedIssueRef{ID: wl.InwardIssue.ID, Key: wl.InwardIssue.Key}
				}
				p.Links = append(p.Links, link)
			}
		}
	}

	return p
}

// doJSON executes an authenticated JSON request through the retry and
// throttling pipeline and returns the response body.
func (c *Client) doJSON(ctx context.Context, method, apiURL string, body []byte) ([]byte, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("jira base url not configured")
	}
	if c.apiToken == "" {
		return nil, fmt.Errorf("jira api token not configured")
	}

	sem, err := c.acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire throttle slot: %w", err)
	}
	defer sem.Release(1)

	op := func() (opResult, error) {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, apiURL, bodyReader)
		if err != nil {
			return opResult{}, backoff.Permanent(err)
		}
		c.setBasicAuth(req)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return c.execute(req)
	}

	res, err := c.withRetry(ctx, op)
	if err != nil {
		return nil, err
	}
	return res.body, nil
}

type opResult struct {
	body        []byte
	contentType string
}

// retryableStatus is returned from execute to signal withRetry that
// the response carried its own Retry-After delay.
type retryableStatus struct {
	after time.Duration
	cause error
}

func (r *retryableStatus) Error() string { return r.cause.Error() }

// execute performs one HTTP round trip and classifies the error as
// permanent (backoff.Permanent), retry-with-delay (*retryableStatus),
// or plain retryable (network error).
func (c *Client) execute(req *http.Request) (opResult, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return opResult{}, err // network error: plain retryable
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return opResult{}, err
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return opResult{}, backoff.Permanent(fmt.Errorf("unauthorized: jira returned %d", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		return opResult{}, &retryableStatus{after: retryAfter(resp), cause: fmt.Errorf("jira returned %d: %s", resp.StatusCode, string(respBody))}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return opResult{}, backoff.Permanent(fmt.Errorf("jira returned %d: %s", resp.StatusCode, string(respBody)))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return opResult{}, fmt.Errorf("jira returned %d: %s", resp.StatusCode, string(respBody))
	}

	return opResult{body: respBody, contentType: resp.Header.Get("Content-Type")}, nil
}

// withRetry drives op through the retry policy described in spec.md
// §4.2: up to 5 retries with exponential backoff (base 250ms, cap
// 30s) on 429/503, honouring Retry-After when present; a single retry
// after 1s on bare network errors and on non-2xx statuses other than
// 4xx/503; 401/403 and other 4xx unretried.
func (c *Client) withRetry(ctx context.Context, op func() (opResult, error)) (opResult, error) {
	var result opResult
	networkRetried := false

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryBaseDelay
	b.MaxInterval = retryMaxDelay
	bounded := backoff.WithMaxRetries(backoff.WithContext(b, ctx), maxRetries)

	err := backoff.Retry(func() error {
		res, err := op()
		if err == nil {
			result = res
			return nil
		}

		var rs *retryableStatus
		if asRetryableStatus(err, &rs) {
			if rs.after > 0 {
				select {
				case <-time.After(rs.after):
				case <-ctx.Done():
					return backoff.Permanent(ctx.Err())
				}
			}
			return rs
		}

		var perm *backoff.PermanentError
		if asPermanentError(err, &perm) {
			return err
		}

		// Plain network error: retry exactly once after a fixed gap,
		// then give up rather than exhausting the exponential schedule.
		if networkRetried {
			return backoff.Permanent(err)
		}
		networkRetried = true
		select {
		case <-time.After(networkRetryGap):
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, bounded)

	if err != nil {
		return opResult{}, err
	}
	return result, nil
}

func asRetryableStatus(err error, target **retryableStatus) bool {
	rs, ok := err.(*retryableStatus)
	if ok {
		*target = rs
	}
	return ok
}

func asPermanentError(err error, target **backoff.PermanentError) bool {
	pe, ok := err.(*backoff.PermanentError)
	if ok {
		*target = pe
	}
	return ok
}

// retryAfter parses the Retry-After header as seconds, defaulting to
// the caller's exponential schedule when absent or unparseable.
func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func (c *Client) setBasicAuth(req *http.Request) {
	auth := base64.StdEncoding.EncodeToString([]byte(c.userEmail + ":" + c.apiToken))
	req.Header.Set("Authorization", "Basic "+auth)
}
