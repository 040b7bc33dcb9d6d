package jiraclient

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

func TestSearchPagePaginates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startAt, _ := strconv.Atoi(r.URL.Query().Get("startAt"))
		w.Header().Set("Content-Type", "application/json")
		if startAt == 0 {
			w.Write([]byte(`{"startAt":0,"maxResults":1,"total":2,"issues":[{"id":"1","key":"ABC-1","fields":{"summary":"first"}}]}`))
			return
		}
		w.Write([]byte(`{"startAt":1,"maxResults":1,"total":2,"issues":[{"id":"2","key":"ABC-2","fields":{"summary":"second"}}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "me@example.com", "token", "", 4)

	page1, err := c.SearchPage(context.Background(), "project=ABC", 0, 1, nil)
	if err != nil {
		t.Fatalf("SearchPage() error: %v", err)
	}
	if len(page1.Issues) != 1 || page1.Issues[0].Key != "ABC-1" {
		t.Fatalf("SearchPage() page1 = %+v", page1)
	}
	if page1.IsLast() {
		t.Error("IsLast() = true on first page, want false")
	}

	page2, err := c.SearchPage(context.Background(), "project=ABC", 1, 1, nil)
	if err != nil {
		t.Fatalf("SearchPage() error: %v", err)
	}
	if !page2.IsLast() {
		t.Error("IsLast() = false on final page, want true")
	}
}

func TestGetIssueExtractsCommentsAndLinks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "10001",
			"key": "ABC-1",
			"fields": {
				"summary": "hello",
				"comment": {"comments": [{"id": "1", "body": "first", "author": {"accountId": "acc-1", "displayName": "A"}, "created": "2026-01-01T00:00:00.000+0000", "updated": "2026-01-01T00:00:00.000+0000"}]},
				"issuelinks": [{"id": "l1", "type": {"id": "10", "name": "Blocks", "outward": "blocks", "inward": "is blocked by"}, "outwardIssue": {"id": "10002", "key": "ABC-2"}}],
				"attachment": [{"id": "att-1", "filename": "x.png", "mimeType": "image/png", "size": 10}]
			}
		}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "me@example.com", "token", "", 4)
	issue, err := c.GetIssue(context.Background(), "ABC-1")
	if err != nil {
		t.Fatalf("GetIssue() error: %v", err)
	}

	if len(issue.Comments) != 1 || issue.Comments[0].ID != "1" {
		t.Errorf("Comments = %+v, want one comment with id 1", issue.Comments)
	}
	if len(issue.Links) != 1 || issue.Links[0].OutwardIssue == nil || issue.Links[0].OutwardIssue.Key != "ABC-2" {
		t.Errorf("Links = %+v, want one outward link to ABC-2", issue.Links)
	}
	if len(issue.Attachments) != 1 || issue.Attachments[0].UUID != "att-1" {
		t.Errorf("Attachments = %+v, want one attachment att-1", issue.Attachments)
	}
	if _, ok := issue.Fields["summary"]; !ok {
		t.Error("Fields should still carry the raw summary field")
	}
}

func TestDoJSONSendsBasicAuth(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := New(srv.URL, "me@example.com", "secret-token", "", 1)
	if _, err := c.ListFields(context.Background()); err != nil {
		t.Fatalf("ListFields() error: %v", err)
	}

	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("me@example.com:secret-token"))
	if gotAuth != want {
		t.Errorf("Authorization header = %q, want %q", gotAuth, want)
	}
}

func TestRetriesOn429ThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := New(srv.URL, "me@example.com", "token", "", 1)
	if _, err := c.ListFields(context.Background()); err != nil {
		t.Fatalf("ListFields() error: %v", err)
	}
	if atomic.LoadInt32(&attempts) != 2 {
		t.Errorf("attempts = %d, want 2 (one 429 then success)", attempts)
	}
}

func TestUnauthorizedIsNotRetried(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(srv.URL, "me@example.com", "bad-token", "", 1)
	_, err := c.ListFields(context.Background())
	if err == nil {
		t.Fatal("ListFields() error = nil, want unauthorized error")
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Errorf("attempts = %d, want 1 (401 must not be retried)", attempts)
	}
}

func TestBadRequestIsNotRetried(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL, "me@example.com", "token", "", 1)
	_, err := c.ListFields(context.Background())
	if err == nil {
		t.Fatal("ListFields() error = nil, want bad request error")
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Errorf("attempts = %d, want 1 (400 must not be retried)", attempts)
	}
}

func TestDownloadAttachmentAttachesSessionCookie(t *testing.T) {
	var gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("tenant.session.token"); err == nil {
			gotCookie = c.Value
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("PNGDATA"))
	}))
	defer srv.Close()

	c := New(srv.URL, "me@example.com", "token", "cookie-value", 1)
	mime, data, err := c.DownloadAttachment(context.Background(), "att-1")
	if err != nil {
		t.Fatalf("DownloadAttachment() error: %v", err)
	}
	if mime != "image/png" || string(data) != "PNGDATA" {
		t.Errorf("DownloadAttachment() = (%q, %q)", mime, data)
	}
	if gotCookie != "cookie-value" {
		t.Errorf("session cookie = %q, want %q", gotCookie, "cookie-value")
	}
}

func TestContextCancellationStopsRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(srv.URL, "me@example.com", "token", "", 1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.ListFields(ctx)
	if err == nil {
		t.Fatal("ListFields() error = nil, want context deadline error")
	}
}
