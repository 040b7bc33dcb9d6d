package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/localjira/localjira/internal/jiraclient"
	"github.com/localjira/localjira/internal/protocol"
	"github.com/localjira/localjira/internal/render"
	"github.com/localjira/localjira/internal/store"
	synchroniser "github.com/localjira/localjira/internal/sync"
)

type fakeRemote struct {
	issues   map[string]jiraclient.IssuePayload
	watchers map[string][]jiraclient.PersonPayload
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{issues: map[string]jiraclient.IssuePayload{}, watchers: map[string][]jiraclient.PersonPayload{}}
}

func (f *fakeRemote) SearchPage(ctx context.Context, jql string, startAt, maxResults int, fields []string) (jiraclient.SearchPageResult, error) {
	return jiraclient.SearchPageResult{StartAt: startAt, Total: startAt}, nil
}
func (f *fakeRemote) GetIssue(ctx context.Context, key string) (*jiraclient.IssuePayload, error) {
	p, ok := f.issues[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}
func (f *fakeRemote) ListFields(ctx context.Context) ([]jiraclient.FieldDef, error)         { return nil, nil }
func (f *fakeRemote) ListIssueTypes(ctx context.Context) ([]jiraclient.IssueType, error)    { return nil, nil }
func (f *fakeRemote) ListLinkTypes(ctx context.Context) ([]jiraclient.LinkTypePayload, error) {
	return nil, nil
}
func (f *fakeRemote) ListProjects(ctx context.Context) ([]jiraclient.ProjectPayload, error) {
	return nil, nil
}
func (f *fakeRemote) GetWatchers(ctx context.Context, key string) ([]jiraclient.PersonPayload, error) {
	return f.watchers[key], nil
}
func (f *fakeRemote) DownloadAttachment(ctx context.Context, attachmentID string) (string, []byte, error) {
	return "text/plain", []byte("attachment body"), nil
}

type plainADF struct{}

func (plainADF) Render(adf json.RawMessage, format store.Format) (string, error) {
	var s string
	if err := json.Unmarshal(adf, &s); err == nil {
		return s, nil
	}
	return string(adf), nil
}

func setupDispatcher(t *testing.T, remote *fakeRemote) (*Dispatcher, *store.Store, *bytes.Buffer) {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "dispatcher.db"))
	if err != nil {
		t.Fatalf("store.Open() error: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	renderer, err := render.New(st, st, plainADF{})
	if err != nil {
		t.Fatalf("render.New() error: %v", err)
	}

	var buf bytes.Buffer
	out := protocol.NewWriter(&buf)

	var buildSync func(n synchroniser.Notifier) *synchroniser.Synchroniser
	buildSync = func(n synchroniser.Notifier) *synchroniser.Synchroniser {
		return synchroniser.New(st, remote, renderer, n, []string{"ABC"})
	}

	d := New(context.Background(), st, renderer, nil, remote, []string{"ABC"}, out)
	d.sync = buildSync(d)
	return d, st, &buf
}

func seedDispatcherIssue(t *testing.T, st *store.Store) {
	t.Helper()
	ctx := context.Background()
	tx, err := st.BeginWriter(ctx)
	if err != nil {
		t.Fatalf("BeginWriter() error: %v", err)
	}
	tx.UpsertProject(ctx, store.Project{JiraID: 1, Key: "ABC", Name: "Alphabet"})
	tx.UpsertIssue(ctx, store.Issue{JiraID: 100, Key: "ABC-1", ProjectKey: "ABC"})
	tx.UpsertField(ctx, store.Field{JiraID: "summary", Key: "summary", HumanName: "Summary"})
	tx.UpsertIssueField(ctx, store.IssueField{IssueID: 100, FieldID: "summary", FieldValue: `"seeded"`})
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}
}

func lines(buf *bytes.Buffer) []string {
	out := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(out) == 1 && out[0] == "" {
		return nil
	}
	return out
}

func TestDispatchMalformedFrameGetsBareError(t *testing.T) {
	d, _, buf := setupDispatcher(t, newFakeRemote())
	d.Dispatch("not-a-valid-frame-at-all!")
	got := lines(buf)
	if len(got) != 1 || !strings.HasPrefix(got[0], "_ ERROR") {
		t.Fatalf("expected single _ ERROR line, got %v", got)
	}
}

func TestDispatchUnknownVerbStillGetsFinished(t *testing.T) {
	d, _, buf := setupDispatcher(t, newFakeRemote())
	d.Dispatch("abc123 NOT_A_VERB")
	d.inFlight.Wait()

	got := lines(buf)
	if len(got) != 2 {
		t.Fatalf("expected ERROR+FINISHED, got %v", got)
	}
	if !strings.HasPrefix(got[0], "abc123 ERROR") || got[1] != "abc123 FINISHED" {
		t.Fatalf("unexpected lines: %v", got)
	}
}

func TestDispatchWrongArityRejected(t *testing.T) {
	d, _, buf := setupDispatcher(t, newFakeRemote())
	d.Dispatch("tok1 FETCH_TICKET ABC-1")
	d.inFlight.Wait()

	got := lines(buf)
	if len(got) != 2 || !strings.Contains(got[0], "wrong number of parameters") {
		t.Fatalf("expected arity error, got %v", got)
	}
}

func TestDispatchFetchTicketStaleThenFresh(t *testing.T) {
	remote := newFakeRemote()
	d, st, buf := setupDispatcher(t, remote)
	seedDispatcherIssue(t, st)

	remote.issues["ABC-1"] = jiraclient.IssuePayload{
		ID:  "100",
		Key: "ABC-1",
		Fields: map[string]json.RawMessage{
			"summary": json.RawMessage(`"updated summary"`),
		},
	}

	d.Dispatch("tok2 FETCH_TICKET ABC-1,MARKDOWN")
	d.inFlight.Wait()

	got := lines(buf)
	if len(got) < 2 {
		t.Fatalf("expected at least ACK and FINISHED, got %v", got)
	}
	if got[0] != "tok2 ACK" {
		t.Fatalf("expected leading ACK, got %q", got[0])
	}
	if got[len(got)-1] != "tok2 FINISHED" {
		t.Fatalf("expected trailing FINISHED, got %q", got[len(got)-1])
	}

	var resultCount int
	for _, l := range got {
		if strings.HasPrefix(l, "tok2 RESULT") {
			resultCount++
		}
		if strings.HasPrefix(l, "_ ") {
			t.Errorf("expected no unsolicited message for a request-driven single-ticket refresh, got %q in %v", l, got)
		}
	}
	if resultCount != 2 {
		t.Fatalf("expected stale RESULT then fresh RESULT, got %d RESULT lines in %v", resultCount, got)
	}
	// Exactly ACK, two RESULTs and FINISHED: no unsolicited duplicate
	// for the very key FETCH_TICKET's own RESULT already reports.
	if len(got) != 4 {
		t.Fatalf("expected exactly 4 lines, got %v", got)
	}
}

func TestDispatchSynchroniseTicketEmitsStartedAndFinished(t *testing.T) {
	remote := newFakeRemote()
	d, st, buf := setupDispatcher(t, remote)
	seedDispatcherIssue(t, st)
	remote.issues["ABC-1"] = jiraclient.IssuePayload{ID: "100", Key: "ABC-1", Fields: map[string]json.RawMessage{}}

	d.Dispatch("tok3 SYNCHRONISE_TICKET ABC-1")
	d.inFlight.Wait()

	got := lines(buf)
	want := []string{
		"tok3 ACK",
		"tok3 RESULT synchronisation started",
		"tok3 RESULT synchronisation finished",
		"tok3 FINISHED",
	}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i, w := range want {
		if got[i] != w {
			t.Fatalf("line %d = %q, want %q (full: %v)", i, got[i], w, got)
		}
	}
}

func TestExitServerAfterRequestsDrainsBeforeDone(t *testing.T) {
	d, _, buf := setupDispatcher(t, newFakeRemote())

	blockCh := make(chan struct{})
	verbTable["TEST_BLOCK"] = verbSpec{0, 0, func(d *Dispatcher, ctx context.Context, id string, params []string) {
		<-blockCh
	}}
	defer delete(verbTable, "TEST_BLOCK")

	d.Dispatch("tok4 TEST_BLOCK")
	d.Dispatch("tok5 EXIT_SERVER_AFTER_REQUESTS")

	select {
	case <-d.Done():
		t.Fatalf("dispatcher finished before in-flight request completed")
	case <-time.After(20 * time.Millisecond):
	}

	d.Dispatch("tok6 FETCH_TICKET_LIST")
	close(blockCh)
	d.inFlight.Wait()

	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatalf("dispatcher did not finish draining")
	}

	got := lines(buf)
	foundRejected := false
	tok4FinishedAt, tok5FinishedAt := -1, -1
	for i, l := range got {
		if strings.HasPrefix(l, "tok6 ERROR") && strings.Contains(l, "draining") {
			foundRejected = true
		}
		if l == "tok4 FINISHED" {
			tok4FinishedAt = i
		}
		if l == "tok5 FINISHED" {
			tok5FinishedAt = i
		}
	}
	if !foundRejected {
		t.Fatalf("expected tok6 to be rejected while draining, got %v", got)
	}
	if tok4FinishedAt == -1 || tok5FinishedAt == -1 {
		t.Fatalf("expected both tok4 and tok5 FINISHED lines, got %v", got)
	}
	if tok5FinishedAt < tok4FinishedAt {
		t.Fatalf("tok5 FINISHED (the exit request) came before tok4 FINISHED (the request it waited on): %v", got)
	}
}

func TestExitServerAfterRequestsCoalescesSecond(t *testing.T) {
	d, _, buf := setupDispatcher(t, newFakeRemote())

	blockCh := make(chan struct{})
	verbTable["TEST_BLOCK"] = verbSpec{0, 0, func(d *Dispatcher, ctx context.Context, id string, params []string) {
		<-blockCh
	}}
	defer delete(verbTable, "TEST_BLOCK")

	d.Dispatch("tok9 TEST_BLOCK")
	d.Dispatch("tok10 EXIT_SERVER_AFTER_REQUESTS")

	select {
	case <-d.Done():
		t.Fatalf("dispatcher finished before in-flight request completed")
	case <-time.After(20 * time.Millisecond):
	}

	d.Dispatch("tok11 EXIT_SERVER_AFTER_REQUESTS")
	select {
	case <-d.Done():
		t.Fatalf("dispatcher finished before in-flight request completed")
	case <-time.After(20 * time.Millisecond):
	}

	close(blockCh)
	d.inFlight.Wait()

	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatalf("dispatcher did not finish draining")
	}

	got := lines(buf)
	var ack10, ack11, finished10, finished11, finished9 bool
	tok9FinishedAt, tok10FinishedAt, tok11FinishedAt := -1, -1, -1
	for i, l := range got {
		switch l {
		case "tok10 ACK":
			ack10 = true
		case "tok11 ACK":
			ack11 = true
		case "tok9 FINISHED":
			finished9, tok9FinishedAt = true, i
		case "tok10 FINISHED":
			finished10, tok10FinishedAt = true, i
		case "tok11 FINISHED":
			finished11, tok11FinishedAt = true, i
		}
	}
	if !ack10 || !ack11 {
		t.Fatalf("expected both coalesced exit requests to be ACKed, got %v", got)
	}
	if !finished9 || !finished10 || !finished11 {
		t.Fatalf("expected FINISHED for all three tokens, got %v", got)
	}
	if tok10FinishedAt < tok9FinishedAt || tok11FinishedAt < tok9FinishedAt {
		t.Fatalf("coalesced exit FINISHED lines came before the request they waited on: %v", got)
	}
}

func TestExitServerNowCancelsInFlight(t *testing.T) {
	d, _, _ := setupDispatcher(t, newFakeRemote())

	started := make(chan struct{})
	verbTable["TEST_WAIT_CANCEL"] = verbSpec{0, 0, func(d *Dispatcher, ctx context.Context, id string, params []string) {
		close(started)
		<-ctx.Done()
	}}
	defer delete(verbTable, "TEST_WAIT_CANCEL")

	d.Dispatch("tok7 TEST_WAIT_CANCEL")
	<-started
	d.Dispatch("tok8 EXIT_SERVER_NOW")

	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatalf("dispatcher did not finish after EXIT_SERVER_NOW")
	}
	d.inFlight.Wait()
}

func TestNotifyChangeEmitsUnsolicitedLine(t *testing.T) {
	d, _, buf := setupDispatcher(t, newFakeRemote())
	d.NotifyChange("ABC-9", synchroniser.ChangeNew)

	got := strings.TrimSpace(buf.String())
	if got != "_ RESULT new_issue ABC-9" {
		t.Fatalf("unexpected unsolicited line: %q", got)
	}
}

func TestNotifyFailureEmitsUnsolicitedError(t *testing.T) {
	d, _, buf := setupDispatcher(t, newFakeRemote())
	d.NotifyFailure("refresh", context.DeadlineExceeded)

	got := strings.TrimSpace(buf.String())
	if !strings.HasPrefix(got, "_ ERROR refresh:") {
		t.Fatalf("unexpected unsolicited error line: %q", got)
	}
}
