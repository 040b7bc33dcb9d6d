package sync

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/localjira/localjira/internal/jiraclient"
	"github.com/localjira/localjira/internal/store"
)

type fakeRemote struct {
	projects  []jiraclient.ProjectPayload
	fields    []jiraclient.FieldDef
	types     []jiraclient.IssueType
	linkTypes []jiraclient.LinkTypePayload
	issues    map[string]jiraclient.IssuePayload
	watchers  map[string][]jiraclient.PersonPayload
	pages     map[string][]jiraclient.SearchPageResult // keyed by jql, consumed in order
	pageIdx   map[string]int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		issues:   make(map[string]jiraclient.IssuePayload),
		watchers: make(map[string][]jiraclient.PersonPayload),
		pages:    make(map[string][]jiraclient.SearchPageResult),
		pageIdx:  make(map[string]int),
	}
}

func (f *fakeRemote) SearchPage(ctx context.Context, jql string, startAt, maxResults int, fields []string) (jiraclient.SearchPageResult, error) {
	pages := f.pages[jql]
	idx := f.pageIdx[jql]
	if idx >= len(pages) {
		return jiraclient.SearchPageResult{StartAt: startAt, Total: startAt}, nil
	}
	f.pageIdx[jql] = idx + 1
	return pages[idx], nil
}

func (f *fakeRemote) GetIssue(ctx context.Context, key string) (*jiraclient.IssuePayload, error) {
	p, ok := f.issues[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (f *fakeRemote) ListFields(ctx context.Context) ([]jiraclient.FieldDef, error) { return f.fields, nil }
func (f *fakeRemote) ListIssueTypes(ctx context.Context) ([]jiraclient.IssueType, error) {
	return f.types, nil
}
func (f *fakeRemote) ListLinkTypes(ctx context.Context) ([]jiraclient.LinkTypePayload, error) {
	return f.linkTypes, nil
}
func (f *fakeRemote) ListProjects(ctx context.Context) ([]jiraclient.ProjectPayload, error) {
	return f.projects, nil
}
func (f *fakeRemote) GetWatchers(ctx context.Context, key string) ([]jiraclient.PersonPayload, error) {
	return f.watchers[key], nil
}

type fakeNotifier struct {
	changes  []string
	failures []string
}

func (n *fakeNotifier) NotifyChange(issueKey string, kind ChangeKind) {
	n.changes = append(n.changes, issueKey+":"+kind.String())
}
func (n *fakeNotifier) NotifyFailure(scope string, err error) {
	n.failures = append(n.failures, scope)
}

type fakeRenderer struct {
	invalidated []string
}

func (r *fakeRenderer) Invalidate(issueKey string) {
	r.invalidated = append(r.invalidated, issueKey)
}

func rawField(v string) json.RawMessage { b, _ := json.Marshal(v); return b }

func setupSyncStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("store.Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBootstrapPopulatesProjectAndIssues(t *testing.T) {
	st := setupSyncStore(t)
	remote := newFakeRemote()
	remote.projects = []jiraclient.ProjectPayload{{ID: "10", Key: "ABC", Name: "Alphabet"}}
	remote.fields = []jiraclient.FieldDef{{ID: "summary", Key: "summary", Name: "Summary"}}
	remote.types = []jiraclient.IssueType{{ID: "1", Name: "Bug"}}
	remote.linkTypes = []jiraclient.LinkTypePayload{{ID: "1", Name: "Blocks", Outward: "blocks", Inward: "is blocked by"}}
	remote.issues["ABC-1"] = jiraclient.IssuePayload{
		ID: "100", Key: "ABC-1",
		Fields: map[string]json.RawMessage{"summary": rawField("first issue"), "updated": rawField("2026-01-01T00:00:00.000+0000")},
	}
	remote.pages["project = \"ABC\" ORDER BY created ASC"] = []jiraclient.SearchPageResult{
		{Issues: []jiraclient.IssuePayload{{Key: "ABC-1"}}, Total: 1, StartAt: 0},
	}

	notifier := &fakeNotifier{}
	renderer := &fakeRenderer{}
	s := New(st, remote, renderer, notifier, []string{"ABC"})

	if err := s.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap() error: %v", err)
	}

	issue, err := st.GetIssueByKey(context.Background(), "ABC-1")
	if err != nil {
		t.Fatalf("GetIssueByKey() error: %v", err)
	}
	if issue.ProjectKey != "ABC" {
		t.Errorf("issue.ProjectKey = %q, want ABC", issue.ProjectKey)
	}

	fields, err := st.GetFields(context.Background(), "ABC-1")
	if err != nil {
		t.Fatalf("GetFields() error: %v", err)
	}
	if len(fields) == 0 {
		t.Error("expected fields to be written for ABC-1")
	}

	// Bootstrap is idempotent within a process: calling again must not
	// re-run against an already-seeded store.
	remote.issues["ABC-2"] = jiraclient.IssuePayload{ID: "200", Key: "ABC-2"}
	if err := s.Bootstrap(context.Background()); err != nil {
		t.Fatalf("second Bootstrap() error: %v", err)
	}
	if _, err := st.GetIssueByKey(context.Background(), "ABC-2"); err != store.ErrNotFound {
		t.Error("second Bootstrap() should not have fetched ABC-2")
	}
}

func TestRefreshIssueAppliesChangeAndNotifies(t *testing.T) {
	st := setupSyncStore(t)
	remote := newFakeRemote()
	notifier := &fakeNotifier{}
	renderer := &fakeRenderer{}
	s := New(st, remote, renderer, notifier, []string{"ABC"})

	tx, err := st.BeginWriter(context.Background())
	if err != nil {
		t.Fatalf("BeginWriter() error: %v", err)
	}
	tx.UpsertProject(context.Background(), store.Project{JiraID: 10, Key: "ABC", Name: "Alphabet"})
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}

	remote.issues["ABC-1"] = jiraclient.IssuePayload{
		ID: "100", Key: "ABC-1",
		Fields: map[string]json.RawMessage{"summary": rawField("new issue")},
	}

	if err := s.RefreshIssue(context.Background(), "ABC-1"); err != nil {
		t.Fatalf("RefreshIssue() error: %v", err)
	}

	if len(notifier.changes) != 1 || notifier.changes[0] != "ABC-1:new" {
		t.Errorf("notifier.changes = %v, want [ABC-1:new]", notifier.changes)
	}
	if len(renderer.invalidated) != 1 || renderer.invalidated[0] != "ABC-1" {
		t.Errorf("renderer.invalidated = %v, want [ABC-1]", renderer.invalidated)
	}

	issue, err := st.GetIssueByKey(context.Background(), "ABC-1")
	if err != nil {
		t.Fatalf("GetIssueByKey() error: %v", err)
	}
	if issue.Key != "ABC-1" {
		t.Errorf("issue.Key = %q, want ABC-1", issue.Key)
	}
}

func TestRefreshIssueNoOpWhenUnchanged(t *testing.T) {
	st := setupSyncStore(t)
	remote := newFakeRemote()
	notifier := &fakeNotifier{}
	renderer := &fakeRenderer{}
	s := New(st, remote, renderer, notifier, []string{"ABC"})

	tx, _ := st.BeginWriter(context.Background())
	tx.UpsertProject(context.Background(), store.Project{JiraID: 10, Key: "ABC", Name: "Alphabet"})
	tx.UpsertIssue(context.Background(), store.Issue{JiraID: 100, Key: "ABC-1", ProjectKey: "ABC"})
	tx.UpsertField(context.Background(), store.Field{JiraID: "summary", Key: "summary", HumanName: "Summary", Schema: "string"})
	tx.UpsertIssueField(context.Background(), store.IssueField{IssueID: 100, FieldID: "summary", FieldValue: `"same"`})
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}

	remote.issues["ABC-1"] = jiraclient.IssuePayload{
		ID: "100", Key: "ABC-1",
		Fields: map[string]json.RawMessage{"summary": rawField("same")},
	}

	if err := s.RefreshIssue(context.Background(), "ABC-1"); err != nil {
		t.Fatalf("RefreshIssue() error: %v", err)
	}
	if len(notifier.changes) != 0 {
		t.Errorf("notifier.changes = %v, want none for an unchanged issue", notifier.changes)
	}
}

// TestRefreshIssueCommentRemovalPreservesShiftedComments guards against a
// regression where removing a non-tail comment wiped the comments that
// shifted into its wake: deleting the stale range after upserting the
// shifted rows would delete the very rows it had just inserted.
func TestRefreshIssueCommentRemovalPreservesShiftedComments(t *testing.T) {
	st := setupSyncStore(t)
	remote := newFakeRemote()
	notifier := &fakeNotifier{}
	renderer := &fakeRenderer{}
	s := New(st, remote, renderer, notifier, []string{"ABC"})

	tx, _ := st.BeginWriter(context.Background())
	tx.UpsertProject(context.Background(), store.Project{JiraID: 10, Key: "ABC", Name: "Alphabet"})
	tx.UpsertIssue(context.Background(), store.Issue{JiraID: 100, Key: "ABC-1", ProjectKey: "ABC"})
	tx.UpsertPerson(context.Background(), store.Person{AccountID: "acc1", DisplayName: "Alice"})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tx.UpsertComment(context.Background(), store.Comment{
		ID: 501, IssueID: 100, PositionInArray: 0, ContentData: `"first"`,
		Author: "acc1", CreationTime: now, LastModificationTime: now,
	})
	tx.UpsertComment(context.Background(), store.Comment{
		ID: 502, IssueID: 100, PositionInArray: 1, ContentData: `"second"`,
		Author: "acc1", CreationTime: now, LastModificationTime: now,
	})
	tx.UpsertComment(context.Background(), store.Comment{
		ID: 503, IssueID: 100, PositionInArray: 2, ContentData: `"third"`,
		Author: "acc1", CreationTime: now, LastModificationTime: now,
	})
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}

	// Remote now reports only the first and third comment: the second
	// was deleted remotely, so the third shifts from position 2 to 1.
	remote.issues["ABC-1"] = jiraclient.IssuePayload{
		ID: "100", Key: "ABC-1",
		Fields: map[string]json.RawMessage{},
		Comments: []jiraclient.CommentPayload{
			{ID: "501", PositionInArray: 0, Body: rawField("first"),
				Author: jiraclient.PersonPayload{AccountID: "acc1"}, Created: "2026-01-01T00:00:00.000+0000", Updated: "2026-01-01T00:00:00.000+0000"},
			{ID: "503", PositionInArray: 1, Body: rawField("third"),
				Author: jiraclient.PersonPayload{AccountID: "acc1"}, Created: "2026-01-01T00:00:00.000+0000", Updated: "2026-01-01T00:00:00.000+0000"},
		},
	}

	if err := s.RefreshIssue(context.Background(), "ABC-1"); err != nil {
		t.Fatalf("RefreshIssue() error: %v", err)
	}

	comments, err := st.ListComments(context.Background(), "ABC-1")
	if err != nil {
		t.Fatalf("ListComments() error: %v", err)
	}
	if len(comments) != 2 {
		t.Fatalf("ListComments() = %+v, want 2 comments after removal, not the shifted rows wiped", comments)
	}
	if comments[0].ID != 501 || comments[0].PositionInArray != 0 {
		t.Errorf("comments[0] = %+v, want id=501 position=0", comments[0])
	}
	if comments[1].ID != 503 || comments[1].PositionInArray != 1 {
		t.Errorf("comments[1] = %+v, want id=503 position=1 (shifted, not deleted)", comments[1])
	}
}

func TestFullIssueScanDeletesVanishedIssue(t *testing.T) {
	st := setupSyncStore(t)
	remote := newFakeRemote()
	notifier := &fakeNotifier{}
	renderer := &fakeRenderer{}
	s := New(st, remote, renderer, notifier, []string{"ABC"})

	tx, _ := st.BeginWriter(context.Background())
	tx.UpsertProject(context.Background(), store.Project{JiraID: 10, Key: "ABC", Name: "Alphabet"})
	tx.UpsertIssue(context.Background(), store.Issue{JiraID: 100, Key: "ABC-1", ProjectKey: "ABC"})
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}

	remote.pages["project = \"ABC\" ORDER BY created ASC"] = []jiraclient.SearchPageResult{
		{Issues: nil, Total: 0, StartAt: 0},
	}

	if err := s.FullIssueScan(context.Background(), "ABC"); err != nil {
		t.Fatalf("FullIssueScan() error: %v", err)
	}

	if _, err := st.GetIssueByKey(context.Background(), "ABC-1"); err != store.ErrNotFound {
		t.Errorf("GetIssueByKey() after scan error = %v, want ErrNotFound", err)
	}
	found := false
	for _, c := range notifier.changes {
		if c == "ABC-1:removed" {
			found = true
		}
	}
	if !found {
		t.Errorf("notifier.changes = %v, want ABC-1:removed", notifier.changes)
	}
}

func TestRefreshIssueQuietSuppressesNotification(t *testing.T) {
	st := setupSyncStore(t)
	remote := newFakeRemote()
	notifier := &fakeNotifier{}
	renderer := &fakeRenderer{}
	s := New(st, remote, renderer, notifier, []string{"ABC"})

	tx, _ := st.BeginWriter(context.Background())
	tx.UpsertProject(context.Background(), store.Project{JiraID: 10, Key: "ABC", Name: "Alphabet"})
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}

	remote.issues["ABC-1"] = jiraclient.IssuePayload{
		ID: "100", Key: "ABC-1",
		Fields: map[string]json.RawMessage{"summary": rawField("new issue")},
	}

	if err := s.RefreshIssue(Quiet(context.Background()), "ABC-1"); err != nil {
		t.Fatalf("RefreshIssue() error: %v", err)
	}
	if len(notifier.changes) != 0 {
		t.Errorf("notifier.changes = %v, want none under Quiet ctx", notifier.changes)
	}

	issue, err := st.GetIssueByKey(context.Background(), "ABC-1")
	if err != nil {
		t.Fatalf("GetIssueByKey() error: %v", err)
	}
	if issue.Key != "ABC-1" {
		t.Errorf("issue.Key = %q, want ABC-1 (the apply itself must still happen under Quiet)", issue.Key)
	}
}

// TestFullIssueScanIgnoresQuiet confirms FullIssueScan always reports
// discovered changes unsolicited, even when called with a Quiet ctx:
// its own caller (SYNCHRONISE_ALL) never enumerates which keys changed
// in its own RESULT, so the unsolicited message is the only channel —
// unlike RefreshIssue, which a caller can legitimately silence.
func TestFullIssueScanIgnoresQuiet(t *testing.T) {
	st := setupSyncStore(t)
	remote := newFakeRemote()
	notifier := &fakeNotifier{}
	renderer := &fakeRenderer{}
	s := New(st, remote, renderer, notifier, []string{"ABC"})

	tx, _ := st.BeginWriter(context.Background())
	tx.UpsertProject(context.Background(), store.Project{JiraID: 10, Key: "ABC", Name: "Alphabet"})
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}

	remote.issues["ABC-9"] = jiraclient.IssuePayload{ID: "900", Key: "ABC-9", Fields: map[string]json.RawMessage{}}
	remote.pages["project = \"ABC\" ORDER BY created ASC"] = []jiraclient.SearchPageResult{
		{Issues: []jiraclient.IssuePayload{{Key: "ABC-9"}}, Total: 1, StartAt: 0},
	}

	if err := s.FullIssueScan(Quiet(context.Background()), "ABC"); err != nil {
		t.Fatalf("FullIssueScan() error: %v", err)
	}

	found := false
	for _, c := range notifier.changes {
		if c == "ABC-9:new" {
			found = true
		}
	}
	if !found {
		t.Errorf("notifier.changes = %v, want ABC-9:new even under Quiet ctx", notifier.changes)
	}
}

func TestRefreshUpdatedAdvancesWatermark(t *testing.T) {
	st := setupSyncStore(t)
	remote := newFakeRemote()
	notifier := &fakeNotifier{}
	renderer := &fakeRenderer{}
	s := New(st, remote, renderer, notifier, []string{"ABC"})

	tx, _ := st.BeginWriter(context.Background())
	tx.UpsertProject(context.Background(), store.Project{JiraID: 10, Key: "ABC", Name: "Alphabet"})
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}

	remote.issues["ABC-1"] = jiraclient.IssuePayload{
		ID: "100", Key: "ABC-1",
		Fields: map[string]json.RawMessage{"summary": rawField("hi"), "updated": rawField("2026-03-01T12:00:00.000+0000")},
	}
	remote.pages["ORDER BY updated ASC"] = []jiraclient.SearchPageResult{
		{Issues: []jiraclient.IssuePayload{{Key: "ABC-1"}}, Total: 1, StartAt: 0},
	}

	if err := s.RefreshUpdated(context.Background()); err != nil {
		t.Fatalf("RefreshUpdated() error: %v", err)
	}

	watermark, err := st.GetWatermark(context.Background())
	if err != nil {
		t.Fatalf("GetWatermark() error: %v", err)
	}
	want, _ := time.Parse("2006-01-02T15:04:05.000-0700", "2026-03-01T12:00:00.000+0000")
	if !watermark.LastSeenUpdated.Equal(want) {
		t.Errorf("watermark.LastSeenUpdated = %v, want %v", watermark.LastSeenUpdated, want)
	}
}

func TestTriggerRefreshCoalescesWithoutBlocking(t *testing.T) {
	st := setupSyncStore(t)
	remote := newFakeRemote()
	s := New(st, remote, &fakeRenderer{}, &fakeNotifier{}, []string{"ABC"})

	s.TriggerRefresh()
	s.TriggerRefresh()
	s.TriggerRefresh()

	select {
	case <-s.manualTrigger:
	default:
		t.Fatal("expected a coalesced trigger to be pending")
	}
	select {
	case <-s.manualTrigger:
		t.Fatal("expected exactly one coalesced trigger, found a second")
	default:
	}
}
