// Package sync orchestrates bootstrap, periodic and on-demand refresh
// of the local cache against the remote Jira tenant, and owns the
// write-lock discipline described in spec.md §4.4 and §5.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/localjira/localjira/internal/jiraclient"
	"github.com/localjira/localjira/internal/jiralog"
	"github.com/localjira/localjira/internal/store"
)

// ChangeKind classifies an unsolicited notification emitted after an
// apply step observes a non-empty diff.
type ChangeKind int

const (
	ChangeUpdated ChangeKind = iota
	ChangeNew
	ChangeRemoved
)

// Notifier receives change notifications from the Synchroniser without
// the Synchroniser importing the Dispatcher package — see spec.md §9's
// note on resolving the cyclic dependency between D and F.
type Notifier interface {
	NotifyChange(issueKey string, kind ChangeKind)
	NotifyFailure(scope string, err error)
}

// ChangeKind values are safe to use as a map key or log field.
func (k ChangeKind) String() string {
	switch k {
	case ChangeNew:
		return "new"
	case ChangeRemoved:
		return "removed"
	default:
		return "updated"
	}
}

// RemoteClient is the subset of jiraclient.Client the Synchroniser
// needs. Defined as an interface so tests can substitute a fake.
type RemoteClient interface {
	SearchPage(ctx context.Context, jql string, startAt, maxResults int, fields []string) (jiraclient.SearchPageResult, error)
	GetIssue(ctx context.Context, key string) (*jiraclient.IssuePayload, error)
	ListFields(ctx context.Context) ([]jiraclient.FieldDef, error)
	ListIssueTypes(ctx context.Context) ([]jiraclient.IssueType, error)
	ListLinkTypes(ctx context.Context) ([]jiraclient.LinkTypePayload, error)
	ListProjects(ctx context.Context) ([]jiraclient.ProjectPayload, error)
	GetWatchers(ctx context.Context, key string) ([]jiraclient.PersonPayload, error)
}

// RenderInvalidator drops cached renderings for an issue. *render.Renderer
// satisfies it; kept as a narrow interface to avoid an import cycle with
// internal/render.
type RenderInvalidator interface {
	Invalidate(issueKey string)
}

const (
	searchPageSize  = 100
	writerTxTimeout = 10 * time.Second
)

// Synchroniser owns the Store writer and drives every mutation into it.
type Synchroniser struct {
	store    *store.Store
	remote   RemoteClient
	renderer RenderInvalidator
	notifier Notifier
	projects []string

	log *slog.Logger

	bootstrapped  bool
	manualTrigger chan struct{}
	interval      atomic.Int64 // nanoseconds; read/written from config reload
}

// New constructs a Synchroniser for the configured project list.
func New(st *store.Store, remote RemoteClient, renderer RenderInvalidator, notifier Notifier, projects []string) *Synchroniser {
	return &Synchroniser{
		store:         st,
		remote:        remote,
		renderer:      renderer,
		notifier:      notifier,
		projects:      projects,
		log:           jiralog.Component("sync"),
		manualTrigger: make(chan struct{}, 1),
	}
}

// SetInterval retargets the background refresh cadence without
// restarting Run. Takes effect from the next tick reset onward; a call
// from the config file watcher is how sync_interval_seconds changes
// without a process restart.
func (s *Synchroniser) SetInterval(d time.Duration) {
	s.interval.Store(int64(d))
}

// TriggerRefresh preempts the next scheduled RefreshUpdated run. It
// never blocks: a pending trigger is coalesced with one already queued.
func (s *Synchroniser) TriggerRefresh() {
	select {
	case s.manualTrigger <- struct{}{}:
	default:
	}
}

// Bootstrap performs the initial population described in spec.md
// §4.4. It runs at most once across the life of a cache: if the Store
// already holds projects from a prior process's bootstrap, this is a
// no-op and reconciliation is left to the periodic refresh cycle.
func (s *Synchroniser) Bootstrap(ctx context.Context) error {
	if s.bootstrapped {
		return nil
	}

	empty, err := s.store.IsEmpty(ctx)
	if err != nil {
		return fmt.Errorf("sync: check store empty: %w", err)
	}
	if !empty {
		s.bootstrapped = true
		return nil
	}

	for _, projectKey := range s.projects {
		if err := s.bootstrapProject(ctx, projectKey); err != nil {
			return fmt.Errorf("sync: bootstrap project %s: %w", projectKey, err)
		}
	}

	s.bootstrapped = true
	return nil
}

func (s *Synchroniser) bootstrapProject(ctx context.Context, projectKey string) error {
	projects, err := s.remote.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}
	fields, err := s.remote.ListFields(ctx)
	if err != nil {
		return fmt.Errorf("list fields: %w", err)
	}
	issueTypes, err := s.remote.ListIssueTypes(ctx)
	if err != nil {
		return fmt.Errorf("list issue types: %w", err)
	}
	linkTypes, err := s.remote.ListLinkTypes(ctx)
	if err != nil {
		return fmt.Errorf("list link types: %w", err)
	}

	var project *jiraclient.ProjectPayload
	for i := range projects {
		if projects[i].Key == projectKey {
			project = &projects[i]
			break
		}
	}
	if project == nil {
		return fmt.Errorf("project %s not visible remotely", projectKey)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writerTxTimeout)
	defer cancel()

	tx, err := s.store.BeginWriter(writeCtx)
	if err != nil {
		return fmt.Errorf("begin writer: %w", err)
	}
	if err := s.writeProjectMetadata(writeCtx, tx, *project, fields, issueTypes, linkTypes); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit project metadata: %w", err)
	}

	return s.FullIssueScan(ctx, projectKey)
}

func (s *Synchroniser) writeProjectMetadata(ctx context.Context, tx *store.Tx, project jiraclient.ProjectPayload, fields []jiraclient.FieldDef, issueTypes []jiraclient.IssueType, linkTypes []jiraclient.LinkTypePayload) error {
	jiraID, err := parseJiraID(project.ID)
	if err != nil {
		return fmt.Errorf("project id %s: %w", project.ID, err)
	}
	if err := tx.UpsertProject(ctx, store.Project{
		JiraID: jiraID, Key: project.Key, Name: project.Name, Description: project.Description, IsArchived: project.Archived,
	}); err != nil {
		return err
	}

	for _, f := range fields {
		schemaJSON := string(f.Schema)
		if schemaJSON == "" {
			schemaJSON = "null"
		}
		if err := tx.UpsertField(ctx, store.Field{JiraID: f.ID, Key: f.Key, HumanName: f.Name, Schema: schemaJSON, IsCustom: f.Custom}); err != nil {
			return err
		}
	}

	for _, it := range issueTypes {
		id, err := parseJiraID(it.ID)
		if err != nil {
			continue
		}
		if err := tx.UpsertIssueType(ctx, store.IssueType{JiraID: id, Name: it.Name, Description: it.Description}); err != nil {
			return err
		}
		if err := tx.LinkIssueTypeToProject(ctx, jiraID, id); err != nil {
			return err
		}
	}

	for _, lt := range linkTypes {
		id, err := parseJiraID(lt.ID)
		if err != nil {
			continue
		}
		if err := tx.UpsertIssueLinkType(ctx, store.IssueLinkType{
			JiraID: id, Name: lt.Name, OutwardName: lt.Outward, InwardName: lt.Inward,
		}); err != nil {
			return err
		}
	}

	return nil
}

// parseJiraID converts a Jira REST API's string-typed numeric id field
// into the int64 the Store's schema uses as a primary key.
func parseJiraID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("non-numeric jira id %q: %w", s, err)
	}
	return id, nil
}
