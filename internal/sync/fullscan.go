package sync

import (
	"context"
	"fmt"
	"time"
)

// FullIssueScan enumerates every issue key visible remotely for project
// and reconciles it against the locally cached key set: issues newly
// visible (created, or moved into the project, or permissions granted)
// are fetched and applied; issues cached locally but absent from the
// remote enumeration are cascade-deleted, since issue-key enumeration
// is the visibility oracle — a key's absence here is indistinguishable
// from deletion and must be treated as such.
func (s *Synchroniser) FullIssueScan(ctx context.Context, projectKey string) error {
	jql := fmt.Sprintf("project = %q ORDER BY created ASC", projectKey)

	remoteKeys := make(map[string]struct{})
	startAt := 0
	for {
		page, err := s.remote.SearchPage(ctx, jql, startAt, searchPageSize, []string{"key"})
		if err != nil {
			return fmt.Errorf("sync: full scan search %s: %w", projectKey, err)
		}
		for _, summary := range page.Issues {
			remoteKeys[summary.Key] = struct{}{}
		}
		if page.IsLast() {
			break
		}
		startAt = page.StartAt + len(page.Issues)
	}

	localKeys, err := s.store.ListIssueKeys(ctx, projectKey)
	if err != nil {
		return fmt.Errorf("sync: full scan list local keys %s: %w", projectKey, err)
	}
	localSet := make(map[string]struct{}, len(localKeys))
	for _, k := range localKeys {
		localSet[k] = struct{}{}
	}

	for key := range remoteKeys {
		if _, ok := localSet[key]; ok {
			continue
		}
		payload, err := s.fetchFullIssue(ctx, key)
		if err != nil {
			s.notifier.NotifyFailure("full_issue_scan:"+key, err)
			continue
		}
		outcome, err := s.applyIssue(ctx, projectKey, *payload)
		if err != nil {
			s.notifier.NotifyFailure("full_issue_scan:"+key, err)
			continue
		}
		// FullIssueScan's own per-issue outcome is always reported
		// unsolicited, even when a request (SYNCHRONISE_ALL) drove
		// the scan: the request's own RESULT only brackets the scan
		// with started/finished, never enumerates which keys changed
		// — see spec.md's visibility-transition scenario.
		s.notifyOutcomeAlways(key, outcome)
	}

	for key := range localSet {
		if _, ok := remoteKeys[key]; ok {
			continue
		}
		if err := s.deleteIssue(ctx, key); err != nil {
			s.notifier.NotifyFailure("full_issue_scan_delete:"+key, err)
			continue
		}
		s.notifier.NotifyChange(key, ChangeRemoved)
	}

	return s.advanceFullSyncWatermark(ctx)
}

func (s *Synchroniser) deleteIssue(ctx context.Context, key string) error {
	issue, err := s.store.GetIssueByKey(ctx, key)
	if err != nil {
		return fmt.Errorf("sync: load issue to delete %s: %w", key, err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writerTxTimeout)
	defer cancel()

	tx, err := s.store.BeginWriter(writeCtx)
	if err != nil {
		return fmt.Errorf("sync: begin writer to delete %s: %w", key, err)
	}
	if err := tx.DeleteIssueCascade(writeCtx, issue.JiraID); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.renderer.Invalidate(key)
	return nil
}

func (s *Synchroniser) advanceFullSyncWatermark(ctx context.Context) error {
	writeCtx, cancel := context.WithTimeout(ctx, writerTxTimeout)
	defer cancel()

	tx, err := s.store.BeginWriter(writeCtx)
	if err != nil {
		return fmt.Errorf("sync: begin writer for full sync watermark: %w", err)
	}
	if err := tx.SetWatermark(writeCtx, time.Time{}, time.Now().UTC()); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
