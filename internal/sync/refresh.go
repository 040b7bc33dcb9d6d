package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/localjira/localjira/internal/jiraclient"
)

// fetchFullIssue retrieves an issue's fields, comments and links via
// GetIssue, then layers in its watcher list via the dedicated endpoint
// GetIssue itself cannot populate.
func (s *Synchroniser) fetchFullIssue(ctx context.Context, key string) (*jiraclient.IssuePayload, error) {
	issue, err := s.remote.GetIssue(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("sync: fetch issue %s: %w", key, err)
	}
	watchers, err := s.remote.GetWatchers(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("sync: fetch watchers %s: %w", key, err)
	}
	issue.Watchers = watchers
	return issue, nil
}

// RefreshIssue re-fetches and re-applies a single issue on demand, used
// by the SYNCHRONISE_TICKET protocol verb.
func (s *Synchroniser) RefreshIssue(ctx context.Context, key string) error {
	project, err := projectKeyOf(key)
	if err != nil {
		return err
	}

	payload, err := s.fetchFullIssue(ctx, key)
	if err != nil {
		return err
	}

	outcome, err := s.applyIssue(ctx, project, *payload)
	if err != nil {
		return fmt.Errorf("sync: apply issue %s: %w", key, err)
	}
	s.notifyOutcome(ctx, key, outcome)
	return nil
}

// RefreshUpdated performs a watermark-based incremental refresh: every
// issue whose `updated` timestamp is at or after the stored watermark
// is re-fetched and re-applied, and the watermark advances to the
// maximum `updated` observed. The watermark never regresses and is
// never replaced by a cutoff timestamp computed locally, since clock
// skew between this process and the remote tenant would then risk
// silently skipping issues updated in the gap.
func (s *Synchroniser) RefreshUpdated(ctx context.Context) error {
	watermark, err := s.store.GetWatermark(ctx)
	if err != nil {
		return fmt.Errorf("sync: get watermark: %w", err)
	}

	jql := "ORDER BY updated ASC"
	if !watermark.LastSeenUpdated.IsZero() {
		jql = fmt.Sprintf("updated >= \"%s\" ORDER BY updated ASC", watermark.LastSeenUpdated.UTC().Format("2006/01/02 15:04"))
	}

	maxSeen := watermark.LastSeenUpdated
	startAt := 0
	for {
		page, err := s.remote.SearchPage(ctx, jql, startAt, searchPageSize, []string{"key", "updated"})
		if err != nil {
			return fmt.Errorf("sync: search updated issues: %w", err)
		}

		for _, summary := range page.Issues {
			project, err := projectKeyOf(summary.Key)
			if err != nil {
				s.log.Warn("skipping issue with unparsable key", "key", summary.Key, "error", err)
				continue
			}

			payload, err := s.fetchFullIssue(ctx, summary.Key)
			if err != nil {
				s.notifier.NotifyFailure("refresh_updated:"+summary.Key, err)
				continue
			}

			outcome, err := s.applyIssue(ctx, project, *payload)
			if err != nil {
				s.notifier.NotifyFailure("refresh_updated:"+summary.Key, err)
				continue
			}
			// Unconditional, unlike RefreshIssue's notifyOutcome: a
			// RefreshUpdated sweep touches many issues and its own
			// caller (background scheduler tick, FETCH_TICKET_LIST,
			// or SYNCHRONISE_UPDATED) never enumerates which ones
			// changed in its own RESULT, so the unsolicited message
			// is the only way a client learns this key changed.
			s.notifyOutcomeAlways(summary.Key, outcome)

			if updated := updatedTimestamp(payload.Fields); updated.After(maxSeen) {
				maxSeen = updated
			}
		}

		if page.IsLast() {
			break
		}
		startAt = page.StartAt + len(page.Issues)
	}

	if maxSeen.After(watermark.LastSeenUpdated) {
		if err := s.advanceWatermark(ctx, maxSeen); err != nil {
			return err
		}
	}
	return nil
}

func (s *Synchroniser) advanceWatermark(ctx context.Context, lastSeenUpdated time.Time) error {
	writeCtx, cancel := context.WithTimeout(ctx, writerTxTimeout)
	defer cancel()

	tx, err := s.store.BeginWriter(writeCtx)
	if err != nil {
		return fmt.Errorf("sync: begin writer for watermark: %w", err)
	}
	if err := tx.SetWatermark(writeCtx, lastSeenUpdated, time.Time{}); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// notifyOutcome reports a single-issue refresh's outcome, unless ctx is
// marked Quiet — RefreshIssue's caller (FETCH_TICKET, SYNCHRONISE_TICKET,
// etc.) already reports the very same key's outcome through its own
// second RESULT, so an unsolicited message for it would be a duplicate.
func (s *Synchroniser) notifyOutcome(ctx context.Context, key string, outcome applyOutcome) {
	if isQuiet(ctx) {
		return
	}
	s.notifyOutcomeAlways(key, outcome)
}

func (s *Synchroniser) notifyOutcomeAlways(key string, outcome applyOutcome) {
	if !outcome.changed {
		return
	}
	kind := ChangeUpdated
	if outcome.isNew {
		kind = ChangeNew
	}
	s.notifier.NotifyChange(key, kind)
}

// updatedTimestamp extracts and parses the `updated` field Jira returns
// on every issue, tolerating its absence from a narrow field projection.
func updatedTimestamp(fields map[string]json.RawMessage) time.Time {
	raw, ok := fields["updated"]
	if !ok {
		return time.Time{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}
	}
	t, err := time.Parse(jiraTimestampFormat, s)
	if err != nil {
		if t, err = time.Parse(time.RFC3339, s); err != nil {
			return time.Time{}
		}
	}
	return t
}

// projectKeyOf derives a project key from an issue key of the form
// "PROJ-123".
func projectKeyOf(issueKey string) (string, error) {
	idx := strings.LastIndexByte(issueKey, '-')
	if idx <= 0 {
		return "", fmt.Errorf("sync: malformed issue key %q", issueKey)
	}
	return issueKey[:idx], nil
}
