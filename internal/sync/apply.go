package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/localjira/localjira/internal/diff"
	"github.com/localjira/localjira/internal/jiraclient"
	"github.com/localjira/localjira/internal/store"
)

// jiraTimestampFormat is the layout Jira Cloud uses for created/updated
// timestamps: millisecond precision, numeric-offset timezone with no
// colon, which time.RFC3339 cannot parse directly.
const jiraTimestampFormat = "2006-01-02T15:04:05.000-0700"

// applyOutcome summarises what changed in the store after one issue's
// snapshot→diff→write cycle, so the caller can decide what to notify.
type applyOutcome struct {
	isNew   bool
	changed bool
}

// applyIssue runs the snapshot-diff-write cycle for one remote issue
// payload: gather the current local rows, diff them against the remote
// payload, open a writer transaction, apply every added/removed/changed
// row, invalidate any stale rendering, commit, and drop the renderer's
// cached copy. It sends no notification; the caller decides from the
// returned applyOutcome. The remote fetch must already be complete; no
// network I/O happens while the writer is held.
func (s *Synchroniser) applyIssue(ctx context.Context, projectKey string, payload jiraclient.IssuePayload) (applyOutcome, error) {
	jiraID, err := parseJiraID(payload.ID)
	if err != nil {
		return applyOutcome{}, fmt.Errorf("sync: issue id %s: %w", payload.ID, err)
	}

	_, err = s.store.GetIssueByKey(ctx, payload.Key)
	isNew := false
	if err == store.ErrNotFound {
		isNew = true
	} else if err != nil {
		return applyOutcome{}, fmt.Errorf("sync: load existing issue %s: %w", payload.Key, err)
	}

	localFields, err := s.store.GetFields(ctx, payload.Key)
	if err != nil && !isNew {
		return applyOutcome{}, fmt.Errorf("sync: load local fields %s: %w", payload.Key, err)
	}
	fieldDiff, err := diff.Compute(fieldEntries(payload.Fields), issueFieldEntries(localFields))
	if err != nil {
		return applyOutcome{}, fmt.Errorf("sync: diff fields %s: %w", payload.Key, err)
	}

	var localLinks []store.IssueLink
	if !isNew {
		localLinks, err = s.store.ListIssueLinksRaw(ctx, jiraID)
		if err != nil {
			return applyOutcome{}, fmt.Errorf("sync: load local links %s: %w", payload.Key, err)
		}
	}
	remoteLinkEntries, err := linkEntries(payload.Links)
	if err != nil {
		return applyOutcome{}, fmt.Errorf("sync: encode remote links %s: %w", payload.Key, err)
	}
	linkDiff, err := diff.Compute(remoteLinkEntries, linkRowEntries(localLinks))
	if err != nil {
		return applyOutcome{}, fmt.Errorf("sync: diff links %s: %w", payload.Key, err)
	}

	var localWatchers []string
	if !isNew {
		localWatchers, err = s.store.ListWatchers(ctx, jiraID)
		if err != nil {
			return applyOutcome{}, fmt.Errorf("sync: load local watchers %s: %w", payload.Key, err)
		}
	}
	watcherDiff, err := diff.Compute(personEntries(payload.Watchers), watcherEntries(localWatchers))
	if err != nil {
		return applyOutcome{}, fmt.Errorf("sync: diff watchers %s: %w", payload.Key, err)
	}

	var localComments []store.Comment
	if !isNew {
		localComments, err = s.store.ListComments(ctx, payload.Key)
		if err != nil {
			return applyOutcome{}, fmt.Errorf("sync: load local comments %s: %w", payload.Key, err)
		}
	}
	commentDiff, err := diff.ComputeOrdered(commentOrderedEntries(payload.Comments), commentRowOrderedEntries(localComments))
	if err != nil {
		return applyOutcome{}, fmt.Errorf("sync: diff comments %s: %w", payload.Key, err)
	}

	var localAttachments []store.Attachment
	if !isNew {
		localAttachments, err = s.store.ListAttachments(ctx, payload.Key)
		if err != nil {
			return applyOutcome{}, fmt.Errorf("sync: load local attachments %s: %w", payload.Key, err)
		}
	}
	attachmentDiff, err := diff.Compute(attachmentEntries(payload.Attachments), attachmentRowEntries(localAttachments))
	if err != nil {
		return applyOutcome{}, fmt.Errorf("sync: diff attachments %s: %w", payload.Key, err)
	}

	changed := isNew || !fieldDiff.IsEmpty() || !linkDiff.IsEmpty() || !watcherDiff.IsEmpty() ||
		!commentDiff.IsEmpty() || !attachmentDiff.IsEmpty()
	if !changed {
		return applyOutcome{isNew: false, changed: false}, nil
	}

	writeCtx, cancel := context.WithTimeout(ctx, writerTxTimeout)
	defer cancel()

	tx, err := s.store.BeginWriter(writeCtx)
	if err != nil {
		return applyOutcome{}, fmt.Errorf("sync: begin writer for %s: %w", payload.Key, err)
	}

	if err := s.writeIssueSnapshot(writeCtx, tx, projectKey, jiraID, payload, fieldDiff, linkDiff, watcherDiff, commentDiff, attachmentDiff); err != nil {
		tx.Rollback()
		return applyOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return applyOutcome{}, fmt.Errorf("sync: commit %s: %w", payload.Key, err)
	}

	s.renderer.Invalidate(payload.Key)
	return applyOutcome{isNew: isNew, changed: true}, nil
}

func (s *Synchroniser) writeIssueSnapshot(
	ctx context.Context, tx *store.Tx, projectKey string, jiraID int64, payload jiraclient.IssuePayload,
	fieldDiff diff.Result, linkDiff diff.Result, watcherDiff diff.Result, commentDiff diff.OrderedResult, attachmentDiff diff.Result,
) error {
	if err := tx.UpsertIssue(ctx, store.Issue{JiraID: jiraID, Key: payload.Key, ProjectKey: projectKey}); err != nil {
		return err
	}

	for _, e := range append(fieldDiff.Added, changesAsEntries(fieldDiff.Changed)...) {
		if err := tx.EnsureFieldExists(ctx, e.Key); err != nil {
			return err
		}
		if err := tx.UpsertIssueField(ctx, store.IssueField{IssueID: jiraID, FieldID: e.Key, FieldValue: string(e.Value)}); err != nil {
			return err
		}
	}
	for _, e := range fieldDiff.Removed {
		if err := tx.DeleteIssueField(ctx, jiraID, e.Key); err != nil {
			return err
		}
	}

	for _, p := range payload.Comments {
		if p.Author.AccountID == "" {
			continue
		}
		if err := tx.UpsertPerson(ctx, store.Person{AccountID: p.Author.AccountID, DisplayName: p.Author.DisplayName}); err != nil {
			return err
		}
	}
	// Removal must run before the Added/Changed upserts: when a
	// non-tail comment is removed remotely, every later comment shifts
	// position and reappears in commentDiff.Changed at a NewPosition
	// at or past the deletion point. Deleting after upserting would
	// wipe the rows just inserted.
	if len(commentDiff.Removed) > 0 {
		minPos := commentDiff.Removed[0].Position
		for _, oe := range commentDiff.Removed {
			if oe.Position < minPos {
				minPos = oe.Position
			}
		}
		if err := tx.DeleteCommentsFromPosition(ctx, jiraID, minPos); err != nil {
			return err
		}
	}
	for _, oe := range append(commentDiff.Added, changesAsOrderedEntries(commentDiff.Changed)...) {
		c, ok := findCommentPayload(payload.Comments, oe.Position)
		if !ok {
			continue
		}
		commentID, err := parseJiraID(c.ID)
		if err != nil {
			continue
		}
		created, _ := time.Parse(jiraTimestampFormat, c.Created)
		updated, _ := time.Parse(jiraTimestampFormat, c.Updated)
		if err := tx.UpsertComment(ctx, store.Comment{
			ID: commentID, IssueID: jiraID, PositionInArray: c.PositionInArray,
			ContentData: string(c.Body), Author: c.Author.AccountID,
			CreationTime: created, LastModificationTime: updated,
		}); err != nil {
			return err
		}
	}

	for _, l := range payload.Links {
		linkID, err := parseJiraID(l.ID)
		if err != nil {
			continue
		}
		typeID, err := parseJiraID(l.Type.ID)
		if err != nil {
			continue
		}
		if err := tx.UpsertIssueLinkType(ctx, store.IssueLinkType{
			JiraID: typeID, Name: l.Type.Name, OutwardName: l.Type.Outward, InwardName: l.Type.Inward,
		}); err != nil {
			return err
		}

		var outwardID, inwardID int64
		if l.OutwardIssue != nil {
			outwardID, err = parseJiraID(l.OutwardIssue.ID)
			if err != nil {
				continue
			}
		} else {
			outwardID = jiraID
		}
		if l.InwardIssue != nil {
			inwardID, err = parseJiraID(l.InwardIssue.ID)
			if err != nil {
				continue
			}
		} else {
			inwardID = jiraID
		}

		for _, e := range append(linkDiff.Added, changesAsEntries(linkDiff.Changed)...) {
			if e.Key != l.ID {
				continue
			}
			if err := tx.UpsertIssueLink(ctx, store.IssueLink{
				JiraID: linkID, LinkTypeID: typeID, OutwardIssueID: outwardID, InwardIssueID: inwardID,
			}); err != nil {
				return err
			}
		}
	}
	for _, e := range linkDiff.Removed {
		linkID, err := parseJiraID(e.Key)
		if err != nil {
			continue
		}
		if err := tx.DeleteIssueLink(ctx, linkID); err != nil {
			return err
		}
	}

	for _, e := range append(watcherDiff.Added, changesAsEntries(watcherDiff.Changed)...) {
		p, ok := findWatcherPayload(payload.Watchers, e.Key)
		if !ok {
			continue
		}
		if err := tx.UpsertPerson(ctx, store.Person{AccountID: p.AccountID, DisplayName: p.DisplayName}); err != nil {
			return err
		}
		if err := tx.UpsertWatcher(ctx, p.AccountID, jiraID); err != nil {
			return err
		}
	}
	for _, e := range watcherDiff.Removed {
		var accountID string
		if err := json.Unmarshal(e.Value, &accountID); err != nil {
			continue
		}
		if err := tx.DeleteWatcher(ctx, accountID, jiraID); err != nil {
			return err
		}
	}

	for _, e := range append(attachmentDiff.Added, changesAsEntries(attachmentDiff.Changed)...) {
		a, ok := findAttachmentPayload(payload.Attachments, e.Key)
		if !ok {
			continue
		}
		if err := tx.UpsertAttachmentMetadata(ctx, store.Attachment{
			UUID: a.UUID, ID: mustAttachmentID(a.UUID), IssueID: jiraID, Filename: a.Filename, MimeType: a.MimeType, FileSize: a.Size,
		}); err != nil {
			return err
		}
	}
	for _, e := range attachmentDiff.Removed {
		if err := tx.DeleteAttachment(ctx, e.Key); err != nil {
			return err
		}
	}

	return tx.InvalidateRendered(ctx, jiraID)
}

func changesAsEntries(changes []diff.Change) []diff.Entry {
	out := make([]diff.Entry, len(changes))
	for i, c := range changes {
		out[i] = diff.Entry{Key: c.Key, Value: c.NewValue}
	}
	return out
}

func changesAsOrderedEntries(changes []diff.OrderedChange) []diff.OrderedEntry {
	out := make([]diff.OrderedEntry, len(changes))
	for i, c := range changes {
		out[i] = diff.OrderedEntry{Key: c.Key, Position: c.NewPosition, Value: c.NewValue}
	}
	return out
}

func fieldEntries(fields map[string]json.RawMessage) []diff.Entry {
	out := make([]diff.Entry, 0, len(fields))
	for k, v := range fields {
		out = append(out, diff.Entry{Key: k, Value: v})
	}
	return out
}

func issueFieldEntries(fields []store.IssueField) []diff.Entry {
	out := make([]diff.Entry, len(fields))
	for i, f := range fields {
		out[i] = diff.Entry{Key: f.FieldID, Value: json.RawMessage(f.FieldValue)}
	}
	return out
}

func linkEntries(links []jiraclient.LinkPayload) ([]diff.Entry, error) {
	out := make([]diff.Entry, 0, len(links))
	for _, l := range links {
		v, err := json.Marshal(l)
		if err != nil {
			return nil, err
		}
		out = append(out, diff.Entry{Key: l.ID, Value: v})
	}
	return out, nil
}

func linkRowEntries(rows []store.IssueLink) []diff.Entry {
	out := make([]diff.Entry, len(rows))
	for i, r := range rows {
		v, _ := json.Marshal(r)
		out[i] = diff.Entry{Key: fmt.Sprintf("%d", r.JiraID), Value: v}
	}
	return out
}

func personEntries(people []jiraclient.PersonPayload) []diff.Entry {
	out := make([]diff.Entry, len(people))
	for i, p := range people {
		v, _ := json.Marshal(p.AccountID)
		out[i] = diff.Entry{Key: p.AccountID, Value: v}
	}
	return out
}

func findWatcherPayload(people []jiraclient.PersonPayload, accountID string) (jiraclient.PersonPayload, bool) {
	for _, p := range people {
		if p.AccountID == accountID {
			return p, true
		}
	}
	return jiraclient.PersonPayload{}, false
}

func watcherEntries(accountIDs []string) []diff.Entry {
	out := make([]diff.Entry, len(accountIDs))
	for i, id := range accountIDs {
		v, _ := json.Marshal(id)
		out[i] = diff.Entry{Key: id, Value: v}
	}
	return out
}

func commentOrderedEntries(comments []jiraclient.CommentPayload) []diff.OrderedEntry {
	out := make([]diff.OrderedEntry, len(comments))
	for i, c := range comments {
		out[i] = diff.OrderedEntry{Key: c.ID, Position: c.PositionInArray, Value: c.Body}
	}
	return out
}

func commentRowOrderedEntries(rows []store.Comment) []diff.OrderedEntry {
	out := make([]diff.OrderedEntry, len(rows))
	for i, r := range rows {
		out[i] = diff.OrderedEntry{Key: fmt.Sprintf("%d", r.ID), Position: r.PositionInArray, Value: json.RawMessage(r.ContentData)}
	}
	return out
}

func attachmentEntries(attachments []jiraclient.AttachmentPayload) []diff.Entry {
	out := make([]diff.Entry, len(attachments))
	for i, a := range attachments {
		v, _ := json.Marshal(a)
		out[i] = diff.Entry{Key: a.UUID, Value: v}
	}
	return out
}

func attachmentRowEntries(rows []store.Attachment) []diff.Entry {
	out := make([]diff.Entry, len(rows))
	for i, r := range rows {
		v, _ := json.Marshal(jiraclient.AttachmentPayload{UUID: r.UUID, Filename: r.Filename, MimeType: r.MimeType, Size: r.FileSize})
		out[i] = diff.Entry{Key: r.UUID, Value: v}
	}
	return out
}

func findCommentPayload(comments []jiraclient.CommentPayload, position int) (jiraclient.CommentPayload, bool) {
	for _, c := range comments {
		if c.PositionInArray == position {
			return c, true
		}
	}
	return jiraclient.CommentPayload{}, false
}

func findAttachmentPayload(attachments []jiraclient.AttachmentPayload, uuid string) (jiraclient.AttachmentPayload, bool) {
	for _, a := range attachments {
		if a.UUID == uuid {
			return a, true
		}
	}
	return jiraclient.AttachmentPayload{}, false
}

// mustAttachmentID derives a stable int64 row id from the attachment's
// remote uuid; Jira's attachment id is itself numeric in the REST API.
func mustAttachmentID(uuid string) int64 {
	id, err := parseJiraID(uuid)
	if err != nil {
		return 0
	}
	return id
}
