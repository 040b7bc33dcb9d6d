package dispatcher

import (
	"context"
	"fmt"
	"strings"

	"github.com/localjira/localjira/internal/protocol"
	"github.com/localjira/localjira/internal/store"
	synchroniser "github.com/localjira/localjira/internal/sync"
)

// handleFetchTicket serves FETCH_TICKET <key>,<format>. A cached
// rendering is emitted immediately if one exists (the stale half of
// the stale-then-fresh pattern); the ticket is then synchronously
// refreshed and a second RESULT is emitted only when the refresh
// actually changed something.
func (d *Dispatcher) handleFetchTicket(ctx context.Context, id string, params []string) {
	key := params[0]
	format, err := parseFormat(params[1])
	if err != nil {
		d.out.Error(id, err.Error())
		return
	}

	staleBody, staleErr := d.renderer.Render(ctx, key, format)
	if staleErr == nil {
		d.out.Result(id, protocol.EncodeBase64([]byte(staleBody)))
	} else if staleErr != store.ErrNotFound {
		d.out.Error(id, staleErr.Error())
	}

	if err := d.sync.RefreshIssue(synchroniser.Quiet(ctx), key); err != nil {
		if ctx.Err() != nil {
			return
		}
		d.out.Error(id, err.Error())
		return
	}

	freshBody, err := d.renderer.Render(ctx, key, format)
	if err != nil {
		if err != store.ErrNotFound {
			d.out.Error(id, err.Error())
		}
		return
	}
	if staleErr != nil || freshBody != staleBody {
		d.out.Result(id, protocol.EncodeBase64([]byte(freshBody)))
	}
}

// handleFetchTicketList serves FETCH_TICKET_LIST, which takes no
// parameters and lists every cached issue key across every configured
// project, followed by a background-triggered incremental refresh.
func (d *Dispatcher) handleFetchTicketList(ctx context.Context, id string, params []string) {
	staleKeys, staleErr := d.store.ListIssueKeys(ctx, "")
	if staleErr != nil {
		d.out.Error(id, staleErr.Error())
	} else {
		d.out.Result(id, strings.Join(staleKeys, ","))
	}

	if err := d.sync.RefreshUpdated(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		d.out.Error(id, err.Error())
		return
	}

	freshKeys, err := d.store.ListIssueKeys(ctx, "")
	if err != nil {
		d.out.Error(id, err.Error())
		return
	}
	if !sameKeys(staleKeys, freshKeys) {
		d.out.Result(id, strings.Join(freshKeys, ","))
	}
}

// handleFetchTicketFields serves FETCH_TICKET_KEY_VALUE_FIELDS <key>,
// returning every cached (field, value) pair base64-encoded.
func (d *Dispatcher) handleFetchTicketFields(ctx context.Context, id string, params []string) {
	key := params[0]

	stalePairs, staleErr := d.fieldPairs(ctx, key)
	if staleErr != nil {
		if staleErr != store.ErrNotFound {
			d.out.Error(id, staleErr.Error())
		}
	} else {
		d.out.Result(id, protocol.EncodeKeyValuePairs(stalePairs))
	}

	if err := d.sync.RefreshIssue(synchroniser.Quiet(ctx), key); err != nil {
		if ctx.Err() != nil {
			return
		}
		d.out.Error(id, err.Error())
		return
	}

	freshPairs, err := d.fieldPairs(ctx, key)
	if err != nil {
		if err != store.ErrNotFound {
			d.out.Error(id, err.Error())
		}
		return
	}
	if staleErr != nil || !samePairs(stalePairs, freshPairs) {
		d.out.Result(id, protocol.EncodeKeyValuePairs(freshPairs))
	}
}

func (d *Dispatcher) fieldPairs(ctx context.Context, key string) (map[string]string, error) {
	fields, err := d.store.GetFields(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		if _, err := d.store.GetIssueByKey(ctx, key); err != nil {
			return nil, err
		}
	}
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		out[f.FieldID] = f.FieldValue
	}
	return out, nil
}

// handleFetchAttachmentList serves FETCH_ATTACHMENT_LIST_FOR_TICKET <key>.
func (d *Dispatcher) handleFetchAttachmentList(ctx context.Context, id string, params []string) {
	key := params[0]

	staleEntries, staleErr := d.attachmentEntries(ctx, key)
	if staleErr != nil {
		d.out.Error(id, staleErr.Error())
	} else {
		d.out.Result(id, protocol.EncodeAttachmentList(staleEntries))
	}

	if err := d.sync.RefreshIssue(synchroniser.Quiet(ctx), key); err != nil {
		if ctx.Err() != nil {
			return
		}
		d.out.Error(id, err.Error())
		return
	}

	freshEntries, err := d.attachmentEntries(ctx, key)
	if err != nil {
		d.out.Error(id, err.Error())
		return
	}
	if staleErr != nil || !sameAttachmentEntries(staleEntries, freshEntries) {
		d.out.Result(id, protocol.EncodeAttachmentList(freshEntries))
	}
}

func (d *Dispatcher) attachmentEntries(ctx context.Context, key string) ([]protocol.AttachmentListEntry, error) {
	attachments, err := d.store.ListAttachments(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(attachments) == 0 {
		if _, err := d.store.GetIssueByKey(ctx, key); err != nil {
			return nil, err
		}
	}
	out := make([]protocol.AttachmentListEntry, 0, len(attachments))
	for _, a := range attachments {
		out = append(out, protocol.AttachmentListEntry{UUID: a.UUID, Filename: a.Filename})
	}
	return out, nil
}

// handleFetchAttachmentContent serves FETCH_ATTACHMENT_CONTENT <uuid>.
// There is no stale-then-fresh pattern here: attachment bytes are
// immutable once uploaded, so a single RESULT, fetching from the
// remote on first read and caching thereafter, is sufficient.
func (d *Dispatcher) handleFetchAttachmentContent(ctx context.Context, id string, params []string) {
	uuid := params[0]

	data, _, err := d.store.GetAttachmentBlob(ctx, uuid)
	if err == nil {
		d.out.Result(id, protocol.EncodeBase64(data))
		return
	}
	if err != store.ErrNotFound {
		d.out.Error(id, err.Error())
		return
	}

	meta, err := d.store.GetAttachmentByUUID(ctx, uuid)
	if err != nil {
		d.out.Error(id, classifyMessage(err))
		return
	}

	fetchedMime, fetchedData, err := d.remote.DownloadAttachment(ctx, uuid)
	if err != nil {
		d.out.Error(id, err.Error())
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, writerTxTimeout)
	defer cancel()
	tx, err := d.store.BeginWriter(writeCtx)
	if err != nil {
		d.out.Error(id, err.Error())
		return
	}
	if err := tx.SetAttachmentContent(writeCtx, meta.UUID, fetchedData, fetchedMime); err != nil {
		tx.Rollback()
		d.out.Error(id, err.Error())
		return
	}
	if err := tx.Commit(); err != nil {
		d.out.Error(id, err.Error())
		return
	}

	d.out.Result(id, protocol.EncodeBase64(fetchedData))
}

// handleSynchroniseTicket serves SYNCHRONISE_TICKET <key>: an explicit
// on-demand refresh, bracketed by the two mandated RESULT lines.
func (d *Dispatcher) handleSynchroniseTicket(ctx context.Context, id string, params []string) {
	d.out.Result(id, "synchronisation started")
	if err := d.sync.RefreshIssue(synchroniser.Quiet(ctx), params[0]); err != nil {
		if ctx.Err() != nil {
			return
		}
		d.out.Error(id, err.Error())
		return
	}
	d.out.Result(id, "synchronisation finished")
}

// handleSynchroniseUpdated serves SYNCHRONISE_UPDATED: a watermark
// incremental refresh across every configured project, bracketed by
// the two mandated RESULT lines.
func (d *Dispatcher) handleSynchroniseUpdated(ctx context.Context, id string, params []string) {
	d.out.Result(id, "synchronisation started")
	if err := d.sync.RefreshUpdated(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		d.out.Error(id, err.Error())
		return
	}
	d.out.Result(id, "synchronisation finished")
}

// handleSynchroniseAll serves SYNCHRONISE_ALL: a full issue-key
// enumeration and cascade-delete pass across every configured project,
// used to reconcile visibility changes an incremental refresh cannot
// observe (permission revocation, issue move between projects).
// Bracketed by the two mandated RESULT lines.
func (d *Dispatcher) handleSynchroniseAll(ctx context.Context, id string, params []string) {
	d.out.Result(id, "synchronisation started")
	for _, project := range d.projects {
		if err := d.sync.FullIssueScan(ctx, project); err != nil {
			if ctx.Err() != nil {
				return
			}
			d.out.Error(id, fmt.Sprintf("%s: %v", project, err))
		}
	}
	d.out.Result(id, "synchronisation finished")
}

func parseFormat(s string) (store.Format, error) {
	switch store.Format(strings.ToUpper(s)) {
	case store.FormatMarkdown:
		return store.FormatMarkdown, nil
	case store.FormatHTML:
		return store.FormatHTML, nil
	default:
		return "", fmt.Errorf("unknown format %q", s)
	}
}

func sameKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func samePairs(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func sameAttachmentEntries(a, b []protocol.AttachmentListEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
