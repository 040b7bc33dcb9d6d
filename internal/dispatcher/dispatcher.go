// Package dispatcher owns the protocol request lifecycle: parsing each
// stdin line, running its handler on its own goroutine, and writing
// ACK/RESULT/ERROR/FINISHED frames to stdout. See spec.md §4.6.
package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/localjira/localjira/internal/jiralog"
	"github.com/localjira/localjira/internal/protocol"
	"github.com/localjira/localjira/internal/render"
	"github.com/localjira/localjira/internal/store"
	synchroniser "github.com/localjira/localjira/internal/sync"
)

// writerTxTimeout bounds the writer transaction a handler opens
// directly (attachment content caching); sync.Synchroniser applies the
// same bound to its own writer transactions.
const writerTxTimeout = 10 * time.Second

// AttachmentFetcher downloads attachment content on first read.
// *jiraclient.Client satisfies it.
type AttachmentFetcher interface {
	DownloadAttachment(ctx context.Context, attachmentID string) (mimeType string, data []byte, err error)
}

// Store is the subset of *store.Store the dispatcher's handlers read
// and write directly, beyond what Renderer and Synchroniser already
// wrap.
type Store interface {
	GetIssueByKey(ctx context.Context, key string) (*store.Issue, error)
	ListIssueKeys(ctx context.Context, projectKey string) ([]string, error)
	GetFields(ctx context.Context, issueKey string) ([]store.IssueField, error)
	ListAttachments(ctx context.Context, issueKey string) ([]store.Attachment, error)
	GetAttachmentByUUID(ctx context.Context, uuid string) (*store.Attachment, error)
	GetAttachmentBlob(ctx context.Context, uuid string) ([]byte, string, error)
	BeginWriter(ctx context.Context) (*store.Tx, error)
}

// verbSpec describes one recognised verb's arity and handler. Arity
// validation lives here, deliberately kept out of internal/protocol,
// which only enforces frame syntax.
type verbSpec struct {
	minParams int
	maxParams int // -1 means unbounded; 0 means no parameter section allowed
	handle    func(d *Dispatcher, ctx context.Context, id string, params []string)
}

var verbTable = map[string]verbSpec{
	"FETCH_TICKET":                      {2, 2, (*Dispatcher).handleFetchTicket},
	"FETCH_TICKET_LIST":                 {0, 0, (*Dispatcher).handleFetchTicketList},
	"FETCH_TICKET_KEY_VALUE_FIELDS":     {1, 1, (*Dispatcher).handleFetchTicketFields},
	"FETCH_ATTACHMENT_LIST_FOR_TICKET":  {1, 1, (*Dispatcher).handleFetchAttachmentList},
	"FETCH_ATTACHMENT_CONTENT":          {1, 1, (*Dispatcher).handleFetchAttachmentContent},
	"SYNCHRONISE_TICKET":                {1, 1, (*Dispatcher).handleSynchroniseTicket},
	"SYNCHRONISE_UPDATED":               {0, 0, (*Dispatcher).handleSynchroniseUpdated},
	"SYNCHRONISE_ALL":                   {0, 0, (*Dispatcher).handleSynchroniseAll},
	"EXIT_SERVER_AFTER_REQUESTS":        {0, 0, (*Dispatcher).handleExitAfterRequests},
	"EXIT_SERVER_NOW":                   {0, 0, (*Dispatcher).handleExitNow},
}

// Dispatcher routes parsed requests to handlers and serialises every
// reply frame through a single protocol.Writer.
type Dispatcher struct {
	store    Store
	renderer *render.Renderer
	sync     *synchroniser.Synchroniser
	remote   AttachmentFetcher
	projects []string

	out *protocol.Writer
	log *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	inFlight  sync.WaitGroup
	active    atomic.Int32
	draining  atomic.Bool
	done      chan struct{}
	closeOnce sync.Once

	// exitTokens holds every EXIT_SERVER_AFTER_REQUESTS token accepted
	// while draining, so their FINISHED lines can be deferred to
	// finish() instead of being emitted as soon as their handler
	// returns — they must come after every request they waited on. A
	// second EXIT_SERVER_AFTER_REQUESTS coalesces with the first rather
	// than being rejected, per spec.md §8.
	exitMu     sync.Mutex
	exitTokens []string
}

// New constructs a Dispatcher. ctx is the process-wide lifetime
// context; EXIT_SERVER_NOW cancels it.
func New(ctx context.Context, st Store, renderer *render.Renderer, sync *synchroniser.Synchroniser, remote AttachmentFetcher, projects []string, out *protocol.Writer) *Dispatcher {
	taskCtx, cancel := context.WithCancel(ctx)
	return &Dispatcher{
		store:    st,
		renderer: renderer,
		sync:     sync,
		remote:   remote,
		projects: projects,
		out:      out,
		log:      jiralog.Component("dispatcher"),
		ctx:      taskCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// SetSynchroniser back-fills the Synchroniser once constructed. The
// Dispatcher must exist first because it is itself the Synchroniser's
// Notifier.
func (d *Dispatcher) SetSynchroniser(s *synchroniser.Synchroniser) {
	d.sync = s
}

// Done returns a channel closed once the dispatcher has finished
// draining or been cancelled and every in-flight task has returned.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// Dispatch parses one input line and, if well formed and known, starts
// its handler on a dedicated goroutine. Malformed frames are answered
// synchronously with a `_ ERROR`; unknown verbs, wrong arity and
// requests refused while draining get `<token> ERROR` then
// `<token> FINISHED` with no ACK. None of these is counted as
// in-flight.
func (d *Dispatcher) Dispatch(line string) {
	req, err := protocol.ParseRequest(line)
	if err != nil {
		d.out.Malformed(protocol.ClientMessage(err))
		return
	}

	spec, ok := verbTable[req.Verb]
	if !ok {
		d.out.Error(req.Token, "unknown verb "+req.Verb)
		d.out.Finished(req.Token)
		return
	}

	if d.draining.Load() && req.Verb != "EXIT_SERVER_NOW" && req.Verb != "EXIT_SERVER_AFTER_REQUESTS" {
		d.out.Error(req.Token, "server is draining, no new requests accepted")
		d.out.Finished(req.Token)
		return
	}

	if !arityOK(spec, req) {
		d.out.Error(req.Token, "wrong number of parameters for "+req.Verb)
		d.out.Finished(req.Token)
		return
	}

	d.active.Add(1)
	d.inFlight.Add(1)
	go func() {
		defer d.inFlight.Done()
		defer d.afterTask()

		taskID := uuid.NewString()
		log := d.log.With("token", req.Token, "verb", req.Verb, "task_id", taskID)

		d.out.ACK(req.Token)
		log.Info("request accepted")
		spec.handle(d, d.ctx, req.Token, req.Params)
		if req.Verb != "EXIT_SERVER_AFTER_REQUESTS" {
			d.out.Finished(req.Token)
		}
		log.Info("request finished")
	}()
}

func arityOK(spec verbSpec, req protocol.Request) bool {
	n := len(req.Params)
	if !req.HasParams {
		n = 0
	}
	if n < spec.minParams {
		return false
	}
	if spec.maxParams >= 0 && n > spec.maxParams {
		return false
	}
	return true
}

func (d *Dispatcher) afterTask() {
	remaining := d.active.Add(-1)
	if d.draining.Load() && remaining == 0 {
		d.finish()
	}
}

func (d *Dispatcher) finish() {
	d.closeOnce.Do(func() {
		d.exitMu.Lock()
		tokens := d.exitTokens
		d.exitMu.Unlock()
		for _, tok := range tokens {
			d.out.Finished(tok)
		}
		close(d.done)
	})
}

// handleExitAfterRequests transitions the dispatcher into draining
// state: no further requests are accepted except EXIT_SERVER_NOW and
// further EXIT_SERVER_AFTER_REQUESTS, which coalesce with the first —
// every accepted token is recorded and each gets ACK immediately, but
// all of their FINISHED lines are withheld until finish() runs. The
// dispatch goroutine skips the usual inline Finished for this verb,
// so every coalesced token's FINISHED is written only once every
// other in-flight request, including any still running when this one
// was accepted, has already emitted its own RESULT/FINISHED lines.
func (d *Dispatcher) handleExitAfterRequests(ctx context.Context, id string, params []string) {
	d.exitMu.Lock()
	d.exitTokens = append(d.exitTokens, id)
	d.exitMu.Unlock()
	d.draining.Store(true)
}

// handleExitNow cancels every in-flight task's context immediately.
// Tasks observe ctx.Done and must roll back any open writer
// transaction before returning. finish() then runs from afterTask once
// the last of them, this request included, has returned.
func (d *Dispatcher) handleExitNow(ctx context.Context, id string, params []string) {
	d.draining.Store(true)
	d.cancel()
}

// NotifyChange implements sync.Notifier: a background refresh observed
// a non-empty diff outside of any in-flight request's own stale-fresh
// cycle, so it is reported as an unsolicited message.
func (d *Dispatcher) NotifyChange(issueKey string, kind synchroniser.ChangeKind) {
	switch kind {
	case synchroniser.ChangeNew:
		d.out.Unsolicited("new_issue " + issueKey)
	case synchroniser.ChangeRemoved:
		d.out.Unsolicited("removed_issue " + issueKey)
	default:
		d.out.Unsolicited("updated_issue " + issueKey)
	}
}

// NotifyFailure implements sync.Notifier: a background sync operation
// failed outside of any in-flight request. It is logged and surfaced
// as an unsolicited error; the scheduler loop continues regardless.
func (d *Dispatcher) NotifyFailure(scope string, err error) {
	d.log.Error("background sync failure", "scope", scope, "error", err)
	d.out.UnsolicitedError("%s: %v", scope, err)
}

// classifyMessage renders an error for a client reply. store.ErrNotFound
// reports as a plain "not found"; everything else reports its message
// verbatim, matching spec.md §7's human-message contract.
func classifyMessage(err error) string {
	if err == store.ErrNotFound {
		return "not found"
	}
	return err.Error()
}
