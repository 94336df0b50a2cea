// Package queue is the ingestion queue (SPEC_FULL.md §4.3): a single
// multiple-producer, single-consumer FIFO accepting two kinds of work items,
// so that mutation of any one folder is never interleaved across requests
// dispatched from different producers (webhook handlers, CLI, startup).
package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/cds-git-sync/bridge/internal/lock"
	"github.com/cds-git-sync/bridge/internal/metrics"
)

// SyncRequest names a single resource to reconcile, produced by the CLI or
// at startup (enqueue_sync_request in SPEC_FULL.md §4.3).
type SyncRequest struct {
	RelayID    string
	ResourceID string
}

// ChangeNotification is a webhook-derived item carrying the already-split
// relay/resource UUID halves and the event timestamp (enqueue_change_notification
// in SPEC_FULL.md §4.3; the doc_id compound-ID split happens in the webhook
// handler, never here).
type ChangeNotification struct {
	RelayID    string
	ResourceID string
	Timestamp  time.Time
}

// item is the heterogeneous-tagged payload the consumer pulls off the FIFO.
// Exactly one of sync/change is set.
type item struct {
	sync   *SyncRequest
	change *ChangeNotification
}

// Processor is the sync engine's consumer-side interface. Queue depends only
// on this interface, not on the sync package, so the two can be wired
// together from main without an import cycle.
type Processor interface {
	ProcessSyncRequest(ctx context.Context, req SyncRequest) (changed bool, err error)
	ProcessChangeNotification(ctx context.Context, n ChangeNotification) (changed bool, err error)
}

// OnChange is called once per processed item that produced at least one
// completed filesystem operation, so the caller (normally
// committer.Committer.MarkChanged) can flag that the next committer tick
// should not skip commit_all().
type OnChange func()

// Queue is an unbounded FIFO with exactly one consumer, matching the
// model in SPEC_FULL.md §4.3. Producers never block and never fail:
// enqueueing only appends to an in-memory slice under a mutex.
type Queue struct {
	processor Processor
	onChange  OnChange
	log       *slog.Logger

	mu    lock.Mutex
	items []item

	notify chan struct{}
}

// New constructs a Queue that dispatches to processor and calls onChange
// after any item that produces a filesystem mutation.
func New(processor Processor, onChange OnChange, log *slog.Logger) *Queue {
	return &Queue{
		processor: processor,
		onChange:  onChange,
		log:       log,
		notify:    make(chan struct{}, 1),
	}
}

// EnqueueSyncRequest adds an explicit sync request to the tail of the FIFO.
// Infallible, per SPEC_FULL.md §4.3: producers are never blocked or
// rejected.
func (q *Queue) EnqueueSyncRequest(req SyncRequest) {
	q.log.Info("enqueuing sync request", "relay_id", req.RelayID, "resource_id", req.ResourceID)
	q.push(item{sync: &req})
}

// EnqueueChangeNotification adds a webhook-derived change notification to
// the tail of the FIFO.
func (q *Queue) EnqueueChangeNotification(n ChangeNotification) {
	q.log.Info("enqueuing change notification", "relay_id", n.RelayID, "resource_id", n.ResourceID, "at", n.Timestamp)
	q.push(item{change: &n})
}

func (q *Queue) push(it item) {
	q.mu.Lock()
	q.items = append(q.items, it)
	depth := len(q.items)
	q.mu.Unlock()

	metrics.SetQueueDepth(depth)

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) pop() (item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return item{}, false
	}
	it := q.items[0]
	q.items = q.items[1:]
	metrics.SetQueueDepth(len(q.items))
	return it, true
}

// Depth returns the number of items currently waiting (for tests and
// diagnostics).
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Run drains the queue until ctx is cancelled. The consumer blocks on
// either a push notification or a 1 s poll, matching the "short poll
// interval (order of 1 s)" cooperative-shutdown requirement of SPEC_FULL.md
// §4.3: ctx is only observed between items, never used to interrupt one
// in flight.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.notify:
		case <-ticker.C:
		}
		q.drain(ctx)
	}
}

// drain processes every item currently queued, stopping early if ctx is
// cancelled mid-batch.
func (q *Queue) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		it, ok := q.pop()
		if !ok {
			return
		}
		q.process(context.WithoutCancel(ctx), it)
	}
}

// process dispatches one item and recovers from a panicking processor, per
// SPEC_FULL.md §4.3 "consumer-side errors are caught per item and never
// crash the worker."
func (q *Queue) process(ctx context.Context, it item) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("panic while processing queue item", "recovered", r)
			metrics.RecordQueueItem("unknown", "panic")
		}
	}()

	var (
		changed bool
		err     error
		kind    string
	)
	switch {
	case it.sync != nil:
		kind = "sync_request"
		changed, err = q.processor.ProcessSyncRequest(ctx, *it.sync)
	case it.change != nil:
		kind = "change_notification"
		changed, err = q.processor.ProcessChangeNotification(ctx, *it.change)
	default:
		q.log.Warn("dropping empty queue item")
		return
	}

	if err != nil {
		q.log.Error("error processing queue item", "kind", kind, "err", err)
		metrics.RecordQueueItem(kind, "error")
		return
	}

	metrics.RecordQueueItem(kind, "ok")
	if changed && q.onChange != nil {
		q.onChange()
	}
}
