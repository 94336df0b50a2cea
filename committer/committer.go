// Package committer runs the periodic commit/push ticker (SPEC_FULL.md
// §4.5): on each tick, if anything has changed since the last tick, every
// known folder repo is staged, committed, and pushed.
package committer

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cds-git-sync/bridge/store"
)

const DefaultInterval = 10 * time.Second

// Committer is the background ticker described in SPEC_FULL.md §4.5. It
// holds no lock of its own: store.Store.CommitAll takes the global git
// mutex for each repo's commit/push. The sync engine's file writes do not
// take that mutex, so a commit can include a partly applied reconciliation.
type Committer struct {
	store    *store.Store
	interval time.Duration
	log      *slog.Logger

	hasChanges   atomic.Bool
	lastCommitAt atomic.Int64

	stopped chan struct{}
}

// New constructs a Committer. interval defaults to DefaultInterval if zero.
func New(s *store.Store, interval time.Duration, log *slog.Logger) *Committer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Committer{
		store:    s,
		interval: interval,
		log:      log,
		stopped:  make(chan struct{}),
	}
}

// MarkChanged flags that at least one sync operation completed since the
// last tick, so the next tick will not skip commit_all(). main wires it in
// as the ingestion queue's OnChange hook, which calls it once per processed
// item that completed at least one filesystem operation.
func (c *Committer) MarkChanged() {
	c.hasChanges.Store(true)
}

// LastCommitAt returns the time of the last tick that actually ran
// commit_all (zero if none yet).
func (c *Committer) LastCommitAt() time.Time {
	unix := c.lastCommitAt.Load()
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0).UTC()
}

// Stopped is closed once Run's loop has returned.
func (c *Committer) Stopped() <-chan struct{} {
	return c.stopped
}

// Run ticks until ctx is cancelled. The worker checks ctx between ticks
// only (it never interrupts an in-flight commit/push), matching the
// cooperative-shutdown discipline of SPEC_FULL.md §9.
func (c *Committer) Run(ctx context.Context) {
	defer close(c.stopped)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(context.WithoutCancel(ctx))
		}
	}
}

func (c *Committer) tick(ctx context.Context) {
	if !c.hasChanges.Load() {
		return
	}

	committed, err := c.store.CommitAll(ctx)
	if err != nil {
		c.log.Error("commit_all failed", "err", err)
		return
	}

	c.hasChanges.Store(false)
	c.lastCommitAt.Store(time.Now().Unix())

	if committed {
		c.log.Info("committer tick complete", "committed", committed)
	}
}
