// Package reconcile implements the periodic CSV reconciler: a
// dedicated goroutine that, on each tick, appends staged inserts to
// the CSV snapshot and rewrites the snapshot to drop staged deletions,
// scoped to a context the way long-running background work is scoped
// elsewhere (vcontext.Background(), encoding/bam/shard.go), driven by
// a time.Ticker.
package reconcile

import (
	"context"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/geoserver/internal/csvio"
	"github.com/grailbio/geoserver/internal/geo"
)

// Source is the subset of *core.Core the reconciler depends on. Kept as
// an interface so the reconciler can be tested without a full Core.
// Restore* put back what Drain* removed when a write attempt fails, so
// an I/O failure leaves staging exactly as it was rather than silently
// dropping work; the next tick retries.
type Source interface {
	DataFile() string
	DrainInserts() []geo.Object
	RestoreInserts(objs []geo.Object)
	DrainCsvDeletes() map[uint64]bool
	RestoreCsvDeletes(ids map[uint64]bool)
}

// Reconciler runs Source's staged mutations into its CSV snapshot on a
// fixed period.
type Reconciler struct {
	src    Source
	period time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Reconciler. Call Start to begin ticking.
func New(src Source, period time.Duration) *Reconciler {
	if period <= 0 {
		period = 60 * time.Second
	}
	return &Reconciler{src: src, period: period, done: make(chan struct{})}
}

// Start launches the reconciler's dedicated goroutine. Stop joins it.
func (r *Reconciler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.run(ctx)
}

// Stop signals the reconciler to exit and waits for its goroutine to
// return. It checks the cancellation flag between sleeps so it can exit
// promptly rather than waiting out a full period.
func (r *Reconciler) Stop() {
	r.cancel()
	<-r.done
}

func (r *Reconciler) run(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

// tick performs one reconciliation pass: insert-append, then
// delete-rewrite, leaving staging intact on failure so the next tick
// retries. A failed append ends the pass before the rewrite step.
func (r *Reconciler) tick() {
	path := r.src.DataFile()

	if inserts := r.src.DrainInserts(); len(inserts) > 0 {
		if err := csvio.AppendLines(path, inserts); err != nil {
			log.Error.Printf("reconciler: append %d staged inserts to %s failed: %v", len(inserts), path, err)
			r.src.RestoreInserts(inserts)
			return
		}
		log.Debug.Printf("reconciler: appended %d rows to %s", len(inserts), path)
	}

	if drop := r.src.DrainCsvDeletes(); len(drop) > 0 {
		if err := csvio.RewriteDropping(path, drop); err != nil {
			log.Error.Printf("reconciler: rewrite %s dropping %d ids failed: %v", path, len(drop), err)
			r.src.RestoreCsvDeletes(drop)
			return
		}
		log.Debug.Printf("reconciler: rewrote %s dropping %d ids", path, len(drop))
	}
}
