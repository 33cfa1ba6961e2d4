package tq

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CredentialPurger is the single hook the scheduler exposes to the
// credential lifecycle: the companion tables share the backing store and
// expired rows are swept on the housekeeping cadence.
type CredentialPurger interface {
	PurgeExpiredRequests(ctx context.Context) (int, error)
	PurgeExpiredProxies(ctx context.Context) (int, error)
}

// Housekeeper runs the periodic maintenance pass: orphaned queue cleanup,
// expired credential purge, and share recalculation.
type Housekeeper struct {
	scheduler *Scheduler
	purger    CredentialPurger // optional
	interval  time.Duration
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	log       *zap.SugaredLogger

	mu        sync.Mutex
	lastRunAt time.Time
	runs      int64
}

// NewHousekeeper creates a housekeeper bound to a parent context so server
// shutdown also stops the loop. purger may be nil when no credential tables
// are in use.
func NewHousekeeper(ctx context.Context, scheduler *Scheduler, purger CredentialPurger, interval time.Duration, log *zap.SugaredLogger) *Housekeeper {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	hkCtx, cancel := context.WithCancel(ctx)
	return &Housekeeper{
		scheduler: scheduler,
		purger:    purger,
		interval:  interval,
		ctx:       hkCtx,
		cancel:    cancel,
		log:       log,
	}
}

// Start begins the housekeeping loop
func (h *Housekeeper) Start() {
	h.wg.Add(1)
	go h.run()
	h.log.Infow("Housekeeper started", "interval", h.interval)
}

// Stop gracefully stops the loop and waits for an in-flight pass to finish
func (h *Housekeeper) Stop() {
	h.cancel()
	h.wg.Wait()
	h.log.Infow("Housekeeper stopped")
}

func (h *Housekeeper) run() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case tickTime := <-ticker.C:
			h.mu.Lock()
			h.lastRunAt = tickTime
			h.runs++
			h.mu.Unlock()

			h.RunOnce(h.ctx)
		}
	}
}

// RunOnce executes a single housekeeping pass. Every step is idempotent, so
// a failed step is logged and the pass continues.
func (h *Housekeeper) RunOnce(ctx context.Context) {
	if removed, err := h.scheduler.CleanOrphanedTaskQueues(ctx); err != nil {
		h.log.Warnw("Orphaned task queue cleanup failed", "error", err)
	} else if removed > 0 {
		h.log.Infow("Removed orphaned task queues", "removed", removed)
	}

	if h.purger != nil {
		if purged, err := h.purger.PurgeExpiredRequests(ctx); err != nil {
			h.log.Warnw("Expired request purge failed", "error", err)
		} else if purged > 0 {
			h.log.Infow("Purged expired delegation requests", "purged", purged)
		}

		if purged, err := h.purger.PurgeExpiredProxies(ctx); err != nil {
			h.log.Warnw("Expired proxy purge failed", "error", err)
		} else if purged > 0 {
			h.log.Infow("Purged expired proxies", "purged", purged)
		}
	}

	if err := h.scheduler.RecalculateSharesForAll(ctx); err != nil {
		h.log.Warnw("Share recalculation failed", "error", err)
	}

	if orphans, err := h.scheduler.FindOrphanJobs(ctx); err != nil {
		h.log.Warnw("Orphan job scan failed", "error", err)
	} else if len(orphans) > 0 {
		// Should be impossible: the foreign key forbids dangling jobs
		h.log.Errorw("Found orphan jobs", "job_ids", orphans)
	}
}

// Stats reports loop progress for diagnostics
func (h *Housekeeper) Stats() (lastRunAt time.Time, runs int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastRunAt, h.runs
}
