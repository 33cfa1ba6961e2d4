package tq

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/gridwms/config"
	"github.com/teranos/gridwms/errors"
)

// AccountingSink receives dispatch records. The accounting system itself is
// an external collaborator; the scheduler only ever calls this interface.
type AccountingSink interface {
	RecordDispatch(ctx context.Context, ownerGroup string, tqID, jobID int64) error
}

// Scheduler is the public face of the task queue system: producers insert
// jobs, matchers dispatch them, and housekeeping keeps the queue population
// tidy. All methods are safe for concurrent use; the backing store is the
// only shared state.
type Scheduler struct {
	store   *Store
	matcher *Matcher
	shares  *ShareEngine
	buckets []int64
	log     *zap.SugaredLogger

	accounting AccountingSink // optional
}

// NewScheduler wires a scheduler from an opened, migrated database and the
// scheduler section of the configuration.
func NewScheduler(conn *sql.DB, cfg *config.Config, log *zap.SugaredLogger) *Scheduler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	store := NewStore(conn, log.Named("store"))
	dag := NewPlatformDAG(cfg.Scheduler.PlatformOrder)
	shares := NewShareEngine(store,
		cfg.Scheduler.DefaultGroupPriority,
		secondsToDuration(cfg.Scheduler.ShareRecalcMinIntervalSeconds),
		log.Named("shares"))
	matcher := NewMatcher(store, dag, cfg.Scheduler.MatchRetryBudget, log.Named("matcher"))

	buckets := cfg.Scheduler.CPUTimeBuckets
	if len(buckets) == 0 {
		buckets = config.DefaultCPUTimeBuckets
	}

	return &Scheduler{
		store:   store,
		matcher: matcher,
		shares:  shares,
		buckets: buckets,
		log:     log,
	}
}

// SetAccountingSink attaches an optional dispatch recorder. Sink failures
// are logged, never propagated; accounting must not block dispatch.
func (s *Scheduler) SetAccountingSink(sink AccountingSink) {
	s.accounting = sink
}

// Store exposes the underlying store for housekeeping and diagnostics
func (s *Scheduler) Store() *Store {
	return s.store
}

// Shares exposes the priority engine for housekeeping
func (s *Scheduler) Shares() *ShareEngine {
	return s.shares
}

// ReloadPlatformOrder swaps the platform compatibility DAG at runtime
func (s *Scheduler) ReloadPlatformOrder(edges [][]string) {
	s.matcher.ReloadPlatformOrder(edges)
}

// InsertJob validates and normalises the requirements, finds or creates the
// matching task queue, and attaches the job to it. priorityHint lifts the
// queue's raw priority when higher than its current value.
func (s *Scheduler) InsertJob(ctx context.Context, jobID int64, reqs *Requirements, priorityHint int64) error {
	if reqs == nil {
		return errors.NewBadRequest("requirements must not be nil")
	}
	if jobID <= 0 {
		return errors.NewBadRequest("field %q: must be > 0, got %d", "jobId", jobID)
	}

	canonical := *reqs
	if err := canonical.Normalise(s.buckets); err != nil {
		return err
	}

	tqID, created, err := s.store.FindOrCreateTaskQueue(ctx, &canonical)
	if err != nil {
		return err
	}

	if err := s.store.AttachJob(ctx, tqID, jobID, priorityHint); err != nil {
		return err
	}

	if priorityHint > 0 {
		if err := s.shares.BumpPriority(ctx, tqID, priorityHint); err != nil {
			return err
		}
	}

	// A brand-new queue changes its group's normalisation; force the recalc
	// when the group was previously empty so its share doesn't stay zero.
	if err := s.shares.MaybeRecalculateGroup(ctx, canonical.OwnerGroup, created); err != nil {
		return err
	}

	s.log.Debugw("Inserted job",
		"job_id", jobID,
		"tq_id", tqID,
		"owner_group", canonical.OwnerGroup,
		"created_tq", created,
	)
	return nil
}

// DeleteJob detaches the job from its queue. Idempotent: deleting a job
// that is not attached anywhere succeeds silently.
func (s *Scheduler) DeleteJob(ctx context.Context, jobID int64) error {
	_, err := s.store.DetachJob(ctx, jobID)
	if errors.IsUnknownJob(err) {
		return nil
	}
	return err
}

// TaskQueueForJobs maps job ids to the queues they are attached to
func (s *Scheduler) TaskQueueForJobs(ctx context.Context, jobIDs []int64) (map[int64]int64, error) {
	return s.store.TaskQueueForJobs(ctx, jobIDs)
}

// RetrieveTaskQueues enumerates all queues with their content and job counts
func (s *Scheduler) RetrieveTaskQueues(ctx context.Context) (map[int64]*TaskQueueDescriptor, error) {
	return s.store.RetrieveTaskQueues(ctx)
}

// NumTaskQueues returns the number of live task queues
func (s *Scheduler) NumTaskQueues(ctx context.Context) (int, error) {
	return s.store.NumTaskQueues(ctx)
}

// DeleteTaskQueue removes an empty queue; fails with Conflict while jobs
// are attached.
func (s *Scheduler) DeleteTaskQueue(ctx context.Context, tqID int64) error {
	return s.store.DeleteTaskQueue(ctx, tqID)
}

// DeleteTaskQueueIfEmpty deletes the queue only when empty and reports
// whether anything was deleted. A deletion that empties a group refreshes
// the group's shares.
func (s *Scheduler) DeleteTaskQueueIfEmpty(ctx context.Context, tqID int64) (bool, error) {
	group, err := s.ownerGroupOf(ctx, tqID)
	if errors.IsUnknownTaskQueue(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	deleted, err := s.store.DeleteTaskQueueIfEmpty(ctx, tqID)
	if err != nil {
		return false, err
	}
	if deleted {
		if err := s.shares.MaybeRecalculateGroup(ctx, group, true); err != nil {
			return true, err
		}
	}
	return deleted, nil
}

func (s *Scheduler) ownerGroupOf(ctx context.Context, tqID int64) (string, error) {
	var group string
	err := s.store.db.QueryRowContext(ctx,
		"SELECT owner_group FROM tq_task_queues WHERE tq_id = ?", tqID).Scan(&group)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.Wrapf(errors.ErrUnknownTaskQueue, "task queue %d", tqID)
	}
	if err != nil {
		return "", err
	}
	return group, nil
}

// MatchAndGetTaskQueue returns candidate queue ids for a resource
// description without dequeuing anything.
func (s *Scheduler) MatchAndGetTaskQueue(ctx context.Context, r *Resource, numQueuesToGet int) ([]int64, error) {
	return s.matcher.MatchAndGetTaskQueue(ctx, r, numQueuesToGet)
}

// MatchAndGetJob dispatches one job from a compatible queue, at most once
// per job across all concurrent matchers.
func (s *Scheduler) MatchAndGetJob(ctx context.Context, r *Resource) (*MatchResult, error) {
	result, err := s.matcher.MatchAndGetJob(ctx, r)
	if err != nil {
		return nil, err
	}

	if result.Found && s.accounting != nil {
		group := ""
		if g, gErr := s.ownerGroupOf(ctx, result.TaskQueueID); gErr == nil {
			group = g
		}
		if sinkErr := s.accounting.RecordDispatch(ctx, group, result.TaskQueueID, result.JobID); sinkErr != nil {
			s.log.Warnw("Accounting sink rejected dispatch record",
				"tq_id", result.TaskQueueID,
				"job_id", result.JobID,
				"error", sinkErr,
			)
		}
	}

	return result, nil
}

// CleanOrphanedTaskQueues deletes queues with no attached jobs
func (s *Scheduler) CleanOrphanedTaskQueues(ctx context.Context) (int, error) {
	return s.store.CleanOrphanedTaskQueues(ctx)
}

// FindOrphanJobs returns jobs whose queue vanished, for operator inspection
func (s *Scheduler) FindOrphanJobs(ctx context.Context) ([]int64, error) {
	return s.store.FindOrphanJobs(ctx)
}

// RecalculateSharesForAll refreshes the shares of every owner group
func (s *Scheduler) RecalculateSharesForAll(ctx context.Context) error {
	return s.shares.RecalculateSharesForAll(ctx)
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
