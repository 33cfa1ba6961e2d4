package tq

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/gridwms/db"
	"github.com/teranos/gridwms/errors"
)

// Store handles persistence of task queues, their multi-valued requirement
// rows, and the job attachments. All operations are transactional: either
// the scalar row and every multi-value row commit together, or none do.
type Store struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

// NewStore creates a new task queue store
func NewStore(conn *sql.DB, log *zap.SugaredLogger) *Store {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Store{db: conn, log: log}
}

// TaskQueue is the scalar content of one queue row
type TaskQueue struct {
	ID         int64
	OwnerDN    string
	OwnerGroup string
	Setup      string
	CPUTime    int64
	Priority   float64
	Share      float64
}

// TaskQueueDescriptor is the full queue content returned by RetrieveTaskQueues
type TaskQueueDescriptor struct {
	TaskQueue
	Jobs       int
	MultiValue map[string][]string
}

// FindOrCreateTaskQueue returns the id of the live task queue whose
// fingerprint matches the normalised requirements, creating it if needed.
// Idempotent: concurrent callers with the same fingerprint converge on one
// queue; the UNIQUE(fingerprint) constraint breaks the race and the loser
// re-reads. Returns (id, created, error).
func (s *Store) FindOrCreateTaskQueue(ctx context.Context, reqs *Requirements) (int64, bool, error) {
	fingerprint := reqs.Fingerprint()

	// Fast path: the queue usually exists already
	if id, err := s.taskQueueByFingerprint(ctx, fingerprint); err == nil {
		return id, false, nil
	} else if !errors.IsUnknownTaskQueue(err) {
		return 0, false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, db.ClassifyError(ctx, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO tq_task_queues (fingerprint, owner_dn, owner_group, setup, cpu_time, priority)
		VALUES (?, ?, ?, ?, ?, 1.0)
	`, fingerprint, reqs.OwnerDN, reqs.OwnerGroup, reqs.Setup, reqs.CPUTime)
	if err != nil {
		if db.IsUniqueViolation(err) {
			// Lost the creation race; the winner's queue is complete once
			// its transaction committed, so just read it back.
			id, selErr := s.taskQueueByFingerprint(ctx, fingerprint)
			if selErr != nil {
				return 0, false, selErr
			}
			return id, false, nil
		}
		return 0, false, db.ClassifyError(ctx, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, db.ClassifyError(ctx, err)
	}

	for field, values := range reqs.multiValue() {
		for _, value := range values {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO tq_multi_value (tq_id, field, value) VALUES (?, ?, ?)",
				id, field, value); err != nil {
				return 0, false, db.ClassifyError(ctx, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, false, db.ClassifyError(ctx, err)
	}

	s.log.Debugw("Created task queue",
		"tq_id", id,
		"owner_group", reqs.OwnerGroup,
		"fingerprint", fingerprint[:12],
	)
	return id, true, nil
}

func (s *Store) taskQueueByFingerprint(ctx context.Context, fingerprint string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		"SELECT tq_id FROM tq_task_queues WHERE fingerprint = ?", fingerprint).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errors.Wrapf(errors.ErrUnknownTaskQueue, "fingerprint %s", fingerprint)
	}
	if err != nil {
		return 0, db.ClassifyError(ctx, err)
	}
	return id, nil
}

// AttachJob inserts the job row. Fails with Conflict if jobID is already
// attached anywhere.
func (s *Store) AttachJob(ctx context.Context, tqID, jobID int64, priorityHint int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tq_jobs (job_id, tq_id, enqueued_at, priority_hint)
		VALUES (?, ?, ?, ?)
	`, jobID, tqID, time.Now().UTC(), priorityHint)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return errors.NewConflict("job %d already attached", jobID)
		}
		return db.ClassifyError(ctx, err)
	}
	return nil
}

// DetachJob removes the job row and returns the task queue it was attached
// to. Fails with UnknownJob if the job is not attached anywhere.
func (s *Store) DetachJob(ctx context.Context, jobID int64) (int64, error) {
	var tqID int64
	err := s.db.QueryRowContext(ctx,
		"DELETE FROM tq_jobs WHERE job_id = ? RETURNING tq_id", jobID).Scan(&tqID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errors.Wrapf(errors.ErrUnknownJob, "job %d", jobID)
	}
	if err != nil {
		return 0, db.ClassifyError(ctx, err)
	}
	return tqID, nil
}

// detachJobFromQueue atomically removes a specific (job, queue) attachment.
// Returns false when the row vanished under contention; the matcher retry
// loop handles that.
func (s *Store) detachJobFromQueue(ctx context.Context, tqID, jobID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM tq_jobs WHERE job_id = ? AND tq_id = ?", jobID, tqID)
	if err != nil {
		return false, db.ClassifyError(ctx, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, db.ClassifyError(ctx, err)
	}
	return n == 1, nil
}

// oldestJob returns the FIFO head of a queue: oldest enqueue time, then
// lowest job id.
func (s *Store) oldestJob(ctx context.Context, tqID int64) (int64, error) {
	var jobID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id FROM tq_jobs
		WHERE tq_id = ?
		ORDER BY enqueued_at ASC, job_id ASC
		LIMIT 1
	`, tqID).Scan(&jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errors.Wrapf(errors.ErrUnknownJob, "task queue %d is empty", tqID)
	}
	if err != nil {
		return 0, db.ClassifyError(ctx, err)
	}
	return jobID, nil
}

// DeleteTaskQueue removes the queue and cascades its multi-value rows.
// Fails with Conflict while any job is still attached; the foreign key on
// tq_jobs enforces that even under concurrent inserts.
func (s *Store) DeleteTaskQueue(ctx context.Context, tqID int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM tq_task_queues WHERE tq_id = ?", tqID)
	if err != nil {
		if db.IsForeignKeyViolation(err) {
			return errors.NewConflict("task queue %d still has attached jobs", tqID)
		}
		return db.ClassifyError(ctx, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return db.ClassifyError(ctx, err)
	}
	if n == 0 {
		return errors.Wrapf(errors.ErrUnknownTaskQueue, "task queue %d", tqID)
	}
	return nil
}

// DeleteTaskQueueIfEmpty is the safe variant: it deletes the queue only when
// no job is attached, and reports whether it deleted anything. Deleting an
// unknown queue is not an error; housekeeping may race another deleter.
func (s *Store) DeleteTaskQueueIfEmpty(ctx context.Context, tqID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tq_task_queues
		WHERE tq_id = ?
		  AND NOT EXISTS (SELECT 1 FROM tq_jobs WHERE tq_jobs.tq_id = tq_task_queues.tq_id)
	`, tqID)
	if err != nil {
		return false, db.ClassifyError(ctx, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, db.ClassifyError(ctx, err)
	}
	return n == 1, nil
}

// TaskQueueForJobs maps each known job id to the queue it is attached to.
// Unknown jobs are simply absent from the result.
func (s *Store) TaskQueueForJobs(ctx context.Context, jobIDs []int64) (map[int64]int64, error) {
	if len(jobIDs) == 0 {
		return map[int64]int64{}, nil
	}

	query := "SELECT job_id, tq_id FROM tq_jobs WHERE job_id IN (" +
		placeholders(len(jobIDs)) + ")"
	args := make([]interface{}, len(jobIDs))
	for i, id := range jobIDs {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, db.ClassifyError(ctx, err)
	}
	defer rows.Close()

	out := make(map[int64]int64, len(jobIDs))
	for rows.Next() {
		var jobID, tqID int64
		if err := rows.Scan(&jobID, &tqID); err != nil {
			return nil, db.ClassifyError(ctx, err)
		}
		out[jobID] = tqID
	}
	if err := rows.Err(); err != nil {
		return nil, db.ClassifyError(ctx, err)
	}
	return out, nil
}

// RetrieveTaskQueues enumerates all queues with their scalar content, job
// counts, and multi-value rows. Used by the priority engine and diagnostics.
func (s *Store) RetrieveTaskQueues(ctx context.Context) (map[int64]*TaskQueueDescriptor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.tq_id, t.owner_dn, t.owner_group, t.setup, t.cpu_time, t.priority, t.share,
		       (SELECT COUNT(*) FROM tq_jobs j WHERE j.tq_id = t.tq_id) AS jobs
		FROM tq_task_queues t
	`)
	if err != nil {
		return nil, db.ClassifyError(ctx, err)
	}
	defer rows.Close()

	out := make(map[int64]*TaskQueueDescriptor)
	for rows.Next() {
		d := &TaskQueueDescriptor{MultiValue: make(map[string][]string)}
		if err := rows.Scan(&d.ID, &d.OwnerDN, &d.OwnerGroup, &d.Setup,
			&d.CPUTime, &d.Priority, &d.Share, &d.Jobs); err != nil {
			return nil, db.ClassifyError(ctx, err)
		}
		out[d.ID] = d
	}
	if err := rows.Err(); err != nil {
		return nil, db.ClassifyError(ctx, err)
	}

	mvRows, err := s.db.QueryContext(ctx,
		"SELECT tq_id, field, value FROM tq_multi_value ORDER BY tq_id, field, value")
	if err != nil {
		return nil, db.ClassifyError(ctx, err)
	}
	defer mvRows.Close()

	for mvRows.Next() {
		var tqID int64
		var field, value string
		if err := mvRows.Scan(&tqID, &field, &value); err != nil {
			return nil, db.ClassifyError(ctx, err)
		}
		if d, ok := out[tqID]; ok {
			d.MultiValue[field] = append(d.MultiValue[field], value)
		}
	}
	if err := mvRows.Err(); err != nil {
		return nil, db.ClassifyError(ctx, err)
	}

	return out, nil
}

// NumTaskQueues returns the number of live task queues
func (s *Store) NumTaskQueues(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tq_task_queues").Scan(&n); err != nil {
		return 0, db.ClassifyError(ctx, err)
	}
	return n, nil
}

// CleanOrphanedTaskQueues deletes queues with no attached jobs. Idempotent
// and safe to run concurrently with inserts: the NOT EXISTS guard re-checks
// inside the DELETE, so a queue that gained a job since candidate selection
// survives. Returns the number of queues removed.
func (s *Store) CleanOrphanedTaskQueues(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tq_task_queues
		WHERE NOT EXISTS (SELECT 1 FROM tq_jobs WHERE tq_jobs.tq_id = tq_task_queues.tq_id)
	`)
	if err != nil {
		return 0, db.ClassifyError(ctx, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, db.ClassifyError(ctx, err)
	}
	if n > 0 {
		s.log.Infow("Cleaned orphaned task queues", "removed", n)
	}
	return int(n), nil
}

// FindOrphanJobs returns jobs whose task queue vanished. Impossible under
// correct operation (the foreign key forbids it); exposed for operator
// inspection anyway.
func (s *Store) FindOrphanJobs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT j.job_id FROM tq_jobs j
		WHERE NOT EXISTS (SELECT 1 FROM tq_task_queues t WHERE t.tq_id = j.tq_id)
		ORDER BY j.job_id
	`)
	if err != nil {
		return nil, db.ClassifyError(ctx, err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, db.ClassifyError(ctx, err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, db.ClassifyError(ctx, err)
	}
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
