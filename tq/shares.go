package tq

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/gridwms/db"
	"github.com/teranos/gridwms/errors"
)

// ShareEngine computes, per owner group, the normalised share of every task
// queue. Shares are derived state used only to bias matcher selection; they
// are never authoritative and eventual consistency within a few seconds is
// acceptable, so implicit recalculation is rate limited.
type ShareEngine struct {
	store   *Store
	log     *zap.SugaredLogger
	limiter *rate.Limiter

	// priorityFloor is the raw priority assigned to a queue whose jobs
	// carry no hint
	priorityFloor float64
}

// NewShareEngine creates a share engine. minInterval throttles implicit
// recalculation; explicit RecalculateSharesForAll calls always run.
func NewShareEngine(store *Store, priorityFloor float64, minInterval time.Duration, log *zap.SugaredLogger) *ShareEngine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if priorityFloor <= 0 {
		priorityFloor = 1
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if minInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(minInterval), 1)
	}
	return &ShareEngine{
		store:         store,
		log:           log,
		limiter:       limiter,
		priorityFloor: priorityFloor,
	}
}

// BumpPriority raises a queue's raw priority to at least hint. Called on
// insert so a high-priority job lifts its whole equivalence class.
func (e *ShareEngine) BumpPriority(ctx context.Context, tqID int64, hint int64) error {
	raw := float64(hint)
	if raw < e.priorityFloor {
		raw = e.priorityFloor
	}
	_, err := e.store.db.ExecContext(ctx,
		"UPDATE tq_task_queues SET priority = MAX(priority, ?) WHERE tq_id = ?", raw, tqID)
	if err != nil {
		return db.ClassifyError(ctx, err)
	}
	return nil
}

// RecalculateSharesForGroup normalises raw priorities within one owner group
// so its shares sum to 1, and records the group's raw total and its fraction
// of all raw priority in tq_shares. A group with no queues gets its derived
// row removed (share 0 by absence).
func (e *ShareEngine) RecalculateSharesForGroup(ctx context.Context, group string) error {
	tx, err := e.store.db.BeginTx(ctx, nil)
	if err != nil {
		return db.ClassifyError(ctx, err)
	}
	defer tx.Rollback()

	var sum sql.NullFloat64
	err = tx.QueryRowContext(ctx,
		"SELECT SUM(priority) FROM tq_task_queues WHERE owner_group = ?", group).Scan(&sum)
	if err != nil {
		return db.ClassifyError(ctx, err)
	}

	if !sum.Valid || sum.Float64 <= 0 {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM tq_shares WHERE owner_group = ?", group); err != nil {
			return db.ClassifyError(ctx, err)
		}
		if err := tx.Commit(); err != nil {
			return db.ClassifyError(ctx, err)
		}
		return nil
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE tq_task_queues SET share = priority / ? WHERE owner_group = ?",
		sum.Float64, group); err != nil {
		return db.ClassifyError(ctx, err)
	}

	// The group's slice of all raw priority in the system. The group sum is
	// positive here, so the global sum is too.
	var total float64
	if err := tx.QueryRowContext(ctx,
		"SELECT SUM(priority) FROM tq_task_queues").Scan(&total); err != nil {
		return db.ClassifyError(ctx, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tq_shares (owner_group, raw, normalised, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(owner_group) DO UPDATE SET raw = excluded.raw,
			normalised = excluded.normalised, updated_at = excluded.updated_at
	`, group, sum.Float64, sum.Float64/total, time.Now().UTC()); err != nil {
		return db.ClassifyError(ctx, err)
	}

	if err := tx.Commit(); err != nil {
		return db.ClassifyError(ctx, err)
	}

	e.log.Debugw("Recalculated group shares", "owner_group", group, "raw_total", sum.Float64)
	return nil
}

// RecalculateSharesForAll refreshes every group and drops derived rows for
// groups that no longer have queues.
func (e *ShareEngine) RecalculateSharesForAll(ctx context.Context) error {
	rows, err := e.store.db.QueryContext(ctx, `
		SELECT owner_group FROM tq_task_queues
		UNION
		SELECT owner_group FROM tq_shares
	`)
	if err != nil {
		return db.ClassifyError(ctx, err)
	}

	var groups []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			rows.Close()
			return db.ClassifyError(ctx, err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return db.ClassifyError(ctx, err)
	}
	rows.Close()

	for _, g := range groups {
		if err := e.RecalculateSharesForGroup(ctx, g); err != nil {
			return errors.Wrapf(err, "group %s", g)
		}
	}
	return nil
}

// MaybeRecalculateGroup is the implicit hook used on insert and delete
// paths. force bypasses the rate limiter; used when a group transitions
// between empty and non-empty, where a stale zero share would starve it.
func (e *ShareEngine) MaybeRecalculateGroup(ctx context.Context, group string, force bool) error {
	if !force && !e.limiter.Allow() {
		return nil
	}
	return e.RecalculateSharesForGroup(ctx, group)
}
