// Package queue implements the durable storage recovery queue. A task is a
// row in recovery_tasks asking for block N to be re-executed so its storage
// delta can be captured; rows survive restarts and are claimed with
// SKIP LOCKED so any number of workers, local or remote, can pull from the
// same queue.
package queue

import (
	"context"
	"time"

	"github.com/go-pg/pg/v10"
	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"go.opencensus.io/stats"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/paritytech/substrate-archive/config"
	"github.com/paritytech/substrate-archive/lens"
	"github.com/paritytech/substrate-archive/metrics"
	storagemodel "github.com/paritytech/substrate-archive/model/storage"
	"github.com/paritytech/substrate-archive/model/tasks"
	"github.com/paritytech/substrate-archive/storage"
)

var log = logging.Logger("archive/queue")

const (
	// backoffInitial and backoffCap shape the requeue delay after a failed
	// attempt: 10s, 20s, 40s, ... capped at 10m.
	backoffInitial = 10 * time.Second
	backoffCap     = 10 * time.Minute

	defaultPollInterval = 30 * time.Second
	claimRetryDelay     = time.Second
)

// StorageSink is where recovered rows go. The queue owns task lifecycle but
// never commits chain data itself; insertion is delegated to the write
// coordinator.
type StorageSink interface {
	SubmitStorage(ctx context.Context, height uint64, entries storagemodel.Entries) error
}

// Queue pulls pending recovery tasks with a bounded worker count. The bound
// exists to cap simultaneous block re-execution, which is the heavy part of
// the pipeline, not to protect the database.
type Queue struct {
	db    *storage.Database
	api   lens.API
	sink  StorageSink
	clock clock.Clock

	workers      int
	maxAttempts  int
	taskTimeout  time.Duration
	pollInterval time.Duration
	notifs       <-chan storage.Notif

	done chan struct{}
}

type Option func(*Queue)

// WithClock substitutes the time source, for tests.
func WithClock(c clock.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithWakeup supplies a change-notification stream; a commit on the blocks
// table wakes idle workers immediately instead of waiting out the poll
// interval.
func WithWakeup(ch <-chan storage.Notif) Option {
	return func(q *Queue) { q.notifs = ch }
}

func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.pollInterval = d
		}
	}
}

func NewQueue(db *storage.Database, api lens.API, sink StorageSink, cfg config.QueueConf, opts ...Option) *Queue {
	q := &Queue{
		db:           db,
		api:          api,
		sink:         sink,
		clock:        clock.New(),
		workers:      cfg.Workers,
		maxAttempts:  cfg.MaxAttempts,
		taskTimeout:  cfg.TaskTimeout.Std(),
		pollInterval: defaultPollInterval,
	}
	if q.workers < 1 {
		q.workers = 1
	}
	if q.maxAttempts < 1 {
		q.maxAttempts = 1
	}
	if q.taskTimeout <= 0 {
		q.taskTimeout = 5 * time.Minute
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// EnqueueHeight records that the block at height needs its storage recovered.
// Re-enqueueing a height that already has a live task is a no-op.
func (q *Queue) EnqueueHeight(ctx context.Context, height uint64) error {
	return q.EnqueueHeights(ctx, []uint64{height})
}

// EnqueueHeights enqueues a batch of heights in one statement.
func (q *Queue) EnqueueHeights(ctx context.Context, heights []uint64) error {
	if len(heights) == 0 {
		return nil
	}
	now := q.clock.Now()
	ts := make(tasks.RecoveryTasks, 0, len(heights))
	for _, h := range heights {
		payload, err := NewExecuteBlockPayload(h)
		if err != nil {
			return err
		}
		ts = append(ts, &tasks.RecoveryTask{
			TargetHeight: h,
			Status:       tasks.StatusPending,
			Payload:      payload,
			RunAt:        now,
			CreatedAt:    now,
		})
	}
	if err := q.db.PersistBatch(ctx, ts); err != nil {
		return xerrors.Errorf("enqueue recovery tasks: %w", err)
	}
	log.Debugw("enqueued recovery tasks", "count", len(ts), "from", heights[0], "to", heights[len(heights)-1])
	return nil
}

// RequeueStale returns tasks stranded in `running` by a crashed process to
// `pending`. At-least-once: a task that actually completed later than its
// process died is absorbed by the idempotent storage upsert.
func (q *Queue) RequeueStale(ctx context.Context) (int, error) {
	res, err := q.db.AsORM().ExecContext(ctx,
		`UPDATE recovery_tasks SET status = ?, run_at = ? WHERE status = ?`,
		tasks.StatusPending, q.clock.Now(), tasks.StatusRunning,
	)
	if err != nil {
		return 0, xerrors.Errorf("requeue stale tasks: %w", err)
	}
	return res.RowsAffected(), nil
}

// Run sweeps stale tasks and works the queue until the context is done.
func (q *Queue) Run(ctx context.Context) error {
	q.done = make(chan struct{})
	defer close(q.done)

	swept, err := q.RequeueStale(ctx)
	if err != nil {
		return err
	}
	if swept > 0 {
		log.Infow("requeued tasks abandoned by previous run", "count", swept)
	}

	wake := make(chan struct{}, 1)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return q.pump(ctx, wake) })
	for i := 0; i < q.workers; i++ {
		g.Go(func() error { return q.worker(ctx, wake) })
	}
	return g.Wait()
}

func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// pump turns the poll ticker and commit notifications into wake signals.
func (q *Queue) pump(ctx context.Context, wake chan<- struct{}) error {
	ticker := q.clock.Ticker(q.pollInterval)
	defer ticker.Stop()

	signal := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			q.recordDepth(ctx)
			signal()
		case n, ok := <-q.notifs:
			if !ok {
				// notification stream gone; the ticker carries on alone.
				q.notifs = nil
				continue
			}
			if n.Table == "blocks" || n.Table == "recovery_tasks" {
				signal()
			}
		}
	}
}

func (q *Queue) worker(ctx context.Context, wake <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		task, err := q.claim(ctx)
		if err != nil {
			log.Warnw("claiming task", "error", err)
			q.clock.Sleep(claimRetryDelay)
			continue
		}
		if task == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-wake:
			}
			continue
		}

		q.runTask(ctx, task)
	}
}

// claim atomically moves the lowest eligible pending task to running.
// SKIP LOCKED keeps concurrent claimants from serializing on the same row.
func (q *Queue) claim(ctx context.Context) (*tasks.RecoveryTask, error) {
	task := &tasks.RecoveryTask{}
	_, err := q.db.AsORM().QueryOneContext(ctx, task, `
		UPDATE recovery_tasks
		SET status = ?, attempt_count = attempt_count + 1, last_run_at = ?
		WHERE id = (
			SELECT id FROM recovery_tasks
			WHERE status = ? AND run_at <= ?
			ORDER BY target_height ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, target_height, status, attempt_count, payload, last_error, run_at, last_run_at, created_at`,
		tasks.StatusRunning, q.clock.Now(), tasks.StatusPending, q.clock.Now(),
	)
	if err == pg.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("claim task: %w", err)
	}
	stats.Record(ctx, metrics.TaskStarted.M(1))
	return task, nil
}

// ProcessHeight claims and runs the recovery task for a single height. It is
// the entry point for distributed workers, which receive heights over redis
// but still serialize claims through the database, so a height delivered to
// two workers is only executed once.
func (q *Queue) ProcessHeight(ctx context.Context, height uint64) error {
	task := &tasks.RecoveryTask{}
	_, err := q.db.AsORM().QueryOneContext(ctx, task, `
		UPDATE recovery_tasks
		SET status = ?, attempt_count = attempt_count + 1, last_run_at = ?
		WHERE id = (
			SELECT id FROM recovery_tasks
			WHERE target_height = ? AND status = ? AND run_at <= ?
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, target_height, status, attempt_count, payload, last_error, run_at, last_run_at, created_at`,
		tasks.StatusRunning, q.clock.Now(), height, tasks.StatusPending, q.clock.Now(),
	)
	if err == pg.ErrNoRows {
		// Claimed elsewhere, backing off, or already done.
		return nil
	}
	if err != nil {
		return xerrors.Errorf("claim task for height %d: %w", height, err)
	}
	stats.Record(ctx, metrics.TaskStarted.M(1))
	q.runTask(ctx, task)
	return nil
}

func (q *Queue) runTask(ctx context.Context, task *tasks.RecoveryTask) {
	tctx, cancel := context.WithTimeout(ctx, q.taskTimeout)
	defer cancel()

	stop := metrics.Timer(ctx, metrics.TaskRunDuration)
	defer stop()

	payload, err := ParsePayload(task.Payload)
	if err != nil {
		q.fail(ctx, task, err)
		return
	}

	switch payload.Kind {
	case KindExecuteBlock:
		err = q.executeBlock(tctx, task)
	default:
		err = xerrors.Errorf("no handler for payload kind %q", payload.Kind)
	}

	if err != nil {
		q.fail(ctx, task, err)
		return
	}
	q.complete(ctx, task)
}

// executeBlock re-runs the block and hands the resulting delta to the write
// coordinator.
func (q *Queue) executeBlock(ctx context.Context, task *tasks.RecoveryTask) error {
	changes, err := q.api.ExecuteBlock(ctx, task.TargetHeight)
	if err != nil {
		return xerrors.Errorf("execute block %d: %w", task.TargetHeight, err)
	}

	hash, err := q.db.BlockHashByHeight(ctx, task.TargetHeight)
	if err != nil {
		return err
	}

	entries := make(storagemodel.Entries, 0, len(changes))
	for _, c := range changes {
		entries = append(entries, &storagemodel.Entry{
			BlockHash: hash,
			Height:    task.TargetHeight,
			IsFull:    false,
			Key:       c.Key,
			Value:     c.Value,
		})
	}
	return q.sink.SubmitStorage(ctx, task.TargetHeight, entries)
}

// complete archives the task by deleting its row; the storage table now
// carries the evidence of completion.
func (q *Queue) complete(ctx context.Context, task *tasks.RecoveryTask) {
	if _, err := q.db.AsORM().ModelContext(ctx, task).WherePK().Delete(); err != nil {
		// The sweep at next startup will re-run it; the idempotent upsert
		// makes that harmless.
		log.Warnw("deleting completed task", "height", task.TargetHeight, "error", err)
		return
	}
	stats.Record(ctx, metrics.TaskCompleted.M(1))
	log.Infow("recovered storage", "height", task.TargetHeight, "attempts", task.AttemptCount)
}

// fail requeues the task with backoff, or parks it as permanently failed once
// attempts are exhausted. Permanent failures are operator-visible rows; they
// are never silently dropped and never auto-requeued.
func (q *Queue) fail(ctx context.Context, task *tasks.RecoveryTask, cause error) {
	if task.AttemptCount >= q.maxAttempts {
		if _, err := q.db.AsORM().ExecContext(ctx,
			`UPDATE recovery_tasks SET status = ?, last_error = ? WHERE id = ?`,
			tasks.StatusFailed, cause.Error(), task.ID,
		); err != nil {
			log.Errorw("marking task failed", "height", task.TargetHeight, "error", err)
			return
		}
		stats.Record(ctx, metrics.TaskExhausted.M(1))
		log.Errorw("recovery task permanently failed",
			"height", task.TargetHeight,
			"attempts", task.AttemptCount,
			"error", cause,
		)
		return
	}

	delay := backoffDelay(task.AttemptCount)
	if _, err := q.db.AsORM().ExecContext(ctx,
		`UPDATE recovery_tasks SET status = ?, run_at = ?, last_error = ? WHERE id = ?`,
		tasks.StatusPending, q.clock.Now().Add(delay), cause.Error(), task.ID,
	); err != nil {
		log.Errorw("requeueing task", "height", task.TargetHeight, "error", err)
		return
	}
	stats.Record(ctx, metrics.TaskRequeued.M(1))
	log.Warnw("recovery task failed, requeued",
		"height", task.TargetHeight,
		"attempt", task.AttemptCount,
		"retry_in", delay,
		"error", cause,
	)
}

// backoffDelay doubles from backoffInitial per completed attempt, capped.
func backoffDelay(attempt int) time.Duration {
	d := backoffInitial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}

func (q *Queue) recordDepth(ctx context.Context) {
	count, err := q.db.AsORM().ModelContext(ctx, (*tasks.RecoveryTask)(nil)).
		Where("status = ?", tasks.StatusPending).
		Count()
	if err != nil {
		log.Debugw("counting pending tasks", "error", err)
		return
	}
	stats.Record(ctx, metrics.QueueDepth.M(int64(count)))
}
