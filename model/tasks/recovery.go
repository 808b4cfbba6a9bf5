package tasks

import (
	"context"
	"time"

	"golang.org/x/xerrors"

	"github.com/paritytech/substrate-archive/model"
)

const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// RecoveryTask is a durable unit of work: re-execute the block at
// TargetHeight to recover the storage delta that could not be captured
// inline. Rows survive restart; a row still `running` on boot is swept back to
// `pending` for at-least-once delivery.
type RecoveryTask struct {
	tableName struct{} `pg:"recovery_tasks"` //nolint: structcheck,unused

	ID           int64  `pg:",pk"`
	TargetHeight uint64 `pg:",use_zero,unique:recovery_tasks_height_key"`
	Status       string `pg:",notnull"`
	AttemptCount int    `pg:",use_zero"`
	Payload      []byte `pg:",type:jsonb"`
	LastError    string
	RunAt        time.Time `pg:",notnull"`
	LastRunAt    time.Time
	CreatedAt    time.Time `pg:",notnull"`
}

// OnConflict keeps a single live task per height; re-detecting the same
// storage gap is a no-op.
func (t *RecoveryTask) OnConflict() string {
	return "(target_height) DO NOTHING"
}

func (t *RecoveryTask) Persist(ctx context.Context, s model.StorageBatch) error {
	if err := s.PersistModel(ctx, t); err != nil {
		return xerrors.Errorf("persisting recovery task: %w", err)
	}
	return nil
}

type RecoveryTasks []*RecoveryTask

func (ts RecoveryTasks) OnConflict() string {
	return "(target_height) DO NOTHING"
}

func (ts RecoveryTasks) Persist(ctx context.Context, s model.StorageBatch) error {
	if len(ts) == 0 {
		return nil
	}
	return s.PersistModel(ctx, ts)
}
