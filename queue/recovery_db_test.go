package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/paritytech/substrate-archive/config"
	"github.com/paritytech/substrate-archive/model/blocks"
	"github.com/paritytech/substrate-archive/model/metadata"
	storagemodel "github.com/paritytech/substrate-archive/model/storage"
	"github.com/paritytech/substrate-archive/model/tasks"
	"github.com/paritytech/substrate-archive/queue"
	"github.com/paritytech/substrate-archive/storage"
	"github.com/paritytech/substrate-archive/testutil"
)

type captureSink struct {
	mu      sync.Mutex
	heights []uint64
	entries map[uint64]storagemodel.Entries
}

func newCaptureSink() *captureSink {
	return &captureSink{entries: map[uint64]storagemodel.Entries{}}
}

func (s *captureSink) SubmitStorage(ctx context.Context, height uint64, entries storagemodel.Entries) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heights = append(s.heights, height)
	s.entries[height] = entries
	return nil
}

func queueConf() config.QueueConf {
	return config.QueueConf{
		Workers:     2,
		MaxAttempts: 2,
		TaskTimeout: config.Duration(time.Minute),
	}
}

func seedBlock(t *testing.T, ctx context.Context, db *storage.Database, height uint64) {
	t.Helper()
	require.NoError(t, db.PersistBatch(ctx,
		&metadata.Metadata{Version: 1, Meta: []byte("m1")},
		&blocks.Block{
			Hash:           testutil.BlockHash(height),
			ParentHash:     testutil.BlockHash(height - 1),
			Height:         height,
			StateRoot:      []byte("state"),
			ExtrinsicsRoot: []byte("extrinsics"),
			SpecVersion:    1,
		},
	))
}

func taskAtHeight(t *testing.T, ctx context.Context, db *storage.Database, height uint64) *tasks.RecoveryTask {
	t.Helper()
	task := &tasks.RecoveryTask{}
	err := db.AsORM().ModelContext(ctx, task).Where("target_height = ?", height).Select()
	require.NoError(t, err)
	return task
}

func TestRecoveryQueue(t *testing.T) {
	if testing.Short() || !testutil.DatabaseAvailable() {
		t.Skip("short testing requested or ARCHIVE_TEST_DB not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, cleanup, err := testutil.WaitForExclusiveDatabase(ctx, t)
	require.NoError(t, err)
	defer cleanup() //nolint:errcheck

	t.Run("enqueue is idempotent", func(t *testing.T) {
		testutil.TruncateChainTables(t, db)

		q := queue.NewQueue(db, testutil.NewFakeNode(100), newCaptureSink(), queueConf())
		require.NoError(t, q.EnqueueHeight(ctx, 7))
		require.NoError(t, q.EnqueueHeight(ctx, 7))

		count, err := db.AsORM().ModelContext(ctx, (*tasks.RecoveryTask)(nil)).Count()
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		task := taskAtHeight(t, ctx, db, 7)
		assert.Equal(t, tasks.StatusPending, task.Status)
		assert.Equal(t, 0, task.AttemptCount)
	})

	t.Run("process height recovers storage and archives the task", func(t *testing.T) {
		testutil.TruncateChainTables(t, db)
		seedBlock(t, ctx, db, 7)

		node := testutil.NewFakeNode(100)
		sink := newCaptureSink()
		q := queue.NewQueue(db, node, sink, queueConf())

		require.NoError(t, q.EnqueueHeight(ctx, 7))
		require.NoError(t, q.ProcessHeight(ctx, 7))

		require.Equal(t, []uint64{7}, sink.heights)
		entries := sink.entries[7]
		require.Len(t, entries, 1)
		assert.Equal(t, testutil.BlockHash(7), entries[0].BlockHash)
		assert.Equal(t, uint64(7), entries[0].Height)

		// completed tasks leave the table; storage rows are the evidence
		count, err := db.AsORM().ModelContext(ctx, (*tasks.RecoveryTask)(nil)).Count()
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})

	t.Run("process height without a matching task is a no-op", func(t *testing.T) {
		testutil.TruncateChainTables(t, db)
		seedBlock(t, ctx, db, 7)

		sink := newCaptureSink()
		q := queue.NewQueue(db, testutil.NewFakeNode(100), sink, queueConf())
		require.NoError(t, q.ProcessHeight(ctx, 7))
		assert.Empty(t, sink.heights)
	})

	t.Run("failed attempt requeues with backoff then fails permanently", func(t *testing.T) {
		testutil.TruncateChainTables(t, db)
		seedBlock(t, ctx, db, 9)

		mock := clock.NewMock()
		node := testutil.NewFakeNode(100)
		node.FailExecute(9, xerrors.New("wasm trap"))
		sink := newCaptureSink()
		q := queue.NewQueue(db, node, sink, queueConf(), queue.WithClock(mock))

		require.NoError(t, q.EnqueueHeight(ctx, 9))

		// first attempt fails and reschedules
		require.NoError(t, q.ProcessHeight(ctx, 9))
		task := taskAtHeight(t, ctx, db, 9)
		assert.Equal(t, tasks.StatusPending, task.Status)
		assert.Equal(t, 1, task.AttemptCount)
		assert.Contains(t, task.LastError, "wasm trap")
		assert.True(t, task.RunAt.After(mock.Now()), "run_at must be pushed into the future")

		// not eligible before the backoff elapses
		require.NoError(t, q.ProcessHeight(ctx, 9))
		task = taskAtHeight(t, ctx, db, 9)
		assert.Equal(t, 1, task.AttemptCount)

		// second attempt exhausts the budget and parks the task
		mock.Add(time.Hour)
		require.NoError(t, q.ProcessHeight(ctx, 9))
		task = taskAtHeight(t, ctx, db, 9)
		assert.Equal(t, tasks.StatusFailed, task.Status)
		assert.Equal(t, 2, task.AttemptCount)

		// permanently failed tasks are not claimable
		require.NoError(t, q.ProcessHeight(ctx, 9))
		task = taskAtHeight(t, ctx, db, 9)
		assert.Equal(t, 2, task.AttemptCount)

		failed, err := db.PermanentlyFailedTasks(ctx)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, uint64(9), failed[0].TargetHeight)
		assert.Empty(t, sink.heights)
	})

	t.Run("stale running tasks return to pending on restart", func(t *testing.T) {
		testutil.TruncateChainTables(t, db)

		q := queue.NewQueue(db, testutil.NewFakeNode(100), newCaptureSink(), queueConf())
		require.NoError(t, q.EnqueueHeight(ctx, 3))
		_, err := db.AsORM().ExecContext(ctx,
			`UPDATE recovery_tasks SET status = ? WHERE target_height = 3`, tasks.StatusRunning)
		require.NoError(t, err)

		swept, err := q.RequeueStale(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, swept)

		task := taskAtHeight(t, ctx, db, 3)
		assert.Equal(t, tasks.StatusPending, task.Status)
	})
}
