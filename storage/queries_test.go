package storage_test

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-pg/pg/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paritytech/substrate-archive/model"
	"github.com/paritytech/substrate-archive/model/blocks"
	"github.com/paritytech/substrate-archive/model/metadata"
	storagemodel "github.com/paritytech/substrate-archive/model/storage"
	"github.com/paritytech/substrate-archive/model/tasks"
	"github.com/paritytech/substrate-archive/storage"
	"github.com/paritytech/substrate-archive/testutil"
)

func testBlock(height uint64, specVersion uint32) *blocks.Block {
	return &blocks.Block{
		Hash:           testutil.BlockHash(height),
		ParentHash:     testutil.BlockHash(height - 1),
		Height:         height,
		StateRoot:      []byte("state"),
		ExtrinsicsRoot: []byte("extrinsics"),
		SpecVersion:    specVersion,
	}
}

func testEntry(height uint64, key string) *storagemodel.Entry {
	return &storagemodel.Entry{
		BlockHash: testutil.BlockHash(height),
		Height:    height,
		Key:       []byte(key),
		Value:     []byte("value"),
	}
}

// insertCounter counts INSERT statements against a single table, so a test
// can observe how many statements a batch turned into.
type insertCounter struct {
	table string
	count int32
}

func (c *insertCounter) BeforeQuery(ctx context.Context, ev *pg.QueryEvent) (context.Context, error) {
	return ctx, nil
}

func (c *insertCounter) AfterQuery(ctx context.Context, ev *pg.QueryEvent) error {
	q, err := ev.FormattedQuery()
	if err != nil {
		return nil
	}
	if strings.HasPrefix(string(q), `INSERT INTO "`+c.table+`"`) {
		atomic.AddInt32(&c.count, 1)
	}
	return nil
}

// seedChain populates blocks 0-10 except 4 and 9, on spec version 1 below
// height 6 and version 2 from there, with storage for everything except
// height 7.
func seedChain(t *testing.T, ctx context.Context, db *storage.Database) {
	t.Helper()

	var ps []model.Persistable
	ps = append(ps,
		&metadata.Metadata{Version: 1, Meta: []byte("m1")},
		&metadata.Metadata{Version: 2, Meta: []byte("m2")},
	)
	for h := uint64(0); h <= 10; h++ {
		if h == 4 || h == 9 {
			continue
		}
		sv := uint32(1)
		if h >= 6 {
			sv = 2
		}
		ps = append(ps, testBlock(h, sv))
		if h != 7 && h != 0 {
			ps = append(ps, testEntry(h, "key"))
		}
	}
	require.NoError(t, db.PersistBatch(ctx, ps...))
}

func TestQueries(t *testing.T) {
	if testing.Short() || !testutil.DatabaseAvailable() {
		t.Skip("short testing requested or ARCHIVE_TEST_DB not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, cleanup, err := testutil.WaitForExclusiveDatabase(ctx, t)
	require.NoError(t, err)
	defer cleanup() //nolint:errcheck

	t.Run("max block height empty", func(t *testing.T) {
		testutil.TruncateChainTables(t, db)
		_, ok, err := db.MaxBlockHeight(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("missing block heights", func(t *testing.T) {
		testutil.TruncateChainTables(t, db)
		seedChain(t, ctx, db)

		max, ok, err := db.MaxBlockHeight(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, uint64(10), max)

		missing, err := db.MissingBlockHeights(ctx, 0, 12, 100)
		require.NoError(t, err)
		assert.Equal(t, []uint64{4, 9, 11, 12}, missing)

		// limit truncates from the bottom, keeping results monotonic
		missing, err = db.MissingBlockHeights(ctx, 0, 12, 2)
		require.NoError(t, err)
		assert.Equal(t, []uint64{4, 9}, missing)
	})

	t.Run("missing storage heights", func(t *testing.T) {
		testutil.TruncateChainTables(t, db)
		seedChain(t, ctx, db)

		missing, err := db.MissingStorageHeights(ctx, 100)
		require.NoError(t, err)
		// 7 has a block and no storage; genesis is exempt
		assert.Equal(t, []uint64{7}, missing)

		// a live recovery task hides the height from the scan
		task := &tasks.RecoveryTask{
			TargetHeight: 7,
			Status:       tasks.StatusPending,
			Payload:      []byte(`{"kind":"execute_block","height":7}`),
			RunAt:        time.Now(),
			CreatedAt:    time.Now(),
		}
		require.NoError(t, db.PersistBatch(ctx, task))

		missing, err = db.MissingStorageHeights(ctx, 100)
		require.NoError(t, err)
		assert.Empty(t, missing)
	})

	t.Run("version breakpoints", func(t *testing.T) {
		testutil.TruncateChainTables(t, db)
		seedChain(t, ctx, db)

		bps, err := db.VersionBreakpoints(ctx)
		require.NoError(t, err)
		require.Len(t, bps, 2)
		assert.Equal(t, storage.VersionBreakpoint{Height: 0, Version: 1}, bps[0])
		assert.Equal(t, storage.VersionBreakpoint{Height: 6, Version: 2}, bps[1])
	})

	t.Run("metadata", func(t *testing.T) {
		testutil.TruncateChainTables(t, db)
		seedChain(t, ctx, db)

		versions, err := db.MetadataVersions(ctx)
		require.NoError(t, err)
		assert.Equal(t, []uint32{1, 2}, versions)

		blob, err := db.MetadataBlob(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, []byte("m2"), blob)

		_, err = db.MetadataBlob(ctx, 3)
		assert.Error(t, err)
	})

	t.Run("block hash by height", func(t *testing.T) {
		testutil.TruncateChainTables(t, db)
		seedChain(t, ctx, db)

		hash, err := db.BlockHashByHeight(ctx, 5)
		require.NoError(t, err)
		assert.Equal(t, testutil.BlockHash(5), hash)
	})

	t.Run("reindexing is idempotent", func(t *testing.T) {
		testutil.TruncateChainTables(t, db)
		seedChain(t, ctx, db)

		// same block, same storage entry, twice
		require.NoError(t, db.PersistBatch(ctx, testBlock(5, 1), testEntry(5, "key")))
		require.NoError(t, db.PersistBatch(ctx, testBlock(5, 1), testEntry(5, "key")))

		count, err := db.AsORM().ModelContext(ctx, (*blocks.Block)(nil)).Where("height = 5").Count()
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		count, err = db.AsORM().ModelContext(ctx, (*storagemodel.Entry)(nil)).Where("height = 5").Count()
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("large batch splits into bounded statements", func(t *testing.T) {
		testutil.TruncateChainTables(t, db)

		counter := &insertCounter{table: "storage"}
		db.AsORM().AddQueryHook(counter)

		entries := make(storagemodel.Entries, 0, 10_000)
		for i := 0; i < 10_000; i++ {
			entries = append(entries, testEntry(3, fmt.Sprintf("key-%d", i)))
		}
		require.NoError(t, db.PersistBatch(ctx,
			&metadata.Metadata{Version: 1, Meta: []byte("m1")},
			testBlock(3, 1),
			entries,
		))

		count, err := db.AsORM().ModelContext(ctx, (*storagemodel.Entry)(nil)).Count()
		require.NoError(t, err)
		assert.Equal(t, 10_000, count)
		assert.Greater(t, int(atomic.LoadInt32(&counter.count)), 1)
	})

	t.Run("permanently failed tasks", func(t *testing.T) {
		testutil.TruncateChainTables(t, db)
		seedChain(t, ctx, db)

		failed := &tasks.RecoveryTask{
			TargetHeight: 7,
			Status:       tasks.StatusFailed,
			Payload:      []byte(`{"kind":"execute_block","height":7}`),
			AttemptCount: 5,
			LastError:    "execution wasm trapped",
			RunAt:        time.Now(),
			CreatedAt:    time.Now(),
		}
		require.NoError(t, db.PersistBatch(ctx, failed))

		ts, err := db.PermanentlyFailedTasks(ctx)
		require.NoError(t, err)
		require.Len(t, ts, 1)
		assert.Equal(t, uint64(7), ts[0].TargetHeight)
		assert.Equal(t, tasks.StatusFailed, ts[0].Status)

		// failed tasks also keep the height out of the storage gap scan
		missing, err := db.MissingStorageHeights(ctx, 100)
		require.NoError(t, err)
		assert.Empty(t, missing)
	})
}
