package gap_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paritytech/substrate-archive/chain/gap"
	"github.com/paritytech/substrate-archive/model"
	"github.com/paritytech/substrate-archive/model/blocks"
	"github.com/paritytech/substrate-archive/model/metadata"
	storagemodel "github.com/paritytech/substrate-archive/model/storage"
	"github.com/paritytech/substrate-archive/model/tasks"
	"github.com/paritytech/substrate-archive/storage"
	"github.com/paritytech/substrate-archive/testutil"
)

type fakeIndexer struct {
	heights []uint64
}

func (f *fakeIndexer) IndexHeights(ctx context.Context, heights []uint64) {
	f.heights = append(f.heights, heights...)
}

type fakeTaskQueue struct {
	heights []uint64
}

func (f *fakeTaskQueue) EnqueueHeights(ctx context.Context, heights []uint64) error {
	f.heights = append(f.heights, heights...)
	return nil
}

// seedGappyChain persists blocks 0 through 10 with holes at 4 and 9, and
// storage for every block except height 7.
func seedGappyChain(t *testing.T, ctx context.Context, db *storage.Database) {
	t.Helper()
	ps := []model.Persistable{&metadata.Metadata{Version: 1, Meta: []byte("m1")}}
	for h := uint64(0); h <= 10; h++ {
		if h == 4 || h == 9 {
			continue
		}
		ps = append(ps, &blocks.Block{
			Hash:           testutil.BlockHash(h),
			ParentHash:     testutil.BlockHash(h - 1),
			Height:         h,
			StateRoot:      []byte("state"),
			ExtrinsicsRoot: []byte("extrinsics"),
			SpecVersion:    1,
		})
		if h == 7 {
			continue
		}
		ps = append(ps, &storagemodel.Entry{
			BlockHash: testutil.BlockHash(h),
			Height:    h,
			Key:       []byte("key"),
			Value:     []byte("value"),
		})
	}
	require.NoError(t, db.PersistBatch(ctx, ps...))
}

func TestFinder(t *testing.T) {
	if testing.Short() || !testutil.DatabaseAvailable() {
		t.Skip("short testing requested or ARCHIVE_TEST_DB not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, cleanup, err := testutil.WaitForExclusiveDatabase(ctx, t)
	require.NoError(t, err)
	defer cleanup() //nolint:errcheck

	node := testutil.NewFakeNode(10)

	t.Run("finds block and storage gaps", func(t *testing.T) {
		testutil.TruncateChainTables(t, db)
		seedGappyChain(t, ctx, db)

		report, err := gap.NewFinder(node, db, t.Name(), 0, 100).Find(ctx)
		require.NoError(t, err)
		assert.Equal(t, []uint64{4, 9}, report.BlockGaps)
		assert.Equal(t, []uint64{7}, report.StorageGaps)
	})

	t.Run("scan is repeatable", func(t *testing.T) {
		testutil.TruncateChainTables(t, db)
		seedGappyChain(t, ctx, db)

		finder := gap.NewFinder(node, db, t.Name(), 0, 100)
		first, err := finder.Find(ctx)
		require.NoError(t, err)
		second, err := finder.Find(ctx)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("batch limit caps each queue", func(t *testing.T) {
		testutil.TruncateChainTables(t, db)
		seedGappyChain(t, ctx, db)

		report, err := gap.NewFinder(node, db, t.Name(), 0, 1).Find(ctx)
		require.NoError(t, err)
		assert.Equal(t, []uint64{4}, report.BlockGaps)
		assert.Equal(t, []uint64{7}, report.StorageGaps)
	})

	t.Run("refuses a floor beyond the chain head", func(t *testing.T) {
		_, err := gap.NewFinder(node, db, t.Name(), 20, 100).Find(ctx)
		require.ErrorContains(t, err, "beyond chain head")
	})

	t.Run("run persists labeled gap reports", func(t *testing.T) {
		testutil.TruncateChainTables(t, db)
		seedGappyChain(t, ctx, db)

		require.NoError(t, gap.NewFinder(node, db, t.Name(), 0, 100).Run(ctx))

		var reports tasks.GapReportList
		require.NoError(t, db.AsORM().ModelContext(ctx, &reports).Order("kind", "height").Select())
		require.Len(t, reports, 3)
		assert.Equal(t, uint64(4), reports[0].Height)
		assert.Equal(t, tasks.GapKindBlock, reports[0].Kind)
		assert.Equal(t, uint64(9), reports[1].Height)
		assert.Equal(t, tasks.GapKindBlock, reports[1].Kind)
		assert.Equal(t, uint64(7), reports[2].Height)
		assert.Equal(t, tasks.GapKindStorage, reports[2].Kind)
		assert.Equal(t, t.Name(), reports[0].Reporter)
	})

	t.Run("filler routes each queue to its consumer", func(t *testing.T) {
		testutil.TruncateChainTables(t, db)
		seedGappyChain(t, ctx, db)

		indexer := &fakeIndexer{}
		queue := &fakeTaskQueue{}
		filler := gap.NewFiller(node, db, indexer, queue, t.Name(), 0, 100)
		require.NoError(t, filler.Run(ctx))
		assert.Equal(t, []uint64{4, 9}, indexer.heights)
		assert.Equal(t, []uint64{7}, queue.heights)
	})
}
