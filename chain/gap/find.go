package gap

import (
	"context"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	"github.com/paritytech/substrate-archive/lens"
	"github.com/paritytech/substrate-archive/metrics"
	"github.com/paritytech/substrate-archive/model/tasks"
	"github.com/paritytech/substrate-archive/storage"
)

var log = logging.Logger("archive/gap")

// Report is the outcome of one detector pass. The two queues are independent:
// a height is a block gap when no block row exists for it, and a storage gap
// when its block committed but no storage was captured and no recovery task
// covers it. They are surfaced separately so each can feed the component that
// resolves it.
type Report struct {
	BlockGaps   []uint64
	StorageGaps []uint64
}

// Finder computes the lowest outstanding gaps, bounded by the batch limit.
type Finder struct {
	db        *storage.Database
	node      lens.API
	name      string
	minHeight uint64
	batchSize int
	done      chan struct{}
}

func NewFinder(node lens.API, db *storage.Database, name string, minHeight uint64, batchSize int) *Finder {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Finder{
		db:        db,
		node:      node,
		name:      name,
		minHeight: minHeight,
		batchSize: batchSize,
	}
}

// Find returns the smallest missing heights of each kind, ascending, never
// more than the batch limit per queue. Calling it again before new data
// arrives returns the same result.
func (g *Finder) Find(ctx context.Context) (*Report, error) {
	head, err := g.node.CanonicalHeight(ctx)
	if err != nil {
		return nil, xerrors.Errorf("canonical height: %w", err)
	}
	if head < g.minHeight {
		return nil, xerrors.Errorf("cannot look for gaps beyond chain head height %d", head)
	}

	blockGaps, err := g.db.MissingBlockHeights(ctx, g.minHeight, head, g.batchSize)
	if err != nil {
		return nil, err
	}

	storageGaps, err := g.db.MissingStorageHeights(ctx, g.batchSize)
	if err != nil {
		return nil, err
	}

	if err := stats.RecordWithTags(ctx, []tag.Mutator{tag.Upsert(metrics.GapKind, tasks.GapKindBlock)},
		metrics.GapCount.M(int64(len(blockGaps)))); err != nil {
		log.Debugw("recording gap count", "error", err)
	}
	if err := stats.RecordWithTags(ctx, []tag.Mutator{tag.Upsert(metrics.GapKind, tasks.GapKindStorage)},
		metrics.GapCount.M(int64(len(storageGaps)))); err != nil {
		log.Debugw("recording gap count", "error", err)
	}

	log.Infow("gap scan complete", "head", head, "block_gaps", len(blockGaps), "storage_gaps", len(storageGaps), "reporter", g.name)
	return &Report{BlockGaps: blockGaps, StorageGaps: storageGaps}, nil
}

// Run performs one detector pass and persists a report row per gap for
// operator visibility.
func (g *Finder) Run(ctx context.Context) error {
	// init the done channel for each run since jobs may be started and stopped.
	g.done = make(chan struct{})
	defer close(g.done)

	start := time.Now()
	report, err := g.Find(ctx)
	if err != nil {
		return err
	}

	out := make(tasks.GapReportList, 0, len(report.BlockGaps)+len(report.StorageGaps))
	for _, h := range report.BlockGaps {
		out = append(out, &tasks.GapReport{
			Height:     h,
			Kind:       tasks.GapKindBlock,
			Status:     "GAP",
			Reporter:   g.name,
			ReportedAt: start,
		})
	}
	for _, h := range report.StorageGaps {
		out = append(out, &tasks.GapReport{
			Height:     h,
			Kind:       tasks.GapKindStorage,
			Status:     "GAP",
			Reporter:   g.name,
			ReportedAt: start,
		})
	}

	return g.db.PersistBatch(ctx, out)
}

func (g *Finder) Done() <-chan struct{} {
	return g.done
}
