package gap

import (
	"context"
	"time"

	"github.com/paritytech/substrate-archive/lens"
	"github.com/paritytech/substrate-archive/storage"
)

// Indexer receives block gaps. Implemented by the decode worker pool.
type Indexer interface {
	IndexHeights(ctx context.Context, heights []uint64)
}

// TaskQueue receives storage gaps. Implemented by the recovery queue.
type TaskQueue interface {
	EnqueueHeights(ctx context.Context, heights []uint64) error
}

// Filler runs the detector and routes each gap queue to the component that
// resolves it: block gaps to the decode pool, storage gaps to the recovery
// queue. Always the lowest outstanding gaps first, so the indexed range grows
// contiguously from the backfill height.
type Filler struct {
	finder  *Finder
	indexer Indexer
	queue   TaskQueue
	name    string
	done    chan struct{}
}

func NewFiller(node lens.API, db *storage.Database, indexer Indexer, queue TaskQueue, name string, minHeight uint64, batchSize int) *Filler {
	return &Filler{
		finder:  NewFinder(node, db, name, minHeight, batchSize),
		indexer: indexer,
		queue:   queue,
		name:    name,
	}
}

func (g *Filler) Run(ctx context.Context) error {
	// init the done channel for each run since jobs may be started and stopped.
	g.done = make(chan struct{})
	defer close(g.done)

	fillStart := time.Now()
	report, err := g.finder.Find(ctx)
	if err != nil {
		return err
	}

	if len(report.BlockGaps) > 0 {
		g.indexer.IndexHeights(ctx, report.BlockGaps)
	}
	if len(report.StorageGaps) > 0 {
		if err := g.queue.EnqueueHeights(ctx, report.StorageGaps); err != nil {
			return err
		}
	}

	log.Infow("gap fill dispatched",
		"duration", time.Since(fillStart),
		"block_gaps", len(report.BlockGaps),
		"storage_gaps", len(report.StorageGaps),
		"reporter", g.name,
	)
	return nil
}

func (g *Filler) Done() <-chan struct{} {
	return g.done
}
