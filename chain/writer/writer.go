// Package writer owns the write path into the relational store. Every commit
// against chain data tables goes through one Coordinator so concurrent
// producers can never starve the connection pool.
package writer

import (
	"context"
	"strconv"

	"github.com/cenkalti/backoff/v4"
	logging "github.com/ipfs/go-log/v2"
	"go.opencensus.io/stats"
	"golang.org/x/xerrors"

	"github.com/paritytech/substrate-archive/metrics"
	"github.com/paritytech/substrate-archive/model"
	"github.com/paritytech/substrate-archive/model/blocks"
	"github.com/paritytech/substrate-archive/model/metadata"
	storagemodel "github.com/paritytech/substrate-archive/model/storage"
	"github.com/paritytech/substrate-archive/model/tasks"
	"github.com/paritytech/substrate-archive/storage"
)

var log = logging.Logger("archive/writer")

// persistAttempts bounds retries of a failed commit before the error is
// escalated as fatal.
const persistAttempts = 3

// Batch is everything derived from one height that should commit together.
// Any field may be nil; Metadata, when present, commits before the Block that
// references it, and the Block before its children.
type Batch struct {
	Height     uint64
	Metadata   *metadata.Metadata
	Block      *blocks.Block
	Extrinsics blocks.Extrinsics
	Events     blocks.Events
	Storage    storagemodel.Entries
	Reports    tasks.GapReportList
}

// persistables returns the batch contents in foreign-key order.
func (b *Batch) persistables() []model.Persistable {
	var ps []model.Persistable
	if b.Metadata != nil {
		ps = append(ps, b.Metadata)
	}
	if b.Block != nil {
		ps = append(ps, b.Block)
	}
	if len(b.Extrinsics) > 0 {
		ps = append(ps, b.Extrinsics)
	}
	if len(b.Storage) > 0 {
		ps = append(ps, b.Storage)
	}
	if len(b.Events) > 0 {
		ps = append(ps, b.Events)
	}
	if len(b.Reports) > 0 {
		ps = append(ps, b.Reports)
	}
	return ps
}

// TaskQueue is where the coordinator records blocks whose storage could not be
// captured inline.
type TaskQueue interface {
	EnqueueHeight(ctx context.Context, height uint64) error
}

// ChangeNotifier receives post-commit notifications. Matches
// storage.Notifier.
type ChangeNotifier interface {
	Notify(ctx context.Context, notif storage.Notif)
}

// Coordinator serializes commits. It is logically single threaded: batches
// for independent heights queue behind one commit loop, which is what keeps
// outstanding connections below the pool ceiling no matter how many producers
// feed it.
type Coordinator struct {
	strg     model.Storage
	notifier ChangeNotifier
	queue    TaskQueue

	in   chan *Batch
	done chan struct{}
}

func NewCoordinator(strg model.Storage, notifier ChangeNotifier, queue TaskQueue, buffer int) *Coordinator {
	if buffer < 1 {
		buffer = 1
	}
	return &Coordinator{
		strg:     strg,
		notifier: notifier,
		queue:    queue,
		in:       make(chan *Batch, buffer),
	}
}

// SubmitBatch hands a batch to the commit loop, blocking when the loop is at
// capacity.
func (c *Coordinator) SubmitBatch(ctx context.Context, b *Batch) error {
	select {
	case c.in <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitStorage queues recovered storage entries for a height. Used by the
// recovery queue, which owns task lifecycle but delegates row insertion here.
func (c *Coordinator) SubmitStorage(ctx context.Context, height uint64, entries storagemodel.Entries) error {
	return c.SubmitBatch(ctx, &Batch{Height: height, Storage: entries})
}

// Run drains submitted batches until the context is done. A commit failure
// that survives bounded retries is fatal and stops the loop.
func (c *Coordinator) Run(ctx context.Context) error {
	c.done = make(chan struct{})
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b := <-c.in:
			if err := c.commit(ctx, b); err != nil {
				return xerrors.Errorf("committing height %d: %w", b.Height, err)
			}
		}
	}
}

func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

func (c *Coordinator) commit(ctx context.Context, b *Batch) error {
	ps := b.persistables()
	if len(ps) == 0 {
		return nil
	}

	stop := metrics.Timer(ctx, metrics.PersistDuration)
	persist := func() error {
		return c.strg.PersistBatch(ctx, ps...)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), persistAttempts), ctx)
	if err := backoff.Retry(persist, bo); err != nil {
		stats.Record(ctx, metrics.PersistFailure.M(1))
		return err
	}
	stop()

	log.Debugw("committed batch",
		"height", b.Height,
		"extrinsics", len(b.Extrinsics),
		"events", len(b.Events),
		"storage", len(b.Storage),
	)
	if b.Block != nil {
		stats.Record(ctx, metrics.CommittedHeight.M(int64(b.Height)))
	}

	c.notifyCommitted(ctx, b)

	// A block without inline storage needs its delta recovered by
	// re-execution. Genesis is exempt: it has no parent state.
	if c.queue != nil && b.Block != nil && len(b.Storage) == 0 && b.Height > 0 {
		if err := c.queue.EnqueueHeight(ctx, b.Height); err != nil {
			return xerrors.Errorf("enqueue storage recovery for height %d: %w", b.Height, err)
		}
	}
	return nil
}

// notifyCommitted publishes one message per affected table. Best-effort by
// contract: the notifier absorbs its own failures.
func (c *Coordinator) notifyCommitted(ctx context.Context, b *Batch) {
	if c.notifier == nil {
		return
	}
	key := strconv.FormatUint(b.Height, 10)
	notify := func(table string) {
		c.notifier.Notify(ctx, storage.Notif{Table: table, Action: storage.ActionInsert, Key: key})
		stats.Record(ctx, metrics.NotificationsSent.M(1))
	}
	if b.Metadata != nil {
		c.notifier.Notify(ctx, storage.Notif{
			Table:  "metadata",
			Action: storage.ActionInsert,
			Key:    strconv.FormatUint(uint64(b.Metadata.Version), 10),
		})
	}
	if b.Block != nil {
		notify("blocks")
	}
	if len(b.Extrinsics) > 0 {
		notify("extrinsics")
	}
	if len(b.Storage) > 0 {
		notify("storage")
	}
	if len(b.Events) > 0 {
		notify("events")
	}
}
