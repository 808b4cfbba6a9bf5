// Package decode turns heights into structured rows: fetch raw bytes from the
// node, resolve the schema version, run the codec, emit a batch to the write
// coordinator. It performs no database writes of its own.
package decode

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gammazero/workerpool"
	logging "github.com/ipfs/go-log/v2"
	"go.opencensus.io/stats"
	"golang.org/x/xerrors"

	"github.com/paritytech/substrate-archive/chain/version"
	"github.com/paritytech/substrate-archive/chain/writer"
	"github.com/paritytech/substrate-archive/lens"
	"github.com/paritytech/substrate-archive/metrics"
	"github.com/paritytech/substrate-archive/model/blocks"
	"github.com/paritytech/substrate-archive/model/metadata"
	"github.com/paritytech/substrate-archive/model/tasks"
)

var log = logging.Logger("archive/decode")

// Sink accepts the structured output of a decoded height.
type Sink interface {
	SubmitBatch(ctx context.Context, b *writer.Batch) error
}

// Pool is a bounded pool of fetch+decode workers.
type Pool struct {
	api      lens.API
	codec    lens.Codec
	versions *version.Resolver
	sink     Sink

	wp           *workerpool.WorkerPool
	fetchRetries uint64
	taskTimeout  time.Duration

	// highest height whose runtime version has been checked against the node;
	// heights beyond it trigger a version lookup so upgrades are noticed.
	versionedThrough uint64
	registerMu       sync.Mutex

	fatal chan error
}

type PoolOption func(*Pool)

// WithFetchRetries bounds retry attempts for a failed block fetch.
func WithFetchRetries(n int) PoolOption {
	return func(p *Pool) {
		if n >= 0 {
			p.fetchRetries = uint64(n)
		}
	}
}

// WithTaskTimeout aborts a stuck fetch or decode instead of leaking a worker
// slot.
func WithTaskTimeout(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.taskTimeout = d
		}
	}
}

func NewPool(api lens.API, codec lens.Codec, versions *version.Resolver, sink Sink, workers int, opts ...PoolOption) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		api:          api,
		codec:        codec,
		versions:     versions,
		sink:         sink,
		wp:           workerpool.New(workers),
		fetchRetries: 3,
		taskTimeout:  2 * time.Minute,
		fatal:        make(chan error, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Fatal delivers the first unrecoverable error: a height below every known
// schema breakpoint means no further progress is possible.
func (p *Pool) Fatal() <-chan error {
	return p.fatal
}

// Stop waits for in-flight work to finish.
func (p *Pool) Stop() {
	p.wp.StopWait()
}

// IndexHeights submits the heights for asynchronous indexing. Decode failures
// skip the height with an error record; fetch failures surface after bounded
// retries. Neither stops the rest of the pool.
func (p *Pool) IndexHeights(ctx context.Context, heights []uint64) {
	for _, h := range heights {
		h := h
		p.wp.Submit(func() {
			if err := p.indexHeight(ctx, h); err != nil {
				if errors.Is(err, version.ErrVersionNotFound) {
					select {
					case p.fatal <- err:
					default:
					}
					return
				}
				log.Errorw("indexing height failed", "height", h, "error", err)
			}
		})
	}
}

func (p *Pool) indexHeight(ctx context.Context, height uint64) error {
	ctx, cancel := context.WithTimeout(ctx, p.taskTimeout)
	defer cancel()

	stop := metrics.Timer(ctx, metrics.DecodeDuration)
	defer stop()

	raw, err := p.fetchWithRetry(ctx, height)
	if err != nil {
		return xerrors.Errorf("fetch block %d: %w", height, err)
	}

	if err := p.ensureVersion(ctx, height); err != nil {
		return err
	}

	specVersion, err := p.resolveVersion(ctx, height)
	if err != nil {
		return err
	}

	batch := &writer.Batch{
		Height: height,
		Block: &blocks.Block{
			Hash:           raw.Hash,
			ParentHash:     raw.ParentHash,
			Height:         raw.Height,
			StateRoot:      raw.StateRoot,
			ExtrinsicsRoot: raw.ExtrinsicsRoot,
			Digest:         raw.Digest,
			Body:           raw.Body,
			SpecVersion:    specVersion,
		},
	}
	meta, err := p.versions.Metadata(ctx, specVersion)
	if err != nil {
		return err
	}

	decoded, err := p.codec.Decode(raw, specVersion, meta)
	if err != nil {
		// Codec failures are per-height: skip the height, leave its gap in
		// place for a later attempt, and persist an error record so the
		// failure is visible. One undecodable block never halts the pool.
		stats.Record(ctx, metrics.DecodeFailure.M(1))
		log.Errorw("decode failed, skipping height", "height", height, "spec_version", specVersion, "error", err)
		return p.sink.SubmitBatch(ctx, &writer.Batch{
			Height: height,
			Reports: tasks.GapReportList{{
				Height:     height,
				Kind:       tasks.GapKindBlock,
				Status:     "DECODE_ERROR",
				Reporter:   "decode",
				ReportedAt: time.Now(),
			}},
		})
	}

	for _, ext := range decoded.Extrinsics {
		batch.Extrinsics = append(batch.Extrinsics, &blocks.Extrinsic{
			BlockHash: raw.Hash,
			Index:     ext.Index,
			Height:    height,
			Module:    ext.Module,
			Call:      ext.Call,
			Signature: ext.Signature,
			Args:      ext.Args,
		})
	}
	for _, ev := range decoded.Events {
		batch.Events = append(batch.Events, &blocks.Event{
			BlockHash:  raw.Hash,
			Index:      ev.Index,
			Height:     height,
			Module:     ev.Module,
			Event:      ev.Event,
			Parameters: ev.Parameters,
		})
	}

	return p.sink.SubmitBatch(ctx, batch)
}

func (p *Pool) fetchWithRetry(ctx context.Context, height uint64) (*lens.RawBlock, error) {
	var raw *lens.RawBlock
	op := func() error {
		r, err := p.api.FetchBlock(ctx, height)
		if err != nil {
			if errors.Is(err, lens.ErrBlockNotFound) {
				return backoff.Permanent(err)
			}
			stats.Record(ctx, metrics.FetchRetry.M(1))
			return err
		}
		raw = r
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), p.fetchRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return raw, nil
}

// resolveVersion returns the schema version for height, consulting the node
// when the height predates every known breakpoint. Backfill makes that case
// ordinary: whichever height registers the first breakpoint pins it there, and
// lower heights arriving later need a breakpoint of their own. A lookup
// failure leaves the height as a gap for the next scan; only a node that
// positively knows no version makes the height unindexable.
func (p *Pool) resolveVersion(ctx context.Context, height uint64) (uint32, error) {
	specVersion, err := p.versions.Resolve(height)
	if err == nil {
		return specVersion, nil
	}
	if !errors.Is(err, version.ErrVersionNotFound) {
		return 0, err
	}

	rv, err := p.api.RuntimeVersion(ctx, height)
	if err != nil {
		if errors.Is(err, lens.ErrNoRuntimeVersion) {
			return 0, xerrors.Errorf("runtime version at height %d: %w", height, version.ErrVersionNotFound)
		}
		return 0, xerrors.Errorf("runtime version at height %d: %w", height, err)
	}

	p.registerMu.Lock()
	defer p.registerMu.Unlock()
	if sv, rerr := p.versions.Resolve(height); rerr == nil {
		return sv, nil
	}
	if !p.versions.Known(rv.SpecVersion) {
		p.versions.RegisterMetadata(rv.SpecVersion, rv.Metadata)
		if err := p.sink.SubmitBatch(ctx, &writer.Batch{
			Height:   height,
			Metadata: &metadata.Metadata{Version: rv.SpecVersion, Meta: rv.Metadata},
		}); err != nil {
			return 0, err
		}
	}
	p.versions.Insert(height, rv.SpecVersion)
	return rv.SpecVersion, nil
}

// ensureVersion checks the node's runtime version the first time the pool
// passes a new high-water height, registering unseen versions so the resolver
// always has a breakpoint at or below every height it is asked about.
func (p *Pool) ensureVersion(ctx context.Context, height uint64) error {
	checked := atomic.LoadUint64(&p.versionedThrough)
	if checked >= height && checked != 0 {
		return nil
	}
	if latest, ok := p.versions.LatestHeight(); ok && height <= latest {
		return nil
	}

	rv, err := p.api.RuntimeVersion(ctx, height)
	if err != nil {
		// Transient node failure: fall back to the best known breakpoint
		// rather than failing the height.
		log.Warnw("runtime version lookup failed", "height", height, "error", err)
		return nil
	}

	// Registration and the metadata-only batch happen under one lock so the
	// metadata row is always queued ahead of any block batch that references
	// the new version; the coordinator commits in submission order.
	p.registerMu.Lock()
	defer p.registerMu.Unlock()
	if !p.versions.Known(rv.SpecVersion) {
		p.versions.RegisterMetadata(rv.SpecVersion, rv.Metadata)
		p.versions.Insert(height, rv.SpecVersion)
		if err := p.sink.SubmitBatch(ctx, &writer.Batch{
			Height:   height,
			Metadata: &metadata.Metadata{Version: rv.SpecVersion, Meta: rv.Metadata},
		}); err != nil {
			return err
		}
	} else if _, ok := p.versions.LatestHeight(); !ok {
		p.versions.Insert(height, rv.SpecVersion)
	}

	atomic.CompareAndSwapUint64(&p.versionedThrough, checked, height)
	return nil
}
