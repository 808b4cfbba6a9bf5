// Package version resolves the runtime spec version in force at a block
// height. The decoder cannot interpret a block without knowing which binary
// schema was active when the block was authored.
package version

import (
	"context"
	"errors"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/paritytech/substrate-archive/storage"
)

var log = logging.Logger("archive/version")

// ErrVersionNotFound is returned when a height precedes the first known
// breakpoint. Indexing cannot proceed for such a height: there is no schema to
// decode it with.
var ErrVersionNotFound = errors.New("no runtime version known at height")

// metaCacheSize bounds the decoded-metadata blobs held in memory. Blobs are a
// few hundred KB each and chains accumulate versions slowly.
const metaCacheSize = 16

// Store is the slice of the database the resolver reads from.
type Store interface {
	VersionBreakpoints(ctx context.Context) ([]storage.VersionBreakpoint, error)
	MetadataBlob(ctx context.Context, version uint32) ([]byte, error)
	MetadataVersions(ctx context.Context) ([]uint32, error)
}

// Resolver maintains the ascending list of (height, version) breakpoints and
// answers which version governs a given height. Reads take a shared lock;
// writes hold the exclusive lock only long enough to splice in one
// breakpoint.
type Resolver struct {
	store Store

	mu          sync.RWMutex
	breakpoints []storage.VersionBreakpoint
	known       map[uint32]struct{}

	metaCache *lru.Cache
}

func NewResolver(store Store) (*Resolver, error) {
	cache, err := lru.New(metaCacheSize)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		store:     store,
		known:     map[uint32]struct{}{},
		metaCache: cache,
	}, nil
}

// Load refreshes breakpoints and known versions from the store. Called at
// startup and harmless to repeat.
func (r *Resolver) Load(ctx context.Context) error {
	bps, err := r.store.VersionBreakpoints(ctx)
	if err != nil {
		return xerrors.Errorf("load version breakpoints: %w", err)
	}
	versions, err := r.store.MetadataVersions(ctx)
	if err != nil {
		return xerrors.Errorf("load metadata versions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakpoints = r.breakpoints[:0]
	r.breakpoints = append(r.breakpoints, bps...)
	sort.Slice(r.breakpoints, func(i, j int) bool { return r.breakpoints[i].Height < r.breakpoints[j].Height })
	for _, v := range versions {
		r.known[v] = struct{}{}
	}
	log.Infow("loaded runtime versions", "breakpoints", len(r.breakpoints), "versions", len(versions))
	return nil
}

// Resolve returns the spec version active at height: the version of the
// greatest breakpoint at or below it.
func (r *Resolver) Resolve(height uint64) (uint32, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i := sort.Search(len(r.breakpoints), func(i int) bool {
		return r.breakpoints[i].Height > height
	})
	if i == 0 {
		return 0, xerrors.Errorf("height %d: %w", height, ErrVersionNotFound)
	}
	return r.breakpoints[i-1].Version, nil
}

// Insert records that version took effect at height. Append-only: inserting
// at an already known height is a no-op, and the breakpoint list stays
// strictly ordered by height.
func (r *Resolver) Insert(height uint64, version uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := sort.Search(len(r.breakpoints), func(i int) bool {
		return r.breakpoints[i].Height >= height
	})
	if i < len(r.breakpoints) && r.breakpoints[i].Height == height {
		return
	}
	r.breakpoints = append(r.breakpoints, storage.VersionBreakpoint{})
	copy(r.breakpoints[i+1:], r.breakpoints[i:])
	r.breakpoints[i] = storage.VersionBreakpoint{Height: height, Version: version}
	r.known[version] = struct{}{}
	log.Infow("new runtime version", "height", height, "version", version)
}

// Known reports whether the metadata for version has been seen before.
func (r *Resolver) Known(version uint32) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.known[version]
	return ok
}

// LatestHeight returns the height of the newest breakpoint, or false when none
// are known yet.
func (r *Resolver) LatestHeight() (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.breakpoints) == 0 {
		return 0, false
	}
	return r.breakpoints[len(r.breakpoints)-1].Height, true
}

// RegisterMetadata caches a metadata blob observed from the node so the first
// decode under a new version does not round-trip to the store.
func (r *Resolver) RegisterMetadata(version uint32, meta []byte) {
	r.metaCache.Add(version, meta)
	r.mu.Lock()
	r.known[version] = struct{}{}
	r.mu.Unlock()
}

// Metadata returns the schema blob for version, from cache or the store.
func (r *Resolver) Metadata(ctx context.Context, version uint32) ([]byte, error) {
	if meta, ok := r.metaCache.Get(version); ok {
		return meta.([]byte), nil
	}
	meta, err := r.store.MetadataBlob(ctx, version)
	if err != nil {
		return nil, xerrors.Errorf("metadata for version %d: %w", version, err)
	}
	r.metaCache.Add(version, meta)
	return meta, nil
}
