package testutil

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/xerrors"

	"github.com/paritytech/substrate-archive/lens"
)

// FakeNode is an in-memory chain for tests. Blocks are generated
// deterministically; failures can be injected per height.
type FakeNode struct {
	mu sync.Mutex

	head        uint64
	specAt      map[uint64]uint32 // height -> spec version in force
	metadata    map[uint32][]byte
	changes     map[uint64][]lens.StorageChange
	fetchErrs   map[uint64][]error
	executeErrs map[uint64]error
	versionErrs map[uint64]error

	FetchCalls   int
	ExecuteCalls int
}

var _ lens.API = (*FakeNode)(nil)

func NewFakeNode(head uint64) *FakeNode {
	return &FakeNode{
		head:        head,
		specAt:      map[uint64]uint32{0: 1},
		metadata:    map[uint32][]byte{1: []byte("metadata-v1")},
		changes:     map[uint64][]lens.StorageChange{},
		fetchErrs:   map[uint64][]error{},
		executeErrs: map[uint64]error{},
		versionErrs: map[uint64]error{},
	}
}

// SetVersion declares that spec is in force from height onward, with the
// given metadata blob.
func (f *FakeNode) SetVersion(height uint64, spec uint32, metadata []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specAt[height] = spec
	f.metadata[spec] = metadata
}

// SetChanges fixes the storage delta produced by executing height.
func (f *FakeNode) SetChanges(height uint64, changes []lens.StorageChange) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes[height] = changes
}

// FailFetch queues errs to be returned by successive FetchBlock calls for
// height before fetches succeed again.
func (f *FakeNode) FailFetch(height uint64, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErrs[height] = append(f.fetchErrs[height], errs...)
}

// FailExecute makes ExecuteBlock return err for height until cleared.
func (f *FakeNode) FailExecute(height uint64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.executeErrs, height)
		return
	}
	f.executeErrs[height] = err
}

// FailRuntimeVersion makes RuntimeVersion return err for height until cleared.
func (f *FakeNode) FailRuntimeVersion(height uint64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.versionErrs, height)
		return
	}
	f.versionErrs[height] = err
}

// BlockHash returns the deterministic hash FetchBlock assigns to height.
func BlockHash(height uint64) []byte {
	return []byte(fmt.Sprintf("hash-%d", height))
}

func (f *FakeNode) FetchBlock(ctx context.Context, height uint64) (*lens.RawBlock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FetchCalls++

	if errs := f.fetchErrs[height]; len(errs) > 0 {
		err := errs[0]
		f.fetchErrs[height] = errs[1:]
		return nil, err
	}
	if height > f.head {
		return nil, lens.ErrBlockNotFound
	}
	return &lens.RawBlock{
		Hash:           BlockHash(height),
		ParentHash:     BlockHash(height - 1),
		StateRoot:      []byte(fmt.Sprintf("state-%d", height)),
		ExtrinsicsRoot: []byte(fmt.Sprintf("extrinsics-%d", height)),
		Digest:         []byte{},
		Body:           []byte(fmt.Sprintf("body-%d", height)),
		Height:         height,
	}, nil
}

func (f *FakeNode) ExecuteBlock(ctx context.Context, height uint64) ([]lens.StorageChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ExecuteCalls++

	if err := f.executeErrs[height]; err != nil {
		return nil, err
	}
	if changes, ok := f.changes[height]; ok {
		return changes, nil
	}
	return []lens.StorageChange{
		{Key: []byte(fmt.Sprintf("key-%d", height)), Value: []byte(fmt.Sprintf("value-%d", height))},
	}, nil
}

func (f *FakeNode) CanonicalHeight(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *FakeNode) RuntimeVersion(ctx context.Context, height uint64) (lens.RuntimeVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.versionErrs[height]; err != nil {
		return lens.RuntimeVersion{}, err
	}

	var (
		bestHeight uint64
		bestSpec   uint32
		found      bool
	)
	for h, spec := range f.specAt {
		if h <= height && (!found || h >= bestHeight) {
			bestHeight, bestSpec, found = h, spec, true
		}
	}
	if !found {
		return lens.RuntimeVersion{}, xerrors.Errorf("height %d: %w", height, lens.ErrNoRuntimeVersion)
	}
	return lens.RuntimeVersion{SpecVersion: bestSpec, Metadata: f.metadata[bestSpec]}, nil
}

// FakeCodec decodes blocks into canned records. Heights registered with
// FailDecode return an error instead.
type FakeCodec struct {
	mu        sync.Mutex
	failures  map[uint64]error
	DecodeLog []uint64
}

var _ lens.Codec = (*FakeCodec)(nil)

func NewFakeCodec() *FakeCodec {
	return &FakeCodec{failures: map[uint64]error{}}
}

func (c *FakeCodec) FailDecode(height uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[height] = err
}

func (c *FakeCodec) Decode(raw *lens.RawBlock, specVersion uint32, metadata []byte) (*lens.Decoded, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DecodeLog = append(c.DecodeLog, raw.Height)

	if err := c.failures[raw.Height]; err != nil {
		return nil, err
	}
	return &lens.Decoded{
		Extrinsics: []lens.DecodedExtrinsic{
			{Index: 0, Module: "timestamp", Call: "set", Args: []byte(`{"now":0}`)},
		},
		Events: []lens.DecodedEvent{
			{Index: 0, Module: "system", Event: "ExtrinsicSuccess", Parameters: []byte(`{}`)},
		},
	}, nil
}
