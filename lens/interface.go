package lens

import (
	"context"
	"errors"
)

// ErrBlockNotFound is returned by FetchBlock when the node has no block at the
// requested height.
var ErrBlockNotFound = errors.New("block not found")

// ErrNoRuntimeVersion is returned by RuntimeVersion when the node positively
// knows no runtime version for the requested height, as opposed to a lookup
// that merely failed.
var ErrNoRuntimeVersion = errors.New("no runtime version for height")

// RawBlock is an undecoded block as supplied by the chain node. Header fields
// are opaque byte strings; Body carries the encoded extrinsics.
type RawBlock struct {
	Hash           []byte
	ParentHash     []byte
	StateRoot      []byte
	ExtrinsicsRoot []byte
	Digest         []byte
	Body           []byte
	Height         uint64
}

// RuntimeVersion identifies the binary encoding rules in force at some height,
// together with the metadata blob the codec needs to decode under those rules.
type RuntimeVersion struct {
	SpecVersion uint32
	Metadata    []byte
}

// StorageChange is a single key mutation produced by executing a block. A nil
// Value encodes a deletion.
type StorageChange struct {
	Key   []byte
	Value []byte
}

// API is the read-only surface of the chain node the archive consumes. The
// node itself (networking, database, runtime executor) is an external
// collaborator.
type API interface {
	// FetchBlock returns the raw block at height, or ErrBlockNotFound.
	FetchBlock(ctx context.Context, height uint64) (*RawBlock, error)

	// ExecuteBlock re-executes the block at height against chain state and
	// returns the storage delta it produced.
	ExecuteBlock(ctx context.Context, height uint64) ([]StorageChange, error)

	// CanonicalHeight returns the current height of the canonical chain.
	CanonicalHeight(ctx context.Context) (uint64, error)

	// RuntimeVersion returns the runtime version in force at height.
	RuntimeVersion(ctx context.Context, height uint64) (RuntimeVersion, error)
}

// DecodedExtrinsic is a structured call extracted from a block body.
type DecodedExtrinsic struct {
	Index     int
	Module    string
	Call      string
	Signature []byte
	Args      []byte // JSON
}

// DecodedEvent is a structured event deposited during block execution.
type DecodedEvent struct {
	Index      int
	Module     string
	Event      string
	Parameters []byte // JSON
}

// Decoded is the output of running the codec over one raw block.
type Decoded struct {
	Extrinsics []DecodedExtrinsic
	Events     []DecodedEvent
}

// Codec turns raw block bytes into structured records using the schema rules
// identified by a spec version. It is consumed as a black box.
type Codec interface {
	Decode(raw *RawBlock, specVersion uint32, metadata []byte) (*Decoded, error)
}
