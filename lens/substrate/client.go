// Package substrate implements the chain API against a substrate node's
// JSON-RPC interface. Block bodies and headers arrive as hex blobs and are
// stored as delivered; schema-aware decoding is the codec's job.
package substrate

import (
	"context"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/paritytech/substrate-archive/lens"
)

var log = logging.Logger("archive/substrate")

var _ lens.API = (*Client)(nil)

// Client talks to a single substrate node over JSON-RPC.
type Client struct {
	rpc      *rpc.Client
	endpoint string
}

// Dial connects to a substrate node RPC endpoint (http, https, ws or wss).
func Dial(ctx context.Context, endpoint string) (*Client, error) {
	c, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, xerrors.Errorf("dial substrate node %q: %w", endpoint, err)
	}
	client := &Client{rpc: c, endpoint: endpoint}
	if _, err := client.CanonicalHeight(ctx); err != nil {
		c.Close()
		return nil, xerrors.Errorf("probe substrate node %q: %w", endpoint, err)
	}
	log.Infow("connected to substrate node", "endpoint", endpoint)
	return client, nil
}

func (c *Client) Close() {
	c.rpc.Close()
}

type rpcHeader struct {
	ParentHash     string `json:"parentHash"`
	Number         string `json:"number"`
	StateRoot      string `json:"stateRoot"`
	ExtrinsicsRoot string `json:"extrinsicsRoot"`
	Digest         struct {
		Logs []string `json:"logs"`
	} `json:"digest"`
}

type rpcSignedBlock struct {
	Block struct {
		Header     rpcHeader `json:"header"`
		Extrinsics []string  `json:"extrinsics"`
	} `json:"block"`
}

type rpcRuntimeVersion struct {
	SpecName    string `json:"specName"`
	SpecVersion uint32 `json:"specVersion"`
}

// FetchBlock returns the raw block at height. A null block hash from the node
// maps to lens.ErrBlockNotFound.
func (c *Client) FetchBlock(ctx context.Context, height uint64) (*lens.RawBlock, error) {
	hash, err := c.blockHash(ctx, height)
	if err != nil {
		return nil, err
	}

	var signed *rpcSignedBlock
	if err := c.rpc.CallContext(ctx, &signed, "chain_getBlock", hash); err != nil {
		return nil, xerrors.Errorf("chain_getBlock %q: %w", hash, err)
	}
	if signed == nil {
		return nil, lens.ErrBlockNotFound
	}

	header := signed.Block.Header
	parent, err := decodeHex(header.ParentHash)
	if err != nil {
		return nil, xerrors.Errorf("parent hash: %w", err)
	}
	stateRoot, err := decodeHex(header.StateRoot)
	if err != nil {
		return nil, xerrors.Errorf("state root: %w", err)
	}
	extRoot, err := decodeHex(header.ExtrinsicsRoot)
	if err != nil {
		return nil, xerrors.Errorf("extrinsics root: %w", err)
	}
	digest, err := encodeHexVec(header.Digest.Logs)
	if err != nil {
		return nil, xerrors.Errorf("digest: %w", err)
	}
	body, err := encodeHexVec(signed.Block.Extrinsics)
	if err != nil {
		return nil, xerrors.Errorf("body: %w", err)
	}
	hashBytes, err := decodeHex(hash)
	if err != nil {
		return nil, xerrors.Errorf("block hash: %w", err)
	}

	return &lens.RawBlock{
		Hash:           hashBytes,
		ParentHash:     parent,
		StateRoot:      stateRoot,
		ExtrinsicsRoot: extRoot,
		Digest:         digest,
		Body:           body,
		Height:         height,
	}, nil
}

// ExecuteBlock re-runs the block through the node's tracing endpoint and
// returns the storage writes it produced.
func (c *Client) ExecuteBlock(ctx context.Context, height uint64) ([]lens.StorageChange, error) {
	hash, err := c.blockHash(ctx, height)
	if err != nil {
		return nil, err
	}

	var trace struct {
		BlockTrace *struct {
			Events []struct {
				Target string `json:"target"`
				Data   struct {
					StringValues map[string]string `json:"stringValues"`
				} `json:"data"`
			} `json:"events"`
		} `json:"blockTrace"`
		TraceError *struct {
			Error string `json:"error"`
		} `json:"traceError"`
	}
	// Trace only the state target with Put methods: the write set.
	if err := c.rpc.CallContext(ctx, &trace, "state_traceBlock", hash, "state", "", "Put"); err != nil {
		return nil, xerrors.Errorf("state_traceBlock %q: %w", hash, err)
	}
	if trace.TraceError != nil {
		return nil, xerrors.Errorf("state_traceBlock %q: %s", hash, trace.TraceError.Error)
	}
	if trace.BlockTrace == nil {
		return nil, xerrors.Errorf("state_traceBlock %q: empty response", hash)
	}

	var changes []lens.StorageChange
	for _, ev := range trace.BlockTrace.Events {
		sv := ev.Data.StringValues
		if sv["method"] != "Put" {
			continue
		}
		key, err := decodeHex(sv["key"])
		if err != nil {
			return nil, xerrors.Errorf("trace event key: %w", err)
		}
		var value []byte
		if enc, ok := sv["value_encoded"]; ok && enc != "" {
			value, err = decodeHex(enc)
			if err != nil {
				return nil, xerrors.Errorf("trace event value: %w", err)
			}
		}
		changes = append(changes, lens.StorageChange{Key: key, Value: value})
	}
	return changes, nil
}

// CanonicalHeight returns the height of the last finalized block.
func (c *Client) CanonicalHeight(ctx context.Context) (uint64, error) {
	var head string
	if err := c.rpc.CallContext(ctx, &head, "chain_getFinalizedHead"); err != nil {
		return 0, xerrors.Errorf("chain_getFinalizedHead: %w", err)
	}

	var header *rpcHeader
	if err := c.rpc.CallContext(ctx, &header, "chain_getHeader", head); err != nil {
		return 0, xerrors.Errorf("chain_getHeader %q: %w", head, err)
	}
	if header == nil {
		return 0, xerrors.Errorf("chain_getHeader %q: no header", head)
	}
	return parseHexNumber(header.Number)
}

// RuntimeVersion returns the spec version in force at height together with
// the metadata blob describing its encoding.
func (c *Client) RuntimeVersion(ctx context.Context, height uint64) (lens.RuntimeVersion, error) {
	hash, err := c.blockHash(ctx, height)
	if err != nil {
		return lens.RuntimeVersion{}, err
	}

	var rv rpcRuntimeVersion
	if err := c.rpc.CallContext(ctx, &rv, "state_getRuntimeVersion", hash); err != nil {
		return lens.RuntimeVersion{}, xerrors.Errorf("state_getRuntimeVersion %q: %w", hash, err)
	}

	var meta string
	if err := c.rpc.CallContext(ctx, &meta, "state_getMetadata", hash); err != nil {
		return lens.RuntimeVersion{}, xerrors.Errorf("state_getMetadata %q: %w", hash, err)
	}
	metaBytes, err := decodeHex(meta)
	if err != nil {
		return lens.RuntimeVersion{}, xerrors.Errorf("metadata blob: %w", err)
	}

	return lens.RuntimeVersion{SpecVersion: rv.SpecVersion, Metadata: metaBytes}, nil
}

func (c *Client) blockHash(ctx context.Context, height uint64) (string, error) {
	var hash *string
	if err := c.rpc.CallContext(ctx, &hash, "chain_getBlockHash", height); err != nil {
		return "", xerrors.Errorf("chain_getBlockHash %d: %w", height, err)
	}
	if hash == nil || *hash == "" {
		return "", lens.ErrBlockNotFound
	}
	return *hash, nil
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	return hex.DecodeString(s)
}

func parseHexNumber(s string) (uint64, error) {
	n, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		return 0, xerrors.Errorf("parse block number %q: %w", s, err)
	}
	return n, nil
}

// encodeHexVec re-encodes a list of hex blobs as a compact-length-prefixed
// vector, the same layout the node itself stores for bodies and digests.
func encodeHexVec(items []string) ([]byte, error) {
	out := appendCompact(nil, uint64(len(items)))
	for _, item := range items {
		b, err := decodeHex(item)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}
