package blocks

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/paritytech/substrate-archive/model"
)

// Block is a single indexed block header plus its raw body. Rows are immutable
// once committed: corrections happen by cascading delete of descendants and a
// fresh insert, never an update.
type Block struct {
	tableName struct{} `pg:"blocks"` //nolint: structcheck,unused

	Hash           []byte `pg:",pk,notnull"`
	ParentHash     []byte `pg:",notnull"`
	Height         uint64 `pg:",use_zero,unique:blocks_height_key"`
	StateRoot      []byte `pg:",notnull"`
	ExtrinsicsRoot []byte `pg:",notnull"`
	Digest         []byte
	Body           []byte
	SpecVersion    uint32 `pg:"spec_version,use_zero"`
}

func (b *Block) Persist(ctx context.Context, s model.StorageBatch) error {
	if err := s.PersistModel(ctx, b); err != nil {
		return xerrors.Errorf("persisting block: %w", err)
	}
	return nil
}

type Blocks []*Block

func (bs Blocks) Persist(ctx context.Context, s model.StorageBatch) error {
	if len(bs) == 0 {
		return nil
	}
	return s.PersistModel(ctx, bs)
}
