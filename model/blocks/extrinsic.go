package blocks

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/paritytech/substrate-archive/model"
)

// Extrinsic is a decoded call belonging to exactly one block. The foreign key
// on block_hash cascades on delete so corrections to a block remove its calls.
type Extrinsic struct {
	tableName struct{} `pg:"extrinsics"` //nolint: structcheck,unused

	BlockHash []byte `pg:",pk,notnull"`
	Index     int    `pg:"idx,pk,use_zero"`
	Height    uint64 `pg:",use_zero"`
	Module    string `pg:",notnull"`
	Call      string `pg:",notnull"`
	Signature []byte
	Args      []byte `pg:",type:jsonb"`
}

func (e *Extrinsic) Persist(ctx context.Context, s model.StorageBatch) error {
	if err := s.PersistModel(ctx, e); err != nil {
		return xerrors.Errorf("persisting extrinsic: %w", err)
	}
	return nil
}

type Extrinsics []*Extrinsic

func (es Extrinsics) Persist(ctx context.Context, s model.StorageBatch) error {
	if len(es) == 0 {
		return nil
	}
	return s.PersistModel(ctx, es)
}
