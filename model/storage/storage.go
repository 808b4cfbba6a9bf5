package storage

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/paritytech/substrate-archive/model"
)

// Entry is one key/value change captured for a block. A NULL value encodes a
// deletion. The unique index on (block_hash, key, md5(value)) makes
// re-indexing the same block a no-op rather than a source of duplicate rows.
type Entry struct {
	tableName struct{} `pg:"storage"` //nolint: structcheck,unused

	ID        int64  `pg:",pk"`
	BlockHash []byte `pg:",notnull"`
	Height    uint64 `pg:",use_zero"`
	IsFull    bool   `pg:",notnull,use_zero"`
	Key       []byte `pg:",notnull"`
	Value     []byte
}

// OnConflict matches the dedupe index created in the initial migration.
func (e *Entry) OnConflict() string {
	return "(block_hash, key, md5(value)) DO NOTHING"
}

func (e *Entry) Persist(ctx context.Context, s model.StorageBatch) error {
	if err := s.PersistModel(ctx, e); err != nil {
		return xerrors.Errorf("persisting storage entry: %w", err)
	}
	return nil
}

type Entries []*Entry

func (es Entries) OnConflict() string {
	return "(block_hash, key, md5(value)) DO NOTHING"
}

func (es Entries) Persist(ctx context.Context, s model.StorageBatch) error {
	if len(es) == 0 {
		return nil
	}
	return s.PersistModel(ctx, es)
}
