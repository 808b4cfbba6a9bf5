package blocks

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/paritytech/substrate-archive/model"
)

// Event is a runtime event deposited during the execution of a block.
type Event struct {
	tableName struct{} `pg:"events"` //nolint: structcheck,unused

	BlockHash  []byte `pg:",pk,notnull"`
	Index      int    `pg:"idx,pk,use_zero"`
	Height     uint64 `pg:",use_zero"`
	Module     string `pg:",notnull"`
	Event      string `pg:",notnull"`
	Parameters []byte `pg:",type:jsonb"`
}

func (e *Event) Persist(ctx context.Context, s model.StorageBatch) error {
	if err := s.PersistModel(ctx, e); err != nil {
		return xerrors.Errorf("persisting event: %w", err)
	}
	return nil
}

type Events []*Event

func (es Events) Persist(ctx context.Context, s model.StorageBatch) error {
	if len(es) == 0 {
		return nil
	}
	return s.PersistModel(ctx, es)
}
