package metadata

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/paritytech/substrate-archive/model"
)

// Metadata maps a spec version to the opaque schema blob the codec decodes
// with. The table is append-only: a version is inserted once and never
// updated.
type Metadata struct {
	tableName struct{} `pg:"metadata"` //nolint: structcheck,unused

	Version uint32 `pg:",pk,use_zero"`
	Meta    []byte `pg:",notnull"`
}

func (m *Metadata) Persist(ctx context.Context, s model.StorageBatch) error {
	if err := s.PersistModel(ctx, m); err != nil {
		return xerrors.Errorf("persisting metadata: %w", err)
	}
	return nil
}
