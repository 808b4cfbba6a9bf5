package tasks

import (
	"context"
	"time"

	"golang.org/x/xerrors"

	"github.com/paritytech/substrate-archive/model"
)

const (
	GapKindBlock   = "block"
	GapKindStorage = "storage"
)

// GapReport records a height the detector found missing, labeled by which
// queue it belongs to. Reports give operators a queryable history of what the
// pipeline believed was outstanding and when.
type GapReport struct {
	tableName struct{} `pg:"gap_reports"` //nolint: structcheck,unused

	ID         int64     `pg:",pk"`
	Height     uint64    `pg:",use_zero"`
	Kind       string    `pg:",notnull"`
	Status     string    `pg:",notnull"`
	Reporter   string    `pg:",notnull"`
	ReportedAt time.Time `pg:",notnull"`
}

func (r *GapReport) Persist(ctx context.Context, s model.StorageBatch) error {
	if err := s.PersistModel(ctx, r); err != nil {
		return xerrors.Errorf("persisting gap report: %w", err)
	}
	return nil
}

type GapReportList []*GapReport

func (rl GapReportList) Persist(ctx context.Context, s model.StorageBatch) error {
	if len(rl) == 0 {
		return nil
	}
	return s.PersistModel(ctx, rl)
}
