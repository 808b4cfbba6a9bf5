package storage

import (
	"context"

	"github.com/go-pg/pg/v10"
	"golang.org/x/xerrors"

	"github.com/paritytech/substrate-archive/model/tasks"
)

// MaxBlockHeight returns the highest indexed height. The second return is
// false when the blocks table is empty.
func (d *Database) MaxBlockHeight(ctx context.Context) (uint64, bool, error) {
	var max *int64
	if _, err := d.DB.QueryOneContext(ctx, pg.Scan(&max), `SELECT MAX(height) FROM blocks`); err != nil {
		return 0, false, xerrors.Errorf("query max block height: %w", err)
	}
	if max == nil {
		return 0, false, nil
	}
	return uint64(*max), true, nil
}

// MissingBlockHeights returns up to limit heights in [min, max] that have no
// block row, ascending. Repeated calls before new data arrives return the same
// result.
func (d *Database) MissingBlockHeights(ctx context.Context, min, max uint64, limit int) ([]uint64, error) {
	if max < min {
		return nil, nil
	}
	var heights []uint64
	if _, err := d.DB.QueryContext(ctx, &heights, `
		SELECT missing_num
		FROM GENERATE_SERIES(?, ?) AS missing_num
		WHERE NOT EXISTS (SELECT 1 FROM blocks WHERE height = missing_num)
		ORDER BY missing_num ASC
		LIMIT ?`,
		min, max, limit,
	); err != nil {
		return nil, xerrors.Errorf("query missing block heights: %w", err)
	}
	return heights, nil
}

// MissingStorageHeights returns up to limit block-complete heights with no
// captured storage and no recovery task covering them, ascending. Heights with
// a permanently failed task are excluded here and surfaced separately by
// PermanentlyFailedTasks. Genesis is excluded: it has no parent state to
// execute against.
func (d *Database) MissingStorageHeights(ctx context.Context, limit int) ([]uint64, error) {
	var heights []uint64
	if _, err := d.DB.QueryContext(ctx, &heights, `
		SELECT height FROM blocks b
		WHERE b.height > 0
		AND NOT EXISTS (SELECT 1 FROM storage s WHERE s.block_hash = b.hash)
		AND NOT EXISTS (SELECT 1 FROM recovery_tasks t WHERE t.target_height = b.height)
		ORDER BY height ASC
		LIMIT ?`,
		limit,
	); err != nil {
		return nil, xerrors.Errorf("query missing storage heights: %w", err)
	}
	return heights, nil
}

// MetadataVersions returns every spec version present in the metadata table.
func (d *Database) MetadataVersions(ctx context.Context) ([]uint32, error) {
	var versions []uint32
	if _, err := d.DB.QueryContext(ctx, &versions, `SELECT version FROM metadata ORDER BY version ASC`); err != nil {
		return nil, xerrors.Errorf("query metadata versions: %w", err)
	}
	return versions, nil
}

// MetadataBlob returns the schema blob for a spec version.
func (d *Database) MetadataBlob(ctx context.Context, version uint32) ([]byte, error) {
	var meta []byte
	if _, err := d.DB.QueryOneContext(ctx, pg.Scan(&meta), `SELECT meta FROM metadata WHERE version = ?`, version); err != nil {
		if err == pg.ErrNoRows {
			return nil, xerrors.Errorf("metadata for version %d: %w", version, err)
		}
		return nil, xerrors.Errorf("query metadata blob: %w", err)
	}
	return meta, nil
}

// VersionBreakpoint is the first height at which a spec version was observed.
type VersionBreakpoint struct {
	Height  uint64
	Version uint32
}

// VersionBreakpoints derives the ascending (height, version) upgrade points
// from indexed blocks.
func (d *Database) VersionBreakpoints(ctx context.Context) ([]VersionBreakpoint, error) {
	var bps []VersionBreakpoint
	if _, err := d.DB.QueryContext(ctx, &bps, `
		SELECT MIN(height) AS height, spec_version AS version
		FROM blocks
		GROUP BY spec_version
		ORDER BY height ASC`,
	); err != nil {
		return nil, xerrors.Errorf("query version breakpoints: %w", err)
	}
	return bps, nil
}

// BlockHashByHeight returns the hash of the committed block at height.
func (d *Database) BlockHashByHeight(ctx context.Context, height uint64) ([]byte, error) {
	var hash []byte
	if _, err := d.DB.QueryOneContext(ctx, pg.Scan(&hash), `SELECT hash FROM blocks WHERE height = ?`, height); err != nil {
		return nil, xerrors.Errorf("query block hash at height %d: %w", height, err)
	}
	return hash, nil
}

// PermanentlyFailedTasks returns recovery tasks that exhausted their attempts.
// These stay visible until an operator intervenes; they are never auto-requeued.
func (d *Database) PermanentlyFailedTasks(ctx context.Context) (tasks.RecoveryTasks, error) {
	var ts tasks.RecoveryTasks
	if err := d.DB.ModelContext(ctx, &ts).
		Where("status = ?", tasks.StatusFailed).
		Order("target_height ASC").
		Select(); err != nil {
		return nil, xerrors.Errorf("query failed tasks: %w", err)
	}
	return ts, nil
}
