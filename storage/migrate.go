package storage

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/paritytech/substrate-archive/storage/migrations"
)

// MigrateSchema brings the database up to the latest schema version, creating
// the migration bookkeeping table on first run.
func (d *Database) MigrateSchema(ctx context.Context) error {
	db := d.DB.WithContext(ctx)

	if _, _, err := migrations.Collection.Run(db, "init"); err != nil {
		return xerrors.Errorf("initialize migrations: %w", err)
	}

	old, current, err := migrations.Collection.Run(db, "up")
	if err != nil {
		return xerrors.Errorf("run migrations: %w", err)
	}
	if old != current {
		log.Infow("migrated schema", "from", old, "to", current)
	} else {
		log.Debugw("schema up to date", "version", current)
	}
	return nil
}

// SchemaVersion reports the migration version the database is at.
func (d *Database) SchemaVersion(ctx context.Context) (int64, error) {
	version, err := migrations.Collection.Version(d.DB.WithContext(ctx))
	if err != nil {
		return 0, xerrors.Errorf("read schema version: %w", err)
	}
	return version, nil
}
