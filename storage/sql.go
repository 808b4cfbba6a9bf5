package storage

import (
	"context"

	"github.com/go-pg/pg/v10"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/paritytech/substrate-archive/config"
	"github.com/paritytech/substrate-archive/model"
	"github.com/paritytech/substrate-archive/model/blocks"
	"github.com/paritytech/substrate-archive/model/metadata"
	storagemodel "github.com/paritytech/substrate-archive/model/storage"
	"github.com/paritytech/substrate-archive/model/tasks"
)

var log = logging.Logger("archive/storage")

// models is the full set of row types the archive persists, used for schema
// verification. Table creation itself is handled by migrations.
var models = []interface{}{
	(*blocks.Block)(nil),
	(*blocks.Extrinsic)(nil),
	(*blocks.Event)(nil),
	(*storagemodel.Entry)(nil),
	(*metadata.Metadata)(nil),
	(*tasks.RecoveryTask)(nil),
	(*tasks.GapReport)(nil),
}

// NewDatabase opens a pooled connection to postgres and verifies it is
// reachable. The pool ceiling comes from configuration; every write in the
// process funnels through this pool.
func NewDatabase(ctx context.Context, cfg config.PgStorageConf) (*Database, error) {
	opt, err := pg.ParseURL(cfg.ConnectionURL())
	if err != nil {
		return nil, xerrors.Errorf("parse database URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opt.PoolSize = cfg.PoolSize
	}
	if cfg.ApplicationName != "" {
		opt.ApplicationName = cfg.ApplicationName
	}

	db := pg.Connect(opt)
	if err := db.Ping(ctx); err != nil {
		return nil, xerrors.Errorf("ping database: %w", err)
	}

	return &Database{DB: db, url: cfg.ConnectionURL(), schemaName: cfg.SchemaName}, nil
}

type Database struct {
	DB         *pg.DB
	url        string
	schemaName string
}

// AsORM exposes the underlying go-pg handle for packages that need raw
// queries, such as the recovery queue's claim statement.
func (d *Database) AsORM() *pg.DB {
	return d.DB
}

// URL returns the connection string the database was opened with. The
// notification listener opens its own dedicated connection from it.
func (d *Database) URL() string {
	return d.url
}

func (d *Database) Close() error {
	return d.DB.Close()
}

var _ model.Storage = (*Database)(nil)

// PersistBatch persists a group of persistables in a single transaction.
// Inserts are idempotent: every model carries an ON CONFLICT clause, so
// re-processing a height neither errors nor duplicates rows. Statement order
// within the transaction follows the order of ps, which callers use to satisfy
// foreign keys (block before its children).
func (d *Database) PersistBatch(ctx context.Context, ps ...model.Persistable) error {
	return d.DB.RunInTransaction(ctx, func(tx *pg.Tx) error {
		txs := &TxStorage{tx: tx}
		for _, p := range ps {
			if err := p.Persist(ctx, txs); err != nil {
				return err
			}
		}
		return nil
	})
}

// TxStorage persists models as part of a database transaction.
type TxStorage struct {
	tx *pg.Tx
}

var _ model.StorageBatch = (*TxStorage)(nil)

// PersistModel inserts the model or slice of models, splitting into multiple
// statements when the parameter count would exceed the per-statement bound.
func (s *TxStorage) PersistModel(ctx context.Context, m interface{}) error {
	conflict := "DO NOTHING"
	if ct, ok := m.(model.ConflictTarget); ok {
		conflict = ct.OnConflict()
	}
	return insertChunked(ctx, s.tx, m, conflict)
}
