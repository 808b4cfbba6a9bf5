package commands

import (
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/paritytech/substrate-archive/config"
	"github.com/paritytech/substrate-archive/storage"
)

var migrateFlags struct {
	config string
	latest bool
}

var MigrateCmd = &cli.Command{
	Name:  "migrate",
	Usage: "Report the current database schema version. Use --latest to migrate to the latest version.",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "Specify path of config file to use.",
			EnvVars:     []string{"ARCHIVE_CONFIG"},
			Value:       "./archive.toml",
			Destination: &migrateFlags.config,
		},
		&cli.BoolFlag{
			Name:        "latest",
			Value:       false,
			Usage:       "Migrate the schema to the latest version.",
			Destination: &migrateFlags.latest,
		},
	},
	Action: func(cctx *cli.Context) error {
		if err := setupLogging(logFlags); err != nil {
			return xerrors.Errorf("setup logging: %w", err)
		}

		ctx := cctx.Context

		cfg, err := config.FromFile(migrateFlags.config)
		if err != nil {
			return xerrors.Errorf("load config: %w", err)
		}

		db, err := storage.NewDatabase(ctx, cfg.Storage.Postgresql)
		if err != nil {
			return xerrors.Errorf("connect database: %w", err)
		}
		defer db.Close()

		if migrateFlags.latest {
			if err := db.MigrateSchema(ctx); err != nil {
				return xerrors.Errorf("migrate schema: %w", err)
			}
		}

		dbVersion, err := db.SchemaVersion(ctx)
		if err != nil {
			return xerrors.Errorf("get schema version: %w", err)
		}
		log.Infof("current database schema is version %d", dbVersion)

		return nil
	},
}
