package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/paritytech/substrate-archive/chain/decode"
	"github.com/paritytech/substrate-archive/chain/gap"
	"github.com/paritytech/substrate-archive/chain/version"
	"github.com/paritytech/substrate-archive/chain/writer"
	"github.com/paritytech/substrate-archive/config"
	"github.com/paritytech/substrate-archive/lens/substrate"
	"github.com/paritytech/substrate-archive/queue"
	"github.com/paritytech/substrate-archive/storage"
)

type gapOpts struct {
	config string
	from   uint64
}

var gapFlags gapOpts

var GapCmd = &cli.Command{
	Name:  "gap",
	Usage: "Run gap finding and filling once and exit",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "Specify path of config file to use.",
			EnvVars:     []string{"ARCHIVE_CONFIG"},
			Value:       "./archive.toml",
			Destination: &gapFlags.config,
		},
		&cli.Uint64Flag{
			Name:        "from",
			Usage:       "lowest height to search for gaps in",
			EnvVars:     []string{"ARCHIVE_FROM"},
			Destination: &gapFlags.from,
		},
	},
	Subcommands: []*cli.Command{
		GapFindCmd,
		GapFillCmd,
	},
}

var GapFindCmd = &cli.Command{
	Name:  "find",
	Usage: "Report missing block heights and missing storage heights",
	Action: func(cctx *cli.Context) error {
		if err := setupLogging(logFlags); err != nil {
			return xerrors.Errorf("setup logging: %w", err)
		}

		ctx := cctx.Context

		cfg, err := config.FromFile(gapFlags.config)
		if err != nil {
			return xerrors.Errorf("load config: %w", err)
		}

		db, err := storage.NewDatabase(ctx, cfg.Storage.Postgresql)
		if err != nil {
			return xerrors.Errorf("connect database: %w", err)
		}
		defer db.Close()

		node, err := substrate.Dial(ctx, cfg.Node.URL)
		if err != nil {
			return xerrors.Errorf("connect node: %w", err)
		}
		defer node.Close()

		finder := gap.NewFinder(node, db, "gapfind", gapFlags.from, cfg.Pipeline.BatchSize)
		report, err := finder.Find(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("missing blocks: %d\n", len(report.BlockGaps))
		for _, h := range report.BlockGaps {
			fmt.Println(h)
		}
		fmt.Printf("missing storage: %d\n", len(report.StorageGaps))
		for _, h := range report.StorageGaps {
			fmt.Println(h)
		}
		return nil
	},
}

var GapFillCmd = &cli.Command{
	Name:  "fill",
	Usage: "Index missing blocks and enqueue missing storage for recovery, then exit",
	Action: func(cctx *cli.Context) error {
		if err := setupLogging(logFlags); err != nil {
			return xerrors.Errorf("setup logging: %w", err)
		}

		ctx := cctx.Context

		cfg, err := config.FromFile(gapFlags.config)
		if err != nil {
			return xerrors.Errorf("load config: %w", err)
		}

		db, err := storage.NewDatabase(ctx, cfg.Storage.Postgresql)
		if err != nil {
			return xerrors.Errorf("connect database: %w", err)
		}
		defer db.Close()

		if err := db.MigrateSchema(ctx); err != nil {
			return xerrors.Errorf("migrate schema: %w", err)
		}

		node, err := substrate.Dial(ctx, cfg.Node.URL)
		if err != nil {
			return xerrors.Errorf("connect node: %w", err)
		}
		defer node.Close()

		resolver, err := version.NewResolver(db)
		if err != nil {
			return err
		}
		if err := resolver.Load(ctx); err != nil {
			return xerrors.Errorf("load version breakpoints: %w", err)
		}

		notifier := storage.NewNotifier(db, storage.DefaultChannel)

		enqueuer := &lateBoundQueue{}
		coordinator := writer.NewCoordinator(db, notifier, enqueuer, cfg.Pipeline.DecodeWorkers)
		recoveryQueue := queue.NewQueue(db, node, coordinator, cfg.Queue)
		enqueuer.bind(recoveryQueue)

		pool := decode.NewPool(node, substrate.NewOpaqueCodec(), resolver, coordinator, cfg.Pipeline.DecodeWorkers,
			decode.WithFetchRetries(cfg.Pipeline.FetchRetries),
			decode.WithTaskTimeout(cfg.Pipeline.TaskTimeout.Std()),
		)

		filler := gap.NewFiller(node, db, pool, recoveryQueue, "gapfill", gapFlags.from, cfg.Pipeline.BatchSize)

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		g, runCtx := errgroup.WithContext(runCtx)
		g.Go(func() error {
			err := coordinator.Run(runCtx)
			if err == context.Canceled {
				return nil
			}
			return err
		})

		if err := filler.Run(runCtx); err != nil {
			cancel()
			_ = g.Wait()
			return err
		}

		// Wait for in-flight decode jobs to drain through the coordinator
		// before shutting it down. Heights that do not make it are found
		// again by the next scan.
		pool.Stop()
		cancel()
		if err := g.Wait(); err != nil {
			return err
		}

		log.Info("gap fill pass complete, storage recovery left to the daemon queue")
		return nil
	},
}
