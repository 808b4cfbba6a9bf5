package commands

import (
	"context"
	"os"

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
	"github.com/paritytech/substrate-archive/queue/distributed"
	"github.com/paritytech/substrate-archive/schedule"
	"github.com/paritytech/substrate-archive/storage"
)

type daemonOpts struct {
	config string
	node   string
	db     string
}

var daemonFlags daemonOpts

var DaemonCmd = &cli.Command{
	Name:  "daemon",
	Usage: "Start the archive daemon: index blocks, detect gaps and recover storage continuously.",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "Specify path of config file to use.",
			EnvVars:     []string{"ARCHIVE_CONFIG"},
			Value:       "./archive.toml",
			Destination: &daemonFlags.config,
		},
		&cli.StringFlag{
			Name:        "node",
			Usage:       "Override the substrate node RPC endpoint from the config file.",
			EnvVars:     []string{"ARCHIVE_NODE"},
			Destination: &daemonFlags.node,
		},
		&cli.StringFlag{
			Name:        "db",
			Usage:       "Override the database connection string from the config file.",
			EnvVars:     []string{"ARCHIVE_DB"},
			Destination: &daemonFlags.db,
		},
	},
	Action: func(cctx *cli.Context) error {
		if err := setupLogging(logFlags); err != nil {
			return xerrors.Errorf("setup logging: %w", err)
		}

		cfg, err := config.FromFile(daemonFlags.config)
		if err != nil {
			return xerrors.Errorf("load config: %w", err)
		}
		if daemonFlags.node != "" {
			cfg.Node.URL = daemonFlags.node
		}
		if daemonFlags.db != "" {
			cfg.Storage.Postgresql.URL = daemonFlags.db
			cfg.Storage.Postgresql.URLEnv = ""
		}

		if cfg.Metrics.Enabled {
			metricFlags.ListenAddr = cfg.Metrics.ListenAddr
			if err := setupMetrics(metricFlags); err != nil {
				return xerrors.Errorf("setup metrics: %w", err)
			}
		}

		return runDaemon(cctx.Context, cfg)
	},
}

func runDaemon(ctx context.Context, cfg *config.Conf) error {
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

	listener, err := storage.NewListener(db.URL(), storage.DefaultChannel)
	if err != nil {
		return xerrors.Errorf("listen for change notifications: %w", err)
	}
	defer listener.Close() //nolint:errcheck

	// The coordinator enqueues recovery work and the recovery queue submits
	// recovered rows back through the coordinator; the late binding breaks
	// the construction cycle.
	enqueuer := &lateBoundQueue{}

	coordinator := writer.NewCoordinator(db, notifier, enqueuer, cfg.Pipeline.DecodeWorkers)

	recoveryQueue := queue.NewQueue(db, node, coordinator, cfg.Queue,
		queue.WithWakeup(listener.Notifs()),
	)

	var filler *gap.Filler
	pool := decode.NewPool(node, substrate.NewOpaqueCodec(), resolver, coordinator, cfg.Pipeline.DecodeWorkers,
		decode.WithFetchRetries(cfg.Pipeline.FetchRetries),
		decode.WithTaskTimeout(cfg.Pipeline.TaskTimeout.Std()),
	)
	defer pool.Stop()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Queue.Distributed {
		catalog, err := queue.NewCatalog(cfg.Queue)
		if err != nil {
			return err
		}
		redisCfg, err := catalog.RedisConfig(cfg.Queue.RedisQueue)
		if err != nil {
			return err
		}

		client := distributed.NewClient(recoveryQueue, redisCfg)
		defer client.Close() //nolint:errcheck
		enqueuer.bind(client)
		filler = gap.NewFiller(node, db, pool, client, "gapfill", cfg.Pipeline.BackfillHeight, cfg.Pipeline.BatchSize)

		worker := distributed.NewAsynqWorker("daemon", distributed.NewRecoveryWorker(redisCfg, cfg.Queue.Workers),
			distributed.NewRecoverStorageProcessor(recoveryQueue),
		)
		g.Go(func() error { return worker.Run(ctx) })

		// Local claim workers stay on in distributed mode; they pick up
		// what redis delivery misses.
		g.Go(func() error { return recoveryQueue.Run(ctx) })
	} else {
		enqueuer.bind(recoveryQueue)
		filler = gap.NewFiller(node, db, pool, recoveryQueue, "gapfill", cfg.Pipeline.BackfillHeight, cfg.Pipeline.BatchSize)
		g.Go(func() error { return recoveryQueue.Run(ctx) })
	}

	// The finder runs as its own job so gap_reports rows land even when the
	// filler is mid-dispatch, giving operators a durable trail of every scan.
	finder := gap.NewFinder(node, db, "gapreport", cfg.Pipeline.BackfillHeight, cfg.Pipeline.BatchSize)

	scheduler := schedule.NewSchedulerDaemon(
		&schedule.JobConfig{
			Name:                "gapfill",
			Kind:                "gapfill",
			Job:                 filler,
			RestartOnCompletion: true,
			RestartOnFailure:    true,
			RestartDelay:        cfg.Pipeline.GapInterval.Std(),
		},
		&schedule.JobConfig{
			Name:                "gapreport",
			Kind:                "gapreport",
			Job:                 finder,
			RestartOnCompletion: true,
			RestartOnFailure:    true,
			RestartDelay:        cfg.Pipeline.GapInterval.Std(),
		},
	)

	g.Go(func() error { return coordinator.Run(ctx) })
	g.Go(func() error { return scheduler.Run(ctx) })
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-pool.Fatal():
			return xerrors.Errorf("decode pool: %w", err)
		}
	})

	log.Infow("daemon started", "node", cfg.Node.URL, "pid", os.Getpid())
	return g.Wait()
}

// lateBoundQueue satisfies the coordinator's task queue before the real queue
// exists. Enqueues before bind are dropped; the gap scan re-reports them.
type lateBoundQueue struct {
	inner writer.TaskQueue
}

func (l *lateBoundQueue) bind(q writer.TaskQueue) {
	l.inner = q
}

func (l *lateBoundQueue) EnqueueHeight(ctx context.Context, height uint64) error {
	if l.inner == nil {
		return nil
	}
	return l.inner.EnqueueHeight(ctx, height)
}
