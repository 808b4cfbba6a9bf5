package commands

import (
	"fmt"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"contrib.go.opencensus.io/exporter/prometheus"
	"github.com/hibiken/asynq"
	asynqmetrics "github.com/hibiken/asynq/x/metrics"
	logging "github.com/ipfs/go-log/v2"
	_ "github.com/lib/pq"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/zpages"

	"github.com/paritytech/substrate-archive/metrics"
	"github.com/paritytech/substrate-archive/version"
)

var log = logging.Logger("archive/commands")

type logOpts struct {
	LogLevel      string
	LogLevelNamed string
}

var logFlags logOpts

type metricOpts struct {
	ListenAddr    string
	RedisAddr     string
	RedisUsername string
	RedisPassword string
	RedisDB       int
}

var metricFlags metricOpts

func setupLogging(flags logOpts) error {
	ll := flags.LogLevel
	if err := logging.SetLogLevel("*", ll); err != nil {
		return fmt.Errorf("set log level: %w", err)
	}

	llnamed := flags.LogLevelNamed
	if llnamed != "" {
		for _, llname := range strings.Split(llnamed, ",") {
			parts := strings.Split(llname, ":")
			if len(parts) != 2 {
				return fmt.Errorf("invalid named log level format: %q", llname)
			}
			if err := logging.SetLogLevel(parts[0], parts[1]); err != nil {
				return fmt.Errorf("set named log level %q to %q: %w", parts[0], parts[1], err)
			}
		}
	}

	log.Infof("substrate-archive version:%s", version.String())

	return nil
}

func newAsynqInspector(addr string, db int, user, passwd string) (inspector *asynq.Inspector, err error) {
	// Annoyingly NewInspector panics on invalid args, so we need to recover if args are invalid.
	defer func() {
		if r := recover(); r != nil {
			inspector = nil
			err = fmt.Errorf("failed to create asynq inspector: %v", r)
		}
	}()
	inspector = asynq.NewInspector(asynq.RedisClientOpt{
		Addr:     addr,
		DB:       db,
		Password: passwd,
		Username: user,
	})
	return inspector, nil
}

func setupMetrics(flags metricOpts) error {
	registry := prom.NewRegistry()
	goCollector := collectors.NewGoCollector()
	procCollector := collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})
	pe, err := prometheus.NewExporter(prometheus.Options{
		Namespace: "archive",
		Registry:  registry,
	})
	if err != nil {
		return err
	}

	metricCollectors := []prom.Collector{goCollector, procCollector}
	if flags.RedisAddr != "" {
		inspector, err := newAsynqInspector(flags.RedisAddr, flags.RedisDB, flags.RedisUsername, flags.RedisPassword)
		if err != nil {
			return err
		}
		metricCollectors = append(metricCollectors, asynqmetrics.NewQueueMetricsCollector(inspector))
	}

	registry.MustRegister(metricCollectors...)

	view.RegisterExporter(pe)
	view.SetReportingPeriod(2 * time.Second)

	if err := view.Register(metrics.DefaultViews...); err != nil {
		return err
	}

	go func() {
		mux := http.NewServeMux()
		zpages.Handle(mux, "/debug")
		mux.Handle("/metrics", pe)
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		if err := http.ListenAndServe(flags.ListenAddr, mux); err != nil {
			log.Errorw("metrics server stopped", "error", err, "addr", flags.ListenAddr)
		}
	}()

	return nil
}

// GlobalFlags are the application-wide flags parsed before any subcommand.
func GlobalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			EnvVars:     []string{"GOLOG_LOG_LEVEL"},
			Value:       "info",
			Usage:       "Set the default log level for all loggers to `LEVEL`",
			Destination: &logFlags.LogLevel,
		},
		&cli.StringFlag{
			Name:        "log-level-named",
			EnvVars:     []string{"ARCHIVE_LOG_LEVEL_NAMED"},
			Value:       "",
			Usage:       "A comma delimited list of named loggers and log levels formatted as name:level, for example 'logger1:debug,logger2:info'",
			Destination: &logFlags.LogLevelNamed,
		},
		&cli.StringFlag{
			Name:        "prometheus-redis-addr",
			EnvVars:     []string{"ARCHIVE_PROMETHEUS_REDIS_ADDR"},
			Usage:       "Export asynq queue metrics for the redis instance at `ADDR`",
			Destination: &metricFlags.RedisAddr,
		},
		&cli.StringFlag{
			Name:        "prometheus-redis-username",
			EnvVars:     []string{"ARCHIVE_PROMETHEUS_REDIS_USERNAME"},
			Destination: &metricFlags.RedisUsername,
		},
		&cli.StringFlag{
			Name:        "prometheus-redis-password",
			EnvVars:     []string{"ARCHIVE_PROMETHEUS_REDIS_PASSWORD"},
			Destination: &metricFlags.RedisPassword,
		},
		&cli.IntFlag{
			Name:        "prometheus-redis-db",
			EnvVars:     []string{"ARCHIVE_PROMETHEUS_REDIS_DB"},
			Destination: &metricFlags.RedisDB,
		},
	}
}
