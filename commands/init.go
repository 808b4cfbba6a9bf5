package commands

import (
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/paritytech/substrate-archive/config"
)

var initFlags struct {
	config string
}

var InitCmd = &cli.Command{
	Name:  "init",
	Usage: "Write a default config file if one does not exist.",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "Specify path where the config file should be written.",
			EnvVars:     []string{"ARCHIVE_CONFIG"},
			Value:       "./archive.toml",
			Destination: &initFlags.config,
		},
	},
	Action: func(cctx *cli.Context) error {
		if err := setupLogging(logFlags); err != nil {
			return xerrors.Errorf("setup logging: %w", err)
		}

		if err := config.EnsureExists(initFlags.config); err != nil {
			return xerrors.Errorf("ensure config exists: %w", err)
		}
		log.Infow("config initialized", "path", initFlags.config)
		return nil
	},
}
