package main

import (
	"os"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"

	"github.com/paritytech/substrate-archive/commands"
	"github.com/paritytech/substrate-archive/version"
)

var log = logging.Logger("archive")

func main() {
	if err := logging.SetLogLevel("*", "info"); err != nil {
		log.Fatal(err)
	}

	app := &cli.App{
		Name:    "substrate-archive",
		Usage:   "Archive substrate chain data into a relational store",
		Version: version.String(),
		Flags:   commands.GlobalFlags(),
		Commands: []*cli.Command{
			commands.DaemonCmd,
			commands.InitCmd,
			commands.MigrateCmd,
			commands.GapCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
