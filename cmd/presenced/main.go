package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

const (
	version = "0.1.0"
)

func main() {
	app := &cli.App{
		Name:    "presenced",
		Usage:   "Presence and messaging engine for the social hub",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				EnvVars: []string{"PRESENCED_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override the configured log level",
			},
		},
		Commands: []*cli.Command{
			RunCommand(),
			RosterCommand(),
			SendCommand(),
			BlockCommand(),
			UnblockCommand(),
			BlockedCommand(),
			HistoryCommand(),
			StatusCommand(),
			FriendCommand(),
			ConfigCommand(),
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
