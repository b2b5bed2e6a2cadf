// Package cli contains the evflow command line application.
package cli

import (
	"io"

	"github.com/urfave/cli/v2"
)

const (
	// Flags.
	configFlag  = "config"
	debugFlag   = "debug"
	packetsFlag = "packets"
	levelFlag   = "log-level"
)

var app = &cli.App{
	Name:            "evflow",
	Usage:           "run event stream pipelines",
	HideHelpCommand: true,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:    debugFlag,
			Aliases: []string{"vvv"},
			Usage:   "enable debug logging",
		},
	},
	Commands: []*cli.Command{
		{
			Name:  "run",
			Usage: "run the pipelines described by a configuration file until interrupted",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     configFlag,
					Aliases:  []string{"c"},
					Usage:    "load configuration from `FILE`, reloaded when it changes",
					Required: true,
				},
				&cli.StringSliceFlag{
					Name:  levelFlag,
					Usage: "force the level of the modules whose node path matches, e.g. `/mainloop/*/3-Statistics/=debug`",
				},
			},
			Action: RunAction,
		},
		{
			Name:      "stat",
			Usage:     "summarize a recording written by the file output",
			ArgsUsage: "FILE",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  packetsFlag,
					Usage: "list every packet instead of one line per event type",
				},
			},
			Action: StatAction,
		},
		{
			Name:   "dump-config",
			Usage:  "print the default configuration",
			Action: DumpConfigAction,
		},
		{
			Name:  "modules",
			Usage: "list the modules of every pipeline",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    configFlag,
					Aliases: []string{"c"},
					Usage:   "load configuration from `FILE` instead of using the defaults",
				},
			},
			Action: ModulesAction,
		},
	},
}

// NewApp returns a new app with the CLI API, Writer set to out, and ErrWriter
// set to errOut.
func NewApp(out, errOut io.Writer) *cli.App {
	app.Writer = out
	app.ErrWriter = errOut
	return app
}
