package main

import (
	"os"

	"bridgerelay/internal/log"
	"bridgerelay/internal/version"

	"github.com/urfave/cli/v2"
)

const appName = "bridgerelay"

var configFileFlag = cli.StringFlag{
	Name:     "cfg",
	Aliases:  []string{"c"},
	Usage:    "Configuration file (toml, json or yaml)",
	Required: true,
}

func main() {
	app := cli.NewApp()
	app.Name = appName
	app.Usage = "Relays token deposits on one EVM network into payouts on another"
	app.Version = version.Version
	app.Commands = []*cli.Command{
		{
			Name:   "version",
			Usage:  "Application version and build",
			Action: versionCmd,
		},
		{
			Name:   "run",
			Usage:  "Run the relay API",
			Action: start,
			Flags:  []cli.Flag{&configFileFlag},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.GetDefaultLogger().Fatalf("%v", err)
	}
}

func versionCmd(*cli.Context) error {
	version.PrintVersion(os.Stdout)
	return nil
}
