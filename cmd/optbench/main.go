package main

import (
	"fmt"
	"os"

	"github.com/fxnlabs/optbench/internal/config"
	"github.com/urfave/cli/v2"
)

const defaultConfigPath = "optbench.yaml"

func newApp() *cli.App {
	return &cli.App{
		Name:  "optbench",
		Usage: "Conformance and benchmark harness for optimization solvers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   defaultConfigPath,
				Usage:   "Path to the optbench config file",
				EnvVars: []string{"OPTBENCH_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Usage: "Override the configured log level (debug, info, warn, error)",
			},
		},
		Commands: []*cli.Command{
			runCommand(),
			initCommand(),
			devicesCommand(),
		},
	}
}

// loadConfig reads the config named by the global flags and applies the
// verbosity override.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, err
	}
	if v := c.String("verbosity"); v != "" {
		cfg.Logger.Verbosity = v
	}
	return cfg, nil
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
