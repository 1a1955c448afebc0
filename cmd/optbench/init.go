package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/fxnlabs/optbench/fixtures"
	"github.com/urfave/cli/v2"
)

func initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Write a starter config file",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Overwrite an existing config file",
			},
		},
		Action: func(c *cli.Context) error {
			path := c.String("config")
			if _, err := os.Stat(path); err == nil && !c.Bool("force") {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			if err := os.WriteFile(path, fixtures.ConfigTemplate, 0o644); err != nil {
				return fmt.Errorf("writing config: %w", err)
			}
			fmt.Fprintf(c.App.Writer, "Config written to %s\n", path)
			return nil
		},
	}
}
