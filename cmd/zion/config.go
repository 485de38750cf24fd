package main

import (
	"github.com/urfave/cli/v2"
)

var configCommand = &cli.Command{
	Name:      "config",
	Usage:     "print the effective configuration as TOML",
	ArgsUsage: "[FILE]",
	Action: func(c *cli.Context) error {
		cnf, err := loadConfig(c)
		if err != nil {
			return err
		}
		if c.NArg() > 0 {
			return cnf.ToFile(c.Args().First())
		}
		return cnf.Encode(c.App.Writer)
	},
}
