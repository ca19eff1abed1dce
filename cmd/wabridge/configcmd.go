package main

import (
	"fmt"
	"os"

	"github.com/roelfdiedericks/wabridge/internal/config"
	"github.com/roelfdiedericks/wabridge/internal/paths"
)

// ConfigCmd groups config file commands
type ConfigCmd struct {
	Init ConfigInitCmd `cmd:"" help:"Write a config file with the defaults."`
}

type ConfigInitCmd struct {
	Force bool `help:"Overwrite an existing file."`
}

func (c *ConfigInitCmd) Run(app *App) error {
	path := app.ConfigPath
	if path == "" {
		p, err := paths.DefaultConfigPath()
		if err != nil {
			return err
		}
		path = p
	}

	if _, err := os.Stat(path); err == nil && !c.Force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := paths.EnsureParentDir(path); err != nil {
		return err
	}
	if err := config.Save(path, config.Default()); err != nil {
		return err
	}
	fmt.Printf("Config written to %s\n", path)
	return nil
}
