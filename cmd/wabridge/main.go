// wabridge relays WhatsApp messages to HTTP AI agents and their replies back.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/roelfdiedericks/wabridge/internal/config"
	. "github.com/roelfdiedericks/wabridge/internal/logging"
	"github.com/roelfdiedericks/wabridge/internal/paths"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

// CLI is the kong command tree
type CLI struct {
	Config  string `help:"Config file (json, yaml or toml)." short:"c" type:"path" env:"WABRIDGE_CONFIG"`
	Verbose bool   `help:"Debug logging." short:"v"`

	Serve    ServeCmd    `cmd:"" default:"1" help:"Run the gateway (default)."`
	WhatsApp WhatsAppCmd `cmd:"" name:"whatsapp" help:"Manage the linked WhatsApp device."`
	Routes   RoutesCmd   `cmd:"" help:"Manage channel routes."`
	Cfg      ConfigCmd   `cmd:"" name:"config" help:"Manage the config file."`
	Version  VersionCmd  `cmd:"" help:"Print the version."`
}

// App is bound into every command's Run
type App struct {
	ConfigPath string
	Verbose    bool
}

// load resolves and reads the config, then sets up logging from it.
func (a *App) load() (*config.Config, error) {
	path := a.ConfigPath
	if path == "" {
		p, err := paths.ConfigPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	level := ParseLevel(cfg.Logging.Level)
	if a.Verbose && level < LevelDebug {
		level = LevelDebug
	}
	Init(&Config{
		Level:      level,
		JSON:       cfg.Logging.JSON,
		ShowCaller: cfg.Logging.ShowCaller,
	})

	if path == "" {
		L_debug("config: no file found, using defaults")
	} else {
		L_debug("config: loaded", "path", path)
	}
	return cfg, nil
}

// VersionCmd prints the build version
type VersionCmd struct{}

func (c *VersionCmd) Run(app *App) error {
	fmt.Printf("wabridge %s\n", version)
	return nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("wabridge"),
		kong.Description("WhatsApp to AI agent gateway."),
		kong.UsageOnError(),
	)

	app := &App{ConfigPath: cli.Config, Verbose: cli.Verbose}
	if err := ctx.Run(app); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
