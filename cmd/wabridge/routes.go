package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"text/tabwriter"

	"github.com/roelfdiedericks/wabridge/internal/routes"
	"github.com/roelfdiedericks/wabridge/internal/types"
)

// RoutesCmd groups the route table commands
type RoutesCmd struct {
	List   RoutesListCmd   `cmd:"" help:"List all routes."`
	Set    RoutesSetCmd    `cmd:"" help:"Create or replace a route."`
	Delete RoutesDeleteCmd `cmd:"" help:"Delete a route."`
}

func openRoutes(app *App) (routes.Store, error) {
	cfg, err := app.load()
	if err != nil {
		return nil, err
	}
	return routes.Open(context.Background(), cfg.Routes)
}

type RoutesListCmd struct{}

func (c *RoutesListCmd) Run(app *App) error {
	store, err := openRoutes(app)
	if err != nil {
		return err
	}
	defer store.Close()

	list, err := store.List(context.Background())
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No routes configured.")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHANNEL\tENDPOINT\tENV\tAPP\tFILTER\tUPDATED")
	for _, r := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ChannelID, r.BaseURL(), r.Environment, r.AppName(), r.RegexFilter,
			r.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}

type RoutesSetCmd struct {
	Channel  string `arg:"" help:"Channel id (phone number, group id, or * for the fallback)."`
	Endpoint string `arg:"" help:"Agent base URL."`
	Env      string `help:"Environment label." default:"production"`
	Filter   string `help:"Only route messages whose text matches this regex."`
	AppName  string `help:"Agent application name (required by the agent protocol)." name:"app-name"`
	BaseURL  string `help:"Override the URL the agent is called at." name:"base-url"`
}

func (c *RoutesSetCmd) Run(app *App) error {
	if c.Filter != "" {
		if _, err := regexp.Compile(c.Filter); err != nil {
			return fmt.Errorf("invalid --filter: %w", err)
		}
	}

	store, err := openRoutes(app)
	if err != nil {
		return err
	}
	defer store.Close()
	ctx := context.Background()

	route := &types.Route{
		ChannelID:     c.Channel,
		AgentEndpoint: c.Endpoint,
		Environment:   c.Env,
		RegexFilter:   c.Filter,
		Config:        map[string]any{},
	}
	// Keep config keys set elsewhere (seed, SQL) unless overridden here
	if existing, err := store.Get(ctx, c.Channel); err == nil && existing.Config != nil {
		route.Config = existing.Config
	} else if err != nil && !errors.Is(err, routes.ErrNotFound) {
		return err
	}
	if c.AppName != "" {
		route.Config["appName"] = c.AppName
	}
	if c.BaseURL != "" {
		route.Config["baseUrl"] = c.BaseURL
	}
	if route.AppName() == "" {
		fmt.Fprintln(os.Stderr, "Warning: route has no appName; agent calls will fail until --app-name is set.")
	}

	if err := store.Upsert(ctx, route); err != nil {
		return err
	}
	fmt.Printf("Route %s -> %s saved.\n", route.ChannelID, route.BaseURL())
	return nil
}

type RoutesDeleteCmd struct {
	Channel string `arg:"" help:"Channel id to delete."`
}

func (c *RoutesDeleteCmd) Run(app *App) error {
	store, err := openRoutes(app)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Delete(context.Background(), c.Channel); err != nil {
		if errors.Is(err, routes.ErrNotFound) {
			return fmt.Errorf("no route for channel %s", c.Channel)
		}
		return err
	}
	fmt.Printf("Route %s deleted.\n", c.Channel)
	return nil
}
