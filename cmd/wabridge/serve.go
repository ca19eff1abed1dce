package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/roelfdiedericks/wabridge/internal/agent"
	"github.com/roelfdiedericks/wabridge/internal/config"
	"github.com/roelfdiedericks/wabridge/internal/dedupe"
	"github.com/roelfdiedericks/wabridge/internal/evolution"
	"github.com/roelfdiedericks/wabridge/internal/gateway"
	httpserver "github.com/roelfdiedericks/wabridge/internal/http"
	. "github.com/roelfdiedericks/wabridge/internal/logging"
	"github.com/roelfdiedericks/wabridge/internal/normalize"
	"github.com/roelfdiedericks/wabridge/internal/router"
	"github.com/roelfdiedericks/wabridge/internal/routes"
	"github.com/roelfdiedericks/wabridge/internal/whatsapp"
)

const shutdownTimeout = 15 * time.Second

// ServeCmd runs the gateway until SIGINT/SIGTERM
type ServeCmd struct{}

func (c *ServeCmd) Run(app *App) error {
	cfg, err := app.load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	L_info("wabridge: starting", "version", version, "listen", cfg.HTTP.Listen, "outbound", cfg.Gateway.Outbound)

	store, err := routes.Open(ctx, cfg.Routes)
	if err != nil {
		return fmt.Errorf("open route store: %w", err)
	}
	defer store.Close()
	if err := routes.Seed(ctx, store, cfg.Routes.Seed); err != nil {
		return err
	}

	filter := inboundFilter(cfg)

	var mgr *whatsapp.Manager
	if cfg.WhatsApp.Enabled {
		waStore, err := whatsapp.OpenStore(ctx, cfg.WhatsApp.SessionDB)
		if err != nil {
			return fmt.Errorf("open whatsapp session store: %w", err)
		}
		defer waStore.Close()
		mgr = newManager(cfg, waStore, filter)
	}

	sender, err := outboundSender(cfg, mgr)
	if err != nil {
		return err
	}

	cache := dedupe.New(cfg.Gateway.DedupeTTL.Std(), cfg.Gateway.DedupeSize)
	defer cache.Close()

	gw := gateway.New(gateway.Options{
		Resolver:      router.New(store),
		Caller:        agent.New(agent.Options{Timeout: cfg.Agent.Timeout.Std()}),
		Sender:        sender,
		Dedupe:        cache,
		MaxConcurrent: cfg.Gateway.MaxConcurrent,
	})

	deps := httpserver.Deps{Inbound: gw.HandleMessage, Gateway: gw}
	if mgr != nil {
		mgr.OnMessage(gw.HandleMessage)
		deps.WhatsApp = mgr
	}

	srv, err := httpserver.NewServer(httpserver.ServerConfig{
		Listen:        cfg.HTTP.Listen,
		WebhookSecret: cfg.HTTP.WebhookSecret,
		VerifyToken:   cfg.HTTP.VerifyToken,
		AdminToken:    cfg.HTTP.AdminToken,
		Filter:        filter,
	}, deps)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	if mgr != nil {
		go func() {
			if err := mgr.Connect(ctx); err != nil {
				L_warn("whatsapp: initial connect failed", "error", err)
			}
		}()
	}

	<-ctx.Done()
	SetShuttingDown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Stop(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := gw.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if mgr != nil {
		mgr.Close()
	}
	L_info("wabridge: stopped")
	return errors.Join(errs...)
}

func inboundFilter(cfg *config.Config) normalize.Filter {
	f := cfg.WhatsApp.Filter
	return normalize.Filter{
		AllowFromMe:     f.AllowFromMe,
		IgnoreGroups:    f.IgnoreGroups,
		IgnoreBroadcast: !f.AllowBroadcast,
		Denylist:        f.Denylist,
	}
}

func newManager(cfg *config.Config, dialer whatsapp.Dialer, filter normalize.Filter) *whatsapp.Manager {
	wa := cfg.WhatsApp
	return whatsapp.NewManager(whatsapp.Options{
		Dialer:             dialer,
		Filter:             filter,
		ReconnectBaseDelay: wa.ReconnectBaseDelay.Std(),
		ReconnectMaxDelay:  wa.ReconnectMaxDelay.Std(),
		SendRate:           wa.SendRate,
		SendBurst:          wa.SendBurst,
		FormatMarkdown:     wa.FormatMarkdown,
	})
}

// outboundSender picks where replies go. A nil Sender disables delivery.
func outboundSender(cfg *config.Config, mgr *whatsapp.Manager) (gateway.Sender, error) {
	switch cfg.Gateway.Outbound {
	case config.OutboundWhatsApp:
		if mgr == nil {
			return nil, errors.New("gateway.outbound is whatsapp but whatsapp.enabled is false")
		}
		return mgr, nil
	case config.OutboundEvolution:
		return evolution.New(evolution.Options{
			BaseURL:  cfg.Evolution.BaseURL,
			APIKey:   cfg.Evolution.APIKey,
			Instance: cfg.Evolution.Instance,
			Rate:     cfg.WhatsApp.SendRate,
			Burst:    cfg.WhatsApp.SendBurst,
		}), nil
	default:
		L_info("gateway: outbound delivery disabled")
		return nil, nil
	}
}
