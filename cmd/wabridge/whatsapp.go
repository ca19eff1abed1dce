package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/roelfdiedericks/wabridge/internal/whatsapp"
)

// WhatsAppCmd groups the device management commands
type WhatsAppCmd struct {
	Link   WhatsAppLinkCmd   `cmd:"" help:"Pair a device by scanning a QR code in the terminal."`
	Unlink WhatsAppUnlinkCmd `cmd:"" help:"Delete the stored session."`
	Status WhatsAppStatusCmd `cmd:"" help:"Show the linked device."`
}

type WhatsAppLinkCmd struct{}

func (c *WhatsAppLinkCmd) Run(app *App) error {
	cfg, err := app.load()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := whatsapp.OpenStore(ctx, cfg.WhatsApp.SessionDB)
	if err != nil {
		return err
	}
	defer store.Close()

	if devices, err := store.Devices(ctx); err == nil && len(devices) > 0 {
		fmt.Printf("Already linked as %s. Run 'wabridge whatsapp unlink' first to pair again.\n", devices[0])
		return nil
	}

	mgr := newManager(cfg, store, inboundFilter(cfg))
	defer mgr.Close()

	if err := whatsapp.Link(ctx, mgr, os.Stdout); err != nil {
		return err
	}

	fmt.Println()
	fmt.Println("WhatsApp linked successfully.")
	return nil
}

type WhatsAppUnlinkCmd struct{}

func (c *WhatsAppUnlinkCmd) Run(app *App) error {
	cfg, err := app.load()
	if err != nil {
		return err
	}
	ctx := context.Background()

	store, err := whatsapp.OpenStore(ctx, cfg.WhatsApp.SessionDB)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.ClearCredentials(ctx); err != nil {
		return err
	}
	fmt.Println("WhatsApp session removed. Remove 'wabridge' from Linked Devices on your phone as well.")
	return nil
}

type WhatsAppStatusCmd struct{}

func (c *WhatsAppStatusCmd) Run(app *App) error {
	cfg, err := app.load()
	if err != nil {
		return err
	}
	ctx := context.Background()

	store, err := whatsapp.OpenStore(ctx, cfg.WhatsApp.SessionDB)
	if err != nil {
		return err
	}
	defer store.Close()

	devices, err := store.Devices(ctx)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("Not linked. Run 'wabridge whatsapp link' to pair a device.")
		return nil
	}
	for _, d := range devices {
		fmt.Printf("Linked: %s\n", d)
	}
	return nil
}
