package internal

import (
	"context"
	"fmt"

	"github.com/kelvinzhao/tgrelay/pkg/events"
	"github.com/kelvinzhao/tgrelay/pkg/ratelimit"
	"github.com/kelvinzhao/tgrelay/pkg/tgclient"
)

// LoginCmd bootstraps (or confirms) a session for cfgPath without running
// any pair: ClientFacade.Run performs the QR login handshake as soon as the
// session is unauthorized (pkg/tgclient/auth.go), then this returns.
func LoginCmd(cfgPath string) error {
	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	bus := events.NewBus()
	limiter := ratelimit.New(bus)
	client := tgclient.New(cfg.General, cfg.General.SessionName, bus, limiter)

	ctx := context.Background()
	if err := client.Run(ctx, func(ctx context.Context) error {
		fmt.Println("session authorized")
		return nil
	}); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	return nil
}
