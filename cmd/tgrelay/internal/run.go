package internal

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/kelvinzhao/tgrelay/pkg/config"
	"github.com/kelvinzhao/tgrelay/pkg/engine"
	"github.com/kelvinzhao/tgrelay/pkg/events"
	"github.com/kelvinzhao/tgrelay/pkg/logger"
)

// LoadConfig loads and validates the config file at path.
func LoadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}

// RunCmd starts the engine for cfgPath and blocks until SIGINT/SIGTERM.
func RunCmd(cfgPath string, debug bool) error {
	if debug {
		logger.SetLevel(logger.DEBUG)
	}

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	workDir := filepath.Dir(cfgPath)
	historyPath := filepath.Join(workDir, "tgrelay.db")
	runStatePath := filepath.Join(workDir, "state", "runstate.json")
	scratchRoot := filepath.Join(workDir, cfg.Forward.TmpPath)

	e, err := engine.New(cfg, historyPath, runStatePath, scratchRoot)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go drainEvents(ctx, e.Bus())

	if err := e.StartAll(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	fmt.Println("tgrelay running, press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nshutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()
	if err := e.StopAll(shutdownCtx); err != nil {
		logger.ErrorCF("cmd", "shutdown error", map[string]any{"error": err.Error()})
	}
	fmt.Println("stopped")
	return nil
}

// drainEvents logs every event on bus until ctx is cancelled, giving the
// CLI host a visible feed of forwards/filters/errors (§6.4).
func drainEvents(ctx context.Context, bus *events.Bus) {
	for {
		ev, ok := bus.Consume(ctx)
		if !ok {
			return
		}
		logger.InfoCF("event", string(ev.Kind), map[string]any{"pair": ev.Pair, "payload": ev.Payload})
	}
}
