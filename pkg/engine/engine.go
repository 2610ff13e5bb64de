// Package engine wires C1-C11 together into a single running process: it
// is the Manager-equivalent orchestrator, directly adapted from
// pkg/channels/manager.go's lifecycle shape (StartAll/StopAll, supervisor
// goroutines) but generalized from "one worker per channel SDK" to "one
// BatchForwarder run or LiveMonitor subscription per configured pair".
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kelvinzhao/tgrelay/pkg/config"
	"github.com/kelvinzhao/tgrelay/pkg/events"
	"github.com/kelvinzhao/tgrelay/pkg/forwarder"
	"github.com/kelvinzhao/tgrelay/pkg/history"
	"github.com/kelvinzhao/tgrelay/pkg/identity"
	"github.com/kelvinzhao/tgrelay/pkg/logger"
	"github.com/kelvinzhao/tgrelay/pkg/mediapipeline"
	"github.com/kelvinzhao/tgrelay/pkg/monitor"
	"github.com/kelvinzhao/tgrelay/pkg/pairs"
	"github.com/kelvinzhao/tgrelay/pkg/ratelimit"
	"github.com/kelvinzhao/tgrelay/pkg/runstate"
	"github.com/kelvinzhao/tgrelay/pkg/tgclient"
)

const scheduleTickInterval = 30 * time.Second

// Engine owns every long-lived component and coordinates their lifecycle:
// it is the single thing cmd/tgrelay starts and stops.
type Engine struct {
	cfg   *config.Config
	store *history.Store
	bus   *events.Bus

	client   *tgclient.Facade
	resolver *identity.Resolver
	limiter  *ratelimit.Limiter

	forwardPairs *pairs.Controller
	monitorPairs *pairs.Controller

	media  *mediapipeline.Pipeline
	direct *forwarder.DirectForwarder
	batch  *forwarder.BatchForwarder
	live   *monitor.Monitor
	runs   *runstate.Manager

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds an Engine from a loaded config, opening the history store at
// historyPath, the scheduler checkpoint at runStatePath, and the scratch
// directory at scratchRoot.
func New(cfg *config.Config, historyPath, runStatePath, scratchRoot string) (*Engine, error) {
	store, err := history.Open(historyPath)
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}

	bus := events.NewBus()
	limiter := ratelimit.New(bus)
	client := tgclient.New(cfg.General, cfg.General.SessionName, bus, limiter)
	resolver := identity.NewResolver(client)

	media := mediapipeline.New(client, client, store, scratchRoot)
	direct := forwarder.NewDirectForwarder(client, media, true)
	batchDelay := time.Duration(cfg.Forward.ForwardDelay * float64(time.Second))
	batch := forwarder.NewBatchForwarder(client, resolver, store, bus, direct, batchDelay)
	live := monitor.New(client, resolver, store, bus, direct)

	return &Engine{
		cfg:          cfg,
		store:        store,
		bus:          bus,
		client:       client,
		resolver:     resolver,
		limiter:      limiter,
		forwardPairs: pairs.New(resolver, bus),
		monitorPairs: pairs.New(resolver, bus),
		media:        media,
		direct:       direct,
		batch:        batch,
		live:         live,
		runs:         runstate.NewManager(runStatePath),
	}, nil
}

// Bus exposes the shared event bus for the host to drain.
func (e *Engine) Bus() *events.Bus { return e.bus }

// StartAll connects the client, resolves and primes every configured pair,
// runs every forward pair once (or schedules it, per pkg/pairs), and starts
// the live monitor over every monitor pair.
func (e *Engine) StartAll(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine: already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		err := e.client.Run(runCtx, func(clientCtx context.Context) error {
			return e.runPairs(clientCtx)
		})
		if err != nil && runCtx.Err() == nil {
			logger.ErrorCF("engine", "client session ended with error", map[string]any{"error": err.Error()})
		}
	}()

	return nil
}

// runPairs runs inside the authenticated client session: it loads both
// pair sets, fires every forward pair once, starts the live monitor, and
// then watches for scheduled re-runs until ctx is cancelled.
func (e *Engine) runPairs(ctx context.Context) error {
	fwdEntries, err := e.forwardPairs.Load(ctx, e.cfg.Forward.Pairs)
	if err != nil {
		return fmt.Errorf("load forward pairs: %w", err)
	}
	for _, entry := range fwdEntries {
		e.runBatchOnce(ctx, entry)
	}

	monEntries, err := e.monitorPairs.Load(ctx, e.cfg.Monitor.Pairs)
	if err != nil {
		return fmt.Errorf("load monitor pairs: %w", err)
	}
	if len(monEntries) > 0 {
		monPairs := make([]forwarder.Pair, len(monEntries))
		monCfgs := make([]config.PairConfig, len(monEntries))
		for i, e2 := range monEntries {
			monPairs[i] = e2.Pair
			monCfgs[i] = e2.Config
		}
		if err := e.live.Start(ctx, monPairs, monCfgs); err != nil {
			logger.ErrorCF("engine", "failed to start live monitor", map[string]any{"error": err.Error()})
		}
	}

	ticker := time.NewTicker(scheduleTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.fireDueSchedules(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (e *Engine) fireDueSchedules(ctx context.Context) {
	now := time.Now()
	for _, entry := range e.forwardPairs.DueSchedules(now) {
		key := entry.Config.SourceChannel
		if last, ok := e.runs.LastFired(key); ok && now.Sub(last) < time.Minute {
			continue
		}
		if err := e.runs.MarkFired(key, now); err != nil {
			logger.WarnCF("engine", "failed to persist schedule checkpoint", map[string]any{"error": err.Error()})
		}
		e.runBatchOnce(ctx, entry)
	}
}

func (e *Engine) runBatchOnce(ctx context.Context, entry pairs.Entry) {
	logger.InfoCF("engine", "running batch pair", map[string]any{"source": entry.Config.SourceChannel})
	if err := e.batch.RunPair(ctx, entry.Pair, entry.Config); err != nil {
		logger.ErrorCF("engine", "batch pair run failed", map[string]any{
			"source": entry.Config.SourceChannel, "error": err.Error(),
		})
	}
}

// StopAll stops the live monitor, cancels the client session, and closes
// the history store.
func (e *Engine) StopAll(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	e.live.Stop()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	e.media.Close()

	return e.store.Close()
}
