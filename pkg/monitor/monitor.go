// Package monitor implements C9, LiveMonitor: subscribes to new-message
// events from ClientFacade, applies the identical filter/transform pipeline
// BatchForwarder uses, and dispatches to DirectForwarder (or MediaPipeline
// via the same restricted-forward fallback) as messages arrive.
package monitor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/kelvinzhao/tgrelay/pkg/config"
	"github.com/kelvinzhao/tgrelay/pkg/events"
	"github.com/kelvinzhao/tgrelay/pkg/filter"
	"github.com/kelvinzhao/tgrelay/pkg/forwarder"
	"github.com/kelvinzhao/tgrelay/pkg/history"
	"github.com/kelvinzhao/tgrelay/pkg/identity"
	"github.com/kelvinzhao/tgrelay/pkg/logger"
	"github.com/kelvinzhao/tgrelay/pkg/mediagroup"
	"github.com/kelvinzhao/tgrelay/pkg/message"
	"github.com/kelvinzhao/tgrelay/pkg/tgclient"
)

const defaultBufferCapacity = 50000

// SubscribableClient is the subset of ClientFacade the monitor needs: it
// both subscribes to live updates and carries out the forward/copy/send
// calls DirectForwarder needs.
type SubscribableClient interface {
	forwarder.Client
	OnNewMessage(handler tgclient.NewMessageHandler)
}

type pairEntry struct {
	pair Pair
	cfg  config.PairConfig
}

// Pair mirrors forwarder.Pair: resolved source/targets for one monitored
// pair.
type Pair = forwarder.Pair

// Monitor is C9 LiveMonitor.
type Monitor struct {
	client    SubscribableClient
	resolver  forwarder.Resolver
	store     *history.Store
	bus       *events.Bus
	direct    *forwarder.DirectForwarder
	assembler *mediagroup.Assembler
	processed *processedIDBuffer

	mu    sync.RWMutex
	pairs map[int64]pairEntry // keyed by source ChannelId

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func New(client SubscribableClient, resolver forwarder.Resolver, store *history.Store, bus *events.Bus, direct *forwarder.DirectForwarder) *Monitor {
	return &Monitor{
		client:    client,
		resolver:  resolver,
		store:     store,
		bus:       bus,
		direct:    direct,
		assembler: mediagroup.New(),
		processed: newProcessedIDBuffer(defaultBufferCapacity),
		pairs:     make(map[int64]pairEntry),
	}
}

// Start resolves pairs, primes caches, subscribes, and launches the
// background housekeeping tasks (§4.9).
func (m *Monitor) Start(ctx context.Context, pairs []Pair, cfgs []config.PairConfig) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("monitor: already running")
	}
	m.setPairsLocked(pairs, cfgs)
	m.running = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	var ids []identity.ChannelId
	for _, p := range pairs {
		ids = append(ids, p.Source)
		ids = append(ids, p.Targets...)
	}
	m.resolver.Prime(ctx, ids)

	m.client.OnNewMessage(func(hctx context.Context, chat identity.ChannelId, msg message.Message) {
		m.handleMessage(ctx, chat, msg)
	})

	m.wg.Add(3)
	go m.runTicker(ctx, 5*time.Minute, m.gcProcessed)
	go m.runTicker(ctx, time.Minute, m.probeMemory)
	go m.runTicker(ctx, time.Second, m.sweepAssembler)

	logger.InfoCF("monitor", "live monitor started", map[string]any{"pairs": len(pairs)})
	return nil
}

// Stop halts background tasks. The new-message subscription itself lives on
// ClientFacade and is torn down by the caller rebuilding the client, per
// §4.9's hot-reconfiguration note.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()
	m.wg.Wait()
}

// Reconfigure implements the hot-reconfiguration path: stop, rebuild the
// pair set, re-prime, restart — only if the monitor was actually running
// and the new pair set is non-empty (§4.9 guard).
func (m *Monitor) Reconfigure(ctx context.Context, pairs []Pair, cfgs []config.PairConfig) error {
	m.mu.RLock()
	wasRunning := m.running
	m.mu.RUnlock()

	if !wasRunning || len(pairs) == 0 {
		return nil
	}

	m.Stop()
	return m.Start(ctx, pairs, cfgs)
}

func (m *Monitor) setPairsLocked(pairs []Pair, cfgs []config.PairConfig) {
	m.pairs = make(map[int64]pairEntry, len(pairs))
	for i, p := range pairs {
		m.pairs[int64(p.Source)] = pairEntry{pair: p, cfg: cfgs[i]}
	}
}

func (m *Monitor) runTicker(ctx context.Context, interval time.Duration, fn func()) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn()
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) gcProcessed() {
	logger.DebugCF("monitor", "processed-id buffer size", map[string]any{"size": m.processed.Len()})
}

func (m *Monitor) probeMemory() {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	logger.DebugCF("monitor", "memory probe", map[string]any{
		"alloc_mb":      stats.Alloc / (1 << 20),
		"active_groups": m.assembler.ActiveCount(),
	})
}

func (m *Monitor) sweepAssembler() {
	complete := m.assembler.Sweep()
	for _, group := range complete {
		entry, cfg, ok := m.entryFor(group.Messages[0].ChatID)
		if !ok {
			continue
		}
		m.dispatchGroup(context.Background(), entry.pair, cfg, group.Messages)
	}
}

func (m *Monitor) entryFor(chatID int64) (pairEntry, config.PairConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.pairs[chatID]
	return entry, entry.cfg, ok
}

// handleMessage implements §4.9's per-message steps 1-6.
func (m *Monitor) handleMessage(ctx context.Context, chat identity.ChannelId, msg message.Message) {
	if m.processed.Contains(int64(chat), msg.ID) {
		return
	}

	entry, cfg, ok := m.entryFor(int64(chat))
	if !ok {
		return
	}
	if !cfg.IsEnabled() {
		m.publishFiltered(ctx, msg, "disabled")
		return
	}

	if msg.MediaGroupID != "" {
		if late := m.assembler.Add(msg, 0); !late {
			m.processed.Add(int64(chat), msg.ID)
			return
		}
		// The group was already dispatched: evaluate this message on its own.
	}

	m.dispatchGroup(ctx, entry.pair, cfg, []message.Message{msg})
	m.processed.Add(int64(chat), msg.ID)
}

// dispatchGroup applies MessageFilter to a singleton or assembler-completed
// group and sends the surviving group to every target, identically to
// BatchForwarder step 6.
func (m *Monitor) dispatchGroup(ctx context.Context, pair Pair, cfg config.PairConfig, msgs []message.Message) {
	result := filter.Apply(msgs, cfg)
	if len(result.Groups) == 0 {
		return
	}

	sourceCanForward, err := m.resolver.CanForward(ctx, pair.Source)
	if err != nil {
		logger.WarnCF("monitor", "can_forward check failed, assuming restricted", map[string]any{"error": err.Error()})
		sourceCanForward = false
	}

	noWebpage := !cfg.EnableWebPagePreview

	for _, group := range result.Groups {
		results := m.direct.SendGroupToTargets(ctx, pair.Source, pair.Targets, group, sourceCanForward, cfg.HideAuthor, noWebpage)
		for _, res := range results {
			if res.Err != nil {
				logger.WarnCF("monitor", "live send failed", map[string]any{
					"target": int64(res.Target), "error": res.Err.Error(),
				})
				continue
			}
			ids := make([]int64, len(group.Messages))
			for i, gm := range group.Messages {
				ids[i] = gm.ID
			}
			if err := m.store.MarkForwardedBatch(ctx, int64(pair.Source), int64(res.Target), ids); err != nil {
				logger.WarnCF("monitor", "failed to record history", map[string]any{"error": err.Error()})
			}
			m.publishForwarded(ctx, group, res.Target)
		}
	}
}

func (m *Monitor) publishFiltered(ctx context.Context, msg message.Message, reason string) {
	if m.bus == nil {
		return
	}
	_ = m.bus.Publish(ctx, events.Event{
		Kind: events.MessageFiltered,
		At:   time.Now(),
		Payload: events.MessageFilteredPayload{
			MessageID:  int(msg.ID),
			FilterType: "message",
			Reason:     reason,
		},
	})
}

func (m *Monitor) publishForwarded(ctx context.Context, group filter.FilteredGroup, target identity.ChannelId) {
	if m.bus == nil {
		return
	}
	targetLabel := fmt.Sprintf("%d", int64(target))
	kind := events.MessageForwarded
	var payload any = events.MessageForwardedPayload{MessageID: int(group.Messages[0].ID), TargetLabel: targetLabel}
	if len(group.Messages) > 1 {
		ids := make([]int, len(group.Messages))
		for i, gm := range group.Messages {
			ids[i] = int(gm.ID)
		}
		kind = events.MediaGroupForwarded
		payload = events.MediaGroupForwardedPayload{MessageIDs: ids, TargetLabel: targetLabel, Count: len(group.Messages), TargetIDStr: targetLabel}
	}
	_ = m.bus.Publish(ctx, events.Event{Kind: kind, At: time.Now(), Payload: payload})
}
