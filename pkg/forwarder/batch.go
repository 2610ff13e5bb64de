package forwarder

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/kelvinzhao/tgrelay/pkg/config"
	"github.com/kelvinzhao/tgrelay/pkg/events"
	"github.com/kelvinzhao/tgrelay/pkg/filter"
	"github.com/kelvinzhao/tgrelay/pkg/history"
	"github.com/kelvinzhao/tgrelay/pkg/identity"
	"github.com/kelvinzhao/tgrelay/pkg/logger"
	"github.com/kelvinzhao/tgrelay/pkg/tgclient"
	"github.com/kelvinzhao/tgrelay/pkg/utils"
)

// BatchForwarder implements C8: walks a pair's id range exactly once,
// prefilters against HistoryStore, and dispatches every surviving group to
// DirectForwarder per target.
type BatchForwarder struct {
	client   Client
	resolver Resolver
	store    *history.Store
	bus      *events.Bus
	direct   *DirectForwarder
	delay    time.Duration
}

func NewBatchForwarder(client Client, resolver Resolver, store *history.Store, bus *events.Bus, direct *DirectForwarder, delay time.Duration) *BatchForwarder {
	return &BatchForwarder{client: client, resolver: resolver, store: store, bus: bus, direct: direct, delay: delay}
}

// RunPair executes the full batch for one resolved pair and config, in
// declaration order, stopping early if ctx is cancelled.
func (b *BatchForwarder) RunPair(ctx context.Context, pair Pair, cfg config.PairConfig) error {
	b.resolver.Prime(ctx, append([]identity.ChannelId{pair.Source}, pair.Targets...))

	startID, endID, err := b.resolveRange(ctx, pair.Source, cfg)
	if err != nil {
		return fmt.Errorf("resolve range: %w", err)
	}
	if startID > endID {
		logger.InfoCF("forwarder", "empty range, nothing to do", map[string]any{
			"source": int64(pair.Source), "start_id": startID, "end_id": endID,
		})
		return nil
	}

	ids := make([]int64, 0, endID-startID+1)
	for id := startID; id <= endID; id++ {
		ids = append(ids, id)
	}

	unforwarded, err := b.prefilter(ctx, pair, ids)
	if err != nil {
		return fmt.Errorf("prefilter: %w", err)
	}
	if len(unforwarded) == 0 {
		logger.InfoC("forwarder", "all messages in range already forwarded to every target")
		return nil
	}

	msgs, err := b.client.GetMessages(ctx, pair.Source, unforwarded)
	if err != nil {
		return fmt.Errorf("fetch messages: %w", err)
	}

	sourceCanForward, err := b.resolver.CanForward(ctx, pair.Source)
	if err != nil {
		logger.WarnCF("forwarder", "can_forward check failed, assuming restricted", map[string]any{
			"error": err.Error(),
		})
		sourceCanForward = false
	}

	result := filter.Apply(msgs, cfg)
	preview := ""
	if len(result.Groups) > 0 {
		preview = utils.Truncate(result.Groups[0].AttachedText, 80)
	}
	logger.DebugCF("forwarder", "filter applied", map[string]any{
		"source": int64(pair.Source), "groups": len(result.Groups), "dropped": len(result.Dropped),
		"first_text": preview,
	})
	totalForwarded := 0
	noWebpage := !cfg.EnableWebPagePreview

	for _, group := range result.Groups {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		results := b.direct.SendGroupToTargets(ctx, pair.Source, pair.Targets, group, sourceCanForward, cfg.HideAuthor, noWebpage)
		for _, res := range results {
			if res.Err != nil {
				logger.WarnCF("forwarder", "group send failed", map[string]any{
					"target": int64(res.Target), "group_id": group.GroupID, "error": res.Err.Error(),
				})
				b.publishError(ctx, res.Err, pair, res.Target)
				continue
			}
			totalForwarded++
			b.recordSuccess(ctx, pair.Source, group, res.Target)
			b.publishForwarded(ctx, pair.Source, group, res.Target)
		}
		if b.delay > 0 {
			select {
			case <-time.After(b.delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	reportedGroups := make(map[string]bool)
	for _, dm := range result.Dropped {
		if dm.GroupLevel {
			if reportedGroups[dm.GroupID] {
				continue
			}
			reportedGroups[dm.GroupID] = true
		}
		b.publishFiltered(ctx, pair.Source, dm)
	}

	if cfg.SendFinalMessage && totalForwarded > 0 {
		b.sendFinalMessage(ctx, pair, cfg)
	}

	return nil
}

// resolveRange implements §4.8 step 2: end_id=0 means "newest at scan
// time", start_id=0 means "from the oldest available" (1).
func (b *BatchForwarder) resolveRange(ctx context.Context, source identity.ChannelId, cfg config.PairConfig) (int64, int64, error) {
	start := int64(cfg.StartID)
	if start == 0 {
		start = 1
	}
	end := int64(cfg.EndID)
	if end == 0 {
		newest, err := b.client.NewestID(ctx, source)
		if err != nil {
			return 0, 0, err
		}
		end = newest
	}
	return start, end, nil
}

// prefilter implements §4.8 step 3: only ids not yet forwarded to *every*
// target survive.
func (b *BatchForwarder) prefilter(ctx context.Context, pair Pair, ids []int64) ([]int64, error) {
	remaining := make(map[int64]bool, len(ids))
	for _, id := range ids {
		remaining[id] = true
	}

	for _, target := range pair.Targets {
		unforwarded, err := b.store.UnforwardedIDs(ctx, int64(pair.Source), int64(target), ids)
		if err != nil {
			return nil, err
		}
		stillPending := make(map[int64]bool, len(unforwarded))
		for _, id := range unforwarded {
			stillPending[id] = true
		}
		for id := range remaining {
			if !stillPending[id] {
				delete(remaining, id)
			}
		}
	}

	out := make([]int64, 0, len(remaining))
	for _, id := range ids {
		if remaining[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

func (b *BatchForwarder) recordSuccess(ctx context.Context, source identity.ChannelId, group filter.FilteredGroup, target identity.ChannelId) {
	ids := messageIDs(group.Messages)
	if err := b.store.MarkForwardedBatch(ctx, int64(source), int64(target), ids); err != nil {
		logger.WarnCF("forwarder", "failed to record history", map[string]any{
			"error": err.Error(), "target": int64(target),
		})
	}
}

func (b *BatchForwarder) publishForwarded(ctx context.Context, source identity.ChannelId, group filter.FilteredGroup, target identity.ChannelId) {
	if b.bus == nil {
		return
	}
	targetLabel := fmt.Sprintf("%d", int64(target))
	kind := events.MessageForwarded
	var payload any = events.MessageForwardedPayload{
		MessageID:   int(group.Messages[0].ID),
		TargetLabel: targetLabel,
	}
	if len(group.Messages) > 1 {
		ids := make([]int, len(group.Messages))
		for i, m := range group.Messages {
			ids[i] = int(m.ID)
		}
		kind = events.MediaGroupForwarded
		payload = events.MediaGroupForwardedPayload{
			MessageIDs:  ids,
			TargetLabel: targetLabel,
			Count:       len(group.Messages),
			TargetIDStr: targetLabel,
		}
	}
	_ = b.bus.Publish(ctx, events.Event{Kind: kind, At: time.Now(), Payload: payload})
}

func (b *BatchForwarder) publishFiltered(ctx context.Context, source identity.ChannelId, dm filter.DroppedMessage) {
	if b.bus == nil {
		return
	}
	filterType := "message"
	if dm.GroupLevel {
		filterType = "group"
	}
	_ = b.bus.Publish(ctx, events.Event{
		Kind: events.MessageFiltered,
		At:   time.Now(),
		Payload: events.MessageFilteredPayload{
			MessageID:  int(dm.Message.ID),
			FilterType: filterType,
			Reason:     dm.Reason,
		},
	})
}

func (b *BatchForwarder) publishError(ctx context.Context, err error, pair Pair, target identity.ChannelId) {
	if b.bus == nil {
		return
	}
	_ = b.bus.Publish(ctx, events.Event{
		Kind: events.EngineError,
		At:   time.Now(),
		Payload: events.EngineErrorPayload{
			Kind:  "forward_failed",
			Pair:  pair.Name,
			Scope: fmt.Sprintf("target=%d", int64(target)),
			Cause: err.Error(),
		},
	})
}

// sendFinalMessage implements §4.8 step 8: delivered once per target, after
// a pair's range is exhausted and at least one message was forwarded.
func (b *BatchForwarder) sendFinalMessage(ctx context.Context, pair Pair, cfg config.PairConfig) {
	if cfg.FinalMessageHTMLPath == "" {
		return
	}
	content, err := os.ReadFile(cfg.FinalMessageHTMLPath)
	if err != nil {
		logger.WarnCF("forwarder", "failed to read final message content", map[string]any{
			"path": cfg.FinalMessageHTMLPath, "error": err.Error(),
		})
		return
	}

	plainText, entities := tgclient.ParseHTML(string(content))
	chunks, chunkEntities := splitHTMLMessage(plainText, entities, 4000)
	noWebpage := !cfg.EnableWebPagePreview

	for _, target := range pair.Targets {
		for i, chunk := range chunks {
			if _, err := b.client.SendMessage(ctx, target, chunk, chunkEntities[i], noWebpage, false); err != nil {
				logger.WarnCF("forwarder", "failed to send final message", map[string]any{
					"target": int64(target), "error": err.Error(),
				})
			}
		}
	}
}
