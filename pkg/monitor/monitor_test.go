package monitor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/gotd/td/tg"

	"github.com/kelvinzhao/tgrelay/pkg/config"
	"github.com/kelvinzhao/tgrelay/pkg/events"
	"github.com/kelvinzhao/tgrelay/pkg/forwarder"
	"github.com/kelvinzhao/tgrelay/pkg/history"
	"github.com/kelvinzhao/tgrelay/pkg/identity"
	"github.com/kelvinzhao/tgrelay/pkg/message"
	"github.com/kelvinzhao/tgrelay/pkg/tgclient"
)

type fakeClient struct {
	forwardCalls int
	handler      tgclient.NewMessageHandler
}

func (f *fakeClient) ForwardMessages(ctx context.Context, from, to identity.ChannelId, ids []int64, silent bool) ([]int64, error) {
	f.forwardCalls++
	return ids, nil
}
func (f *fakeClient) CopyMessage(ctx context.Context, to identity.ChannelId, m message.Message, inputMedia tg.InputMediaClass, text string, silent bool) (int64, error) {
	return m.ID + 1, nil
}
func (f *fakeClient) CopyMediaGroup(ctx context.Context, to identity.ChannelId, items []tg.InputSingleMedia, silent bool) ([]int64, error) {
	return nil, nil
}
func (f *fakeClient) SendMessage(ctx context.Context, to identity.ChannelId, text string, entities []tg.MessageEntityClass, noWebpage, silent bool) (int64, error) {
	return 1, nil
}
func (f *fakeClient) NewestID(ctx context.Context, chat identity.ChannelId) (int64, error) { return 0, nil }
func (f *fakeClient) GetMessages(ctx context.Context, chat identity.ChannelId, ids []int64) ([]message.Message, error) {
	return nil, nil
}
func (f *fakeClient) OnNewMessage(handler tgclient.NewMessageHandler) { f.handler = handler }

type fakeResolver struct{}

func (fakeResolver) CanForward(ctx context.Context, id identity.ChannelId) (bool, error) { return true, nil }
func (fakeResolver) Prime(ctx context.Context, ids []identity.ChannelId)                 {}

func openStore(t *testing.T) *history.Store {
	t.Helper()
	store, err := history.Open(filepath.Join(t.TempDir(), "h.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestMonitor_DispatchesSingletonOnce(t *testing.T) {
	client := &fakeClient{}
	direct := forwarder.NewDirectForwarder(client, nil, true)
	mon := New(client, fakeResolver{}, openStore(t), events.NewBus(), direct)

	pair := forwarder.Pair{Source: 10, Targets: []identity.ChannelId{20}}
	cfg := config.PairConfig{SourceChannel: "@s", TargetChannels: []string{"@t"}}

	if err := mon.Start(context.Background(), []forwarder.Pair{pair}, []config.PairConfig{cfg}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mon.Stop()

	m := message.Message{ID: 1, ChatID: 10, MediaKind: message.KindText, Text: "hi"}
	client.handler(context.Background(), 10, m)
	client.handler(context.Background(), 10, m) // duplicate delivery must be dropped

	if client.forwardCalls != 1 {
		t.Errorf("expected exactly 1 forward call despite duplicate delivery, got %d", client.forwardCalls)
	}
}

func TestMonitor_DropsMessagesForDisabledPair(t *testing.T) {
	client := &fakeClient{}
	direct := forwarder.NewDirectForwarder(client, nil, true)
	bus := events.NewBus()
	defer bus.Close()
	mon := New(client, fakeResolver{}, openStore(t), bus, direct)

	disabled := false
	pair := forwarder.Pair{Source: 10, Targets: []identity.ChannelId{20}}
	cfg := config.PairConfig{SourceChannel: "@s", TargetChannels: []string{"@t"}, Enabled: &disabled}

	if err := mon.Start(context.Background(), []forwarder.Pair{pair}, []config.PairConfig{cfg}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mon.Stop()

	client.handler(context.Background(), 10, message.Message{ID: 1, ChatID: 10, MediaKind: message.KindText, Text: "hi"})

	if client.forwardCalls != 0 {
		t.Errorf("expected 0 forward calls for a disabled pair, got %d", client.forwardCalls)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, ok := bus.Consume(ctx)
	if !ok {
		t.Fatalf("expected a message_filtered event for the disabled pair")
	}
	if ev.Kind != events.MessageFiltered {
		t.Fatalf("event kind = %v, want MessageFiltered", ev.Kind)
	}
	payload, ok := ev.Payload.(events.MessageFilteredPayload)
	if !ok {
		t.Fatalf("payload = %T, want MessageFilteredPayload", ev.Payload)
	}
	if payload.Reason != "disabled" {
		t.Errorf("reason = %q, want %q", payload.Reason, "disabled")
	}
}

func TestProcessedIDBuffer_EvictsOldestAtCapacity(t *testing.T) {
	b := newProcessedIDBuffer(2)
	b.Add(1, 100)
	b.Add(1, 101)
	b.Add(1, 102) // evicts (1,100)

	if b.Contains(1, 100) {
		t.Errorf("expected (1,100) to be evicted")
	}
	if !b.Contains(1, 101) || !b.Contains(1, 102) {
		t.Errorf("expected both recent entries to remain")
	}
}

func TestMonitor_Reconfigure_NoopWhenNotRunning(t *testing.T) {
	client := &fakeClient{}
	direct := forwarder.NewDirectForwarder(client, nil, true)
	mon := New(client, fakeResolver{}, openStore(t), events.NewBus(), direct)

	err := mon.Reconfigure(context.Background(), []forwarder.Pair{{Source: 1, Targets: []identity.ChannelId{2}}}, []config.PairConfig{{}})
	if err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
}
