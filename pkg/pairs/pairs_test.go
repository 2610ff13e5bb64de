package pairs

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/kelvinzhao/tgrelay/pkg/config"
	"github.com/kelvinzhao/tgrelay/pkg/events"
	"github.com/kelvinzhao/tgrelay/pkg/identity"
)

type fakeResolver struct {
	ids map[string]identity.ChannelId
}

func (f *fakeResolver) Resolve(ctx context.Context, identifier string) (identity.ChannelId, error) {
	id, ok := f.ids[identifier]
	if !ok {
		return 0, fmt.Errorf("unknown identifier %q", identifier)
	}
	return id, nil
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{ids: map[string]identity.ChannelId{
		"@source": 100,
		"@target": 200,
		"@other":  300,
	}}
}

func countKinds(evs []events.Event, kind events.Kind) int {
	n := 0
	for _, e := range evs {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func drain(t *testing.T, bus *events.Bus) []events.Event {
	t.Helper()
	var out []events.Event
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	for {
		ev, ok := bus.Consume(ctx)
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func TestController_LoadResolvesPairs(t *testing.T) {
	ctrl := New(newFakeResolver(), events.NewBus())
	cfgs := []config.PairConfig{
		{SourceChannel: "@source", TargetChannels: []string{"@target"}},
	}

	entries, err := ctrl.Load(context.Background(), cfgs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 resolved pair, got %d", len(entries))
	}
	if entries[0].Pair.Source != 100 || entries[0].Pair.Targets[0] != 200 {
		t.Errorf("unexpected resolved pair: %+v", entries[0].Pair)
	}
}

func TestController_SkipsUnresolvableSource(t *testing.T) {
	ctrl := New(newFakeResolver(), events.NewBus())
	cfgs := []config.PairConfig{
		{SourceChannel: "@ghost", TargetChannels: []string{"@target"}},
	}

	entries, err := ctrl.Load(context.Background(), cfgs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected 0 entries for unresolvable source, got %d", len(entries))
	}
}

func TestController_DisabledPairSkipped(t *testing.T) {
	ctrl := New(newFakeResolver(), events.NewBus())
	disabled := false
	cfgs := []config.PairConfig{
		{SourceChannel: "@source", TargetChannels: []string{"@target"}, Enabled: &disabled},
	}

	entries, err := ctrl.Load(context.Background(), cfgs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected disabled pair to be skipped, got %d entries", len(entries))
	}
}

func TestController_DiffEmitsAddedRemovedModified(t *testing.T) {
	bus := events.NewBus()
	ctrl := New(newFakeResolver(), bus)

	if _, err := ctrl.Load(context.Background(), []config.PairConfig{
		{SourceChannel: "@source", TargetChannels: []string{"@target"}},
	}); err != nil {
		t.Fatalf("first Load: %v", err)
	}
	drain(t, bus) // discard the initial pair_added

	// Modify targets for the same source, and nothing else changes.
	if _, err := ctrl.Load(context.Background(), []config.PairConfig{
		{SourceChannel: "@source", TargetChannels: []string{"@other"}},
	}); err != nil {
		t.Fatalf("second Load: %v", err)
	}
	evs := drain(t, bus)
	if countKinds(evs, events.PairModified) != 1 {
		t.Errorf("expected exactly 1 pair_modified event, got %d in %+v", countKinds(evs, events.PairModified), evs)
	}

	// Remove the pair entirely.
	if _, err := ctrl.Load(context.Background(), nil); err != nil {
		t.Fatalf("third Load: %v", err)
	}
	evs = drain(t, bus)
	if countKinds(evs, events.PairRemoved) != 1 {
		t.Errorf("expected exactly 1 pair_removed event, got %d in %+v", countKinds(evs, events.PairRemoved), evs)
	}
}

func TestController_DueSchedulesSkipsPairsWithoutSchedule(t *testing.T) {
	ctrl := New(newFakeResolver(), events.NewBus())
	if _, err := ctrl.Load(context.Background(), []config.PairConfig{
		{SourceChannel: "@source", TargetChannels: []string{"@target"}},
	}); err != nil {
		t.Fatalf("Load: %v", err)
	}

	due := ctrl.DueSchedules(time.Now())
	if len(due) != 0 {
		t.Errorf("expected no due schedules when none configured, got %d", len(due))
	}
}

func TestController_InvalidScheduleIsDropped(t *testing.T) {
	ctrl := New(newFakeResolver(), events.NewBus())
	entries, err := ctrl.Load(context.Background(), []config.PairConfig{
		{SourceChannel: "@source", TargetChannels: []string{"@target"}, Schedule: "not a cron expr"},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Schedule != "" {
		t.Errorf("expected invalid schedule to be cleared, got %q", entries[0].Schedule)
	}
}
