// Package pairs implements C10, PairController: translates declared
// configuration into resolved, live ChannelPair records, diffs the pair set
// across config reloads, and emits pair_added/removed/modified events. It
// is the only component allowed to mutate the pair set Monitor/BatchForwarder
// observe (spec.md §4.10).
package pairs

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/kelvinzhao/tgrelay/pkg/config"
	"github.com/kelvinzhao/tgrelay/pkg/events"
	"github.com/kelvinzhao/tgrelay/pkg/forwarder"
	"github.com/kelvinzhao/tgrelay/pkg/identity"
	"github.com/kelvinzhao/tgrelay/pkg/logger"
)

// Resolver is the subset of identity.Resolver PairController needs to turn
// a pair's configured identifiers into ChannelIds.
type Resolver interface {
	Resolve(ctx context.Context, identifier string) (identity.ChannelId, error)
}

// Entry bundles a resolved pair with its source config and, for scheduled
// batch pairs, the cron expression used to decide when to re-queue it.
type Entry struct {
	Pair     forwarder.Pair
	Config   config.PairConfig
	Schedule string
}

// Controller owns the live pair set for one section (FORWARD or MONITOR).
type Controller struct {
	resolver Resolver
	bus      *events.Bus

	entries map[string]Entry // keyed by SourceChannel identifier string
	expr    gronx.Gronx
}

func New(resolver Resolver, bus *events.Bus) *Controller {
	return &Controller{
		resolver: resolver,
		bus:      bus,
		entries:  make(map[string]Entry),
		expr:     gronx.New(),
	}
}

// Load resolves every enabled pair in cfgs, replacing the controller's live
// set and emitting pair_added/removed/modified for the delta against the
// previous load. The returned entries follow the order of cfgs.
func (c *Controller) Load(ctx context.Context, cfgs []config.PairConfig) ([]Entry, error) {
	next := make(map[string]Entry, len(cfgs))
	order := make([]string, 0, len(cfgs))

	for _, pc := range cfgs {
		if !pc.IsEnabled() {
			continue
		}
		entry, err := c.resolvePair(ctx, pc)
		if err != nil {
			logger.WarnCF("pairs", "skipping unresolvable pair", map[string]any{
				"source": pc.SourceChannel, "error": err.Error(),
			})
			continue
		}
		if _, seen := next[pc.SourceChannel]; !seen {
			order = append(order, pc.SourceChannel)
		}
		next[pc.SourceChannel] = entry
	}

	c.diffAndEmit(ctx, next)
	c.entries = next

	out := make([]Entry, 0, len(next))
	for _, key := range order {
		out = append(out, next[key])
	}
	return out, nil
}

func (c *Controller) resolvePair(ctx context.Context, pc config.PairConfig) (Entry, error) {
	source, err := c.resolver.Resolve(ctx, pc.SourceChannel)
	if err != nil {
		return Entry{}, fmt.Errorf("resolve source %s: %w", pc.SourceChannel, err)
	}

	targets := make([]identity.ChannelId, 0, len(pc.TargetChannels))
	for _, t := range pc.TargetChannels {
		id, err := c.resolver.Resolve(ctx, t)
		if err != nil {
			logger.WarnCF("pairs", "skipping unresolvable target", map[string]any{
				"target": t, "error": err.Error(),
			})
			continue
		}
		targets = append(targets, id)
	}
	if len(targets) == 0 {
		return Entry{}, fmt.Errorf("no resolvable targets for source %s", pc.SourceChannel)
	}

	if pc.Schedule != "" && !c.expr.IsValid(pc.Schedule) {
		logger.WarnCF("pairs", "invalid cron schedule, pair will run once at start only", map[string]any{
			"source": pc.SourceChannel, "schedule": pc.Schedule,
		})
		pc.Schedule = ""
	}

	return Entry{
		Pair:     forwarder.Pair{Source: source, Targets: targets, Name: pc.SourceChannel},
		Config:   pc,
		Schedule: pc.Schedule,
	}, nil
}

func (c *Controller) diffAndEmit(ctx context.Context, next map[string]Entry) {
	if c.bus == nil {
		return
	}
	for key := range c.entries {
		if _, ok := next[key]; !ok {
			c.publish(ctx, events.PairRemoved, key)
		}
	}
	for key, entry := range next {
		prev, ok := c.entries[key]
		switch {
		case !ok:
			c.publish(ctx, events.PairAdded, key)
		case !samePair(prev, entry):
			c.publish(ctx, events.PairModified, key)
		}
	}
}

func samePair(a, b Entry) bool {
	if a.Pair.Source != b.Pair.Source || len(a.Pair.Targets) != len(b.Pair.Targets) {
		return false
	}
	for i := range a.Pair.Targets {
		if a.Pair.Targets[i] != b.Pair.Targets[i] {
			return false
		}
	}
	return a.Schedule == b.Schedule
}

func (c *Controller) publish(ctx context.Context, kind events.Kind, pairName string) {
	_ = c.bus.Publish(ctx, events.Event{Kind: kind, At: time.Now(), Pair: pairName})
}

// DueSchedules returns the Entry for every pair whose cron expression
// matches at t, used by the engine to re-queue a BatchForwarder run.
func (c *Controller) DueSchedules(t time.Time) []Entry {
	var due []Entry
	for _, e := range c.entries {
		if e.Schedule == "" {
			continue
		}
		ok, err := c.expr.IsDue(e.Schedule, t)
		if err != nil || !ok {
			continue
		}
		due = append(due, e)
	}
	return due
}

// Entries returns the current live pair set.
func (c *Controller) Entries() []Entry {
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	return out
}
