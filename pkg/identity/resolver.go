// Package identity resolves user-entered chat identifiers (t.me links,
// @usernames, invite tokens, raw numeric ids) to canonical ChannelIds and
// caches the permission metadata the rest of the engine needs, coalescing
// concurrent lookups for the same identifier.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kelvinzhao/tgrelay/pkg/logger"
)

// ChannelId is the canonical, opaque chat identifier (spec.md §3).
type ChannelId int64

var (
	ErrInvalidIdentifier = errors.New("identity: invalid identifier")
	ErrNotAccessible     = errors.New("identity: chat not accessible")
)

// SDKResolver is the subset of ClientFacade the resolver needs. It is
// implemented by pkg/tgclient; kept as a narrow interface here so this
// package has no import-time dependency on gotd/td.
type SDKResolver interface {
	ResolveChannel(ctx context.Context, normalized string) (ChannelId, error)
	ChannelInfo(ctx context.Context, id ChannelId) (label string, canForward bool, err error)
}

// Resolver is C2 of the design: ChannelResolver + Cache.
type Resolver struct {
	sdk   SDKResolver
	cache *cache
	group singleflight.Group
}

func NewResolver(sdk SDKResolver) *Resolver {
	return &Resolver{
		sdk:   sdk,
		cache: newCache(500, 30*time.Minute),
	}
}

// Resolve normalizes identifier and, on cache miss, asks the SDK for the
// canonical numeric id. Concurrent calls for the same normalized identifier
// are coalesced into a single SDK round-trip.
func (r *Resolver) Resolve(ctx context.Context, identifier string) (ChannelId, error) {
	normalized, err := Normalize(identifier)
	if err != nil {
		return 0, err
	}

	if id, ok := r.cache.lookupByIdentifier(normalized); ok {
		return id, nil
	}

	v, err, _ := r.group.Do("resolve:"+normalized, func() (any, error) {
		id, err := r.sdk.ResolveChannel(ctx, normalized)
		if err != nil {
			return ChannelId(0), classifyResolveError(err)
		}
		r.cache.rememberIdentifier(normalized, id)
		return id, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(ChannelId), nil
}

// Info returns cached label/permission metadata for id, fetching and
// caching on miss.
func (r *Resolver) Info(ctx context.Context, id ChannelId) (ChannelCacheEntry, error) {
	if entry, ok := r.cache.get(id); ok {
		return entry, nil
	}

	key := fmt.Sprintf("info:%d", id)
	v, err, _ := r.group.Do(key, func() (any, error) {
		label, canForward, err := r.sdk.ChannelInfo(ctx, id)
		if err != nil {
			return ChannelCacheEntry{}, classifyResolveError(err)
		}
		entry := ChannelCacheEntry{ID: id, Label: label, CanForward: canForward, FetchedAt: time.Now()}
		r.cache.put(entry)
		return entry, nil
	})
	if err != nil {
		return ChannelCacheEntry{}, err
	}
	return v.(ChannelCacheEntry), nil
}

// CanForward reports whether id permits native forward/copy, per Info.
func (r *Resolver) CanForward(ctx context.Context, id ChannelId) (bool, error) {
	entry, err := r.Info(ctx, id)
	if err != nil {
		return false, err
	}
	return entry.CanForward, nil
}

// Prime warms the cache for a batch of ids, used by BatchForwarder and
// LiveMonitor at the start of a run. Failures are logged, not returned,
// since priming is best-effort.
func (r *Resolver) Prime(ctx context.Context, ids []ChannelId) {
	for _, id := range ids {
		if _, err := r.Info(ctx, id); err != nil {
			logger.WarnCF("identity", "prime failed for channel", map[string]any{
				"channel_id": int64(id), "error": err.Error(),
			})
		}
	}
}

// Invalidate drops a cached entry, e.g. after a NotAccessible error kind
// observed elsewhere in the engine (see §4.2 "invalidated on certain error
// kinds").
func (r *Resolver) Invalidate(id ChannelId) {
	r.cache.invalidate(id)
}

func classifyResolveError(err error) error {
	// The SDK facade is expected to already return ErrInvalidIdentifier /
	// ErrNotAccessible where applicable; anything else is passed through
	// wrapped so callers can still errors.Is against the sentinels.
	if errors.Is(err, ErrInvalidIdentifier) || errors.Is(err, ErrNotAccessible) {
		return err
	}
	return fmt.Errorf("resolve channel: %w", err)
}
