package tgclient

import (
	"context"
	"strconv"
	"strings"

	"github.com/kelvinzhao/tgrelay/pkg/identity"
)

// ResolveChannel implements identity.SDKResolver: it accepts an already
// normalized identifier (pkg/identity.Normalize output) and asks the peer
// manager for the canonical numeric id.
func (f *Facade) ResolveChannel(ctx context.Context, normalized string) (identity.ChannelId, error) {
	mgr := f.peers()
	if mgr == nil {
		return 0, ErrNotAccessible
	}

	if id, err := strconv.ParseInt(normalized, 10, 64); err == nil {
		peer, err := mgr.ResolveChannelID(ctx, id, false)
		if err != nil {
			return 0, ErrNotAccessible
		}
		return identity.ChannelId(peer.ID()), nil
	}

	if strings.HasPrefix(normalized, "+") {
		peer, err := mgr.ResolveInvite(ctx, strings.TrimPrefix(normalized, "+"))
		if err != nil {
			return 0, ErrNotAccessible
		}
		return identity.ChannelId(peer.ID()), nil
	}

	username := strings.TrimPrefix(normalized, "@")
	peer, err := mgr.ResolveUsername(ctx, username)
	if err != nil {
		return 0, ErrNotAccessible
	}
	return identity.ChannelId(peer.ID()), nil
}

// ChannelInfo implements identity.SDKResolver: label + forward permission.
func (f *Facade) ChannelInfo(ctx context.Context, id identity.ChannelId) (label string, canForward bool, err error) {
	mgr := f.peers()
	if mgr == nil {
		return "", false, ErrNotAccessible
	}

	peer, err := mgr.ResolveChannelID(ctx, int64(id), false)
	if err != nil {
		return "", false, ErrNotAccessible
	}

	return peer.VisibleName(), !peer.Restricted() && !peer.Banned(), nil
}
