package tgclient

import (
	"context"

	"github.com/gotd/td/tg"

	"github.com/kelvinzhao/tgrelay/pkg/identity"
)

// inputPeerForChannel resolves a cached channel id to the tg.InputPeerClass
// required by most send/history RPCs.
func (f *Facade) inputPeerForChannel(ctx context.Context, chat identity.ChannelId) (tg.InputPeerClass, error) {
	mgr := f.peers()
	if mgr == nil {
		return nil, ErrNotAccessible
	}
	peer, err := mgr.ResolveChannelID(ctx, int64(chat), false)
	if err != nil {
		return nil, ErrNotAccessible
	}
	return peer.InputPeer(), nil
}

// inputChannelFor resolves to the narrower tg.InputChannel shape required by
// channels.* RPCs (e.g. ChannelsGetMessages).
func (f *Facade) inputChannelFor(ctx context.Context, chat identity.ChannelId) (*tg.InputChannel, error) {
	peer, err := f.inputPeerForChannel(ctx, chat)
	if err != nil {
		return nil, err
	}
	ip, ok := peer.(*tg.InputPeerChannel)
	if !ok {
		return nil, ErrNotAccessible
	}
	return &tg.InputChannel{ChannelID: ip.ChannelID, AccessHash: ip.AccessHash}, nil
}
