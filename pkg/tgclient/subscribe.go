package tgclient

import (
	"context"
	"sync"

	"github.com/gotd/td/tg"

	"github.com/kelvinzhao/tgrelay/pkg/identity"
	"github.com/kelvinzhao/tgrelay/pkg/message"
)

// NewMessageHandler receives a message that arrived in a chat the facade is
// watching. The handler returns nothing, so nothing from it is propagated
// to gotd/td's dispatch loop.
type NewMessageHandler func(ctx context.Context, chat identity.ChannelId, m message.Message)

// subscribers holds the facade's live fan-out of incoming channel messages,
// consulted by the update dispatcher installed in Run.
type subscribers struct {
	mu       sync.RWMutex
	handlers []NewMessageHandler
}

func (s *subscribers) add(h NewMessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

func (s *subscribers) dispatch(ctx context.Context, chat identity.ChannelId, m message.Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, h := range s.handlers {
		h(ctx, chat, m)
	}
}

// OnNewMessage registers handler to be invoked for every new channel message
// the facade observes, across all chats. LiveMonitor (C9) filters by its own
// configured chat set; the facade itself stays chat-agnostic (spec.md §4.9:
// one dispatcher, many subscribed pairs).
func (f *Facade) OnNewMessage(handler NewMessageHandler) {
	f.subsOnce.Do(func() { f.subs = &subscribers{} })
	f.subs.add(handler)
}

func (f *Facade) handleUpdateNewChannelMessage(ctx context.Context, u *tg.UpdateNewChannelMessage) error {
	raw, ok := u.Message.(*tg.Message)
	if !ok {
		return nil
	}
	peer, ok := raw.PeerID.(*tg.PeerChannel)
	if !ok {
		return nil
	}
	if f.subs == nil {
		return nil
	}
	chat := identity.ChannelId(peer.ChannelID)
	f.subs.dispatch(ctx, chat, convertMessage(chat, raw))
	return nil
}
