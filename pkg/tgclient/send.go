package tgclient

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"github.com/kelvinzhao/tgrelay/pkg/identity"
	"github.com/kelvinzhao/tgrelay/pkg/message"
)

// ForwardMessages performs a native server-side forward: the cheapest wire
// path, used whenever the pair's filters make no changes and hide_author is
// false (spec.md §4.7 decision table, row 1).
func (f *Facade) ForwardMessages(ctx context.Context, from, to identity.ChannelId, ids []int64, silent bool) ([]int64, error) {
	var newIDs []int64
	err := f.doRateLimited(ctx, "forward_messages", func(ctx context.Context) error {
		fromPeer, err := f.inputPeerForChannel(ctx, from)
		if err != nil {
			return err
		}
		toPeer, err := f.inputPeerForChannel(ctx, to)
		if err != nil {
			return err
		}

		intIDs := make([]int, len(ids))
		for i, id := range ids {
			intIDs[i] = int(id)
		}

		updates, err := f.apiClient().MessagesForwardMessages(ctx, &tg.MessagesForwardMessagesRequest{
			FromPeer: fromPeer,
			ToPeer:   toPeer,
			ID:       intIDs,
			RandomID: randomIDs(len(ids)),
			Silent:   silent,
		})
		if err != nil {
			if isChatForwardsRestricted(err) {
				return ErrChatForwardsRestricted
			}
			return err
		}
		newIDs = extractNewMessageIDs(updates)
		return nil
	})
	return newIDs, err
}

// SendMessage sends a single text message, used for the reassembled path
// and for final_message_html_path delivery. entities carries parsed HTML
// rich-text formatting (nil for plain text); noWebpage suppresses the link
// preview per the pair's enable_web_page_preview setting.
func (f *Facade) SendMessage(ctx context.Context, to identity.ChannelId, text string, entities []tg.MessageEntityClass, noWebpage, silent bool) (int64, error) {
	var newID int64
	err := f.doRateLimited(ctx, "send_message", func(ctx context.Context) error {
		toPeer, err := f.inputPeerForChannel(ctx, to)
		if err != nil {
			return err
		}
		updates, err := f.apiClient().MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
			Peer:      toPeer,
			Message:   text,
			Entities:  entities,
			NoWebpage: noWebpage,
			RandomID:  randomID(),
			Silent:    silent,
		})
		if err != nil {
			return err
		}
		ids := extractNewMessageIDs(updates)
		if len(ids) > 0 {
			newID = ids[0]
		}
		return nil
	})
	return newID, err
}

// CopyMessage re-uploads a single message's media+text as a fresh message,
// used when the pair modifies text/captions or hides the author (row 2/3 of
// the decision table) and native forward is unavailable or unwanted.
func (f *Facade) CopyMessage(ctx context.Context, to identity.ChannelId, m message.Message, inputMedia tg.InputMediaClass, text string, silent bool) (int64, error) {
	var newID int64
	err := f.doRateLimited(ctx, "send_media", func(ctx context.Context) error {
		toPeer, err := f.inputPeerForChannel(ctx, to)
		if err != nil {
			return err
		}

		if inputMedia == nil {
			updates, err := f.apiClient().MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
				Peer:     toPeer,
				Message:  text,
				RandomID: randomID(),
				Silent:   silent,
			})
			if err != nil {
				return err
			}
			ids := extractNewMessageIDs(updates)
			if len(ids) > 0 {
				newID = ids[0]
			}
			return nil
		}

		updates, err := f.apiClient().MessagesSendMedia(ctx, &tg.MessagesSendMediaRequest{
			Peer:     toPeer,
			Media:    inputMedia,
			Message:  text,
			RandomID: randomID(),
			Silent:   silent,
		})
		if err != nil {
			if isChatForwardsRestricted(err) {
				return ErrChatForwardsRestricted
			}
			return err
		}
		ids := extractNewMessageIDs(updates)
		if len(ids) > 0 {
			newID = ids[0]
		}
		return nil
	})
	return newID, err
}

// CopyMediaGroup re-uploads an entire album in one request, preserving the
// grouped presentation on the target side.
func (f *Facade) CopyMediaGroup(ctx context.Context, to identity.ChannelId, items []tg.InputSingleMedia, silent bool) ([]int64, error) {
	var newIDs []int64
	err := f.doRateLimited(ctx, "send_multi_media", func(ctx context.Context) error {
		toPeer, err := f.inputPeerForChannel(ctx, to)
		if err != nil {
			return err
		}
		updates, err := f.apiClient().MessagesSendMultiMedia(ctx, &tg.MessagesSendMultiMediaRequest{
			Peer:       toPeer,
			MultiMedia: items,
			Silent:     silent,
		})
		if err != nil {
			if isChatForwardsRestricted(err) {
				return ErrChatForwardsRestricted
			}
			return err
		}
		newIDs = extractNewMessageIDs(updates)
		return nil
	})
	return newIDs, err
}

func randomID() int64 {
	return randomIDs(1)[0]
}

// randomIDs generates client-chosen random ids for outgoing requests, as
// required by the MTProto send RPCs to dedupe retried sends.
func randomIDs(n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = pseudoRandomInt64()
	}
	return out
}

var randCounter int64

// pseudoRandomInt64 avoids a hard dependency on crypto/rand for request ids;
// MTProto only requires client-side uniqueness within a session, not
// unpredictability.
func pseudoRandomInt64() int64 {
	randCounter++
	return randCounter ^ (1 << 62)
}

func extractNewMessageIDs(u tg.UpdatesClass) []int64 {
	var ids []int64
	switch v := u.(type) {
	case *tg.Updates:
		for _, upd := range v.Updates {
			if id, ok := messageIDFromUpdate(upd); ok {
				ids = append(ids, id)
			}
		}
	case *tg.UpdateShort:
		if id, ok := messageIDFromUpdate(v.Update); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func messageIDFromUpdate(u tg.UpdateClass) (int64, bool) {
	switch v := u.(type) {
	case *tg.UpdateNewChannelMessage:
		if m, ok := v.Message.(*tg.Message); ok {
			return int64(m.ID), true
		}
	case *tg.UpdateNewMessage:
		if m, ok := v.Message.(*tg.Message); ok {
			return int64(m.ID), true
		}
	case *tg.UpdateMessageID:
		return int64(v.ID), true
	}
	return 0, false
}

func isChatForwardsRestricted(err error) bool {
	return errors.Is(err, ErrChatForwardsRestricted) || tgerr.Is(err, "CHAT_FORWARDS_RESTRICTED")
}
