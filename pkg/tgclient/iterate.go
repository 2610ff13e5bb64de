package tgclient

import (
	"context"
	"fmt"

	"github.com/gotd/td/tg"

	"github.com/kelvinzhao/tgrelay/pkg/identity"
	"github.com/kelvinzhao/tgrelay/pkg/message"
)

// NewestID asks the SDK for the current newest message id in chat, used to
// resolve an open-ended end_id=0 range once at the start of a pair's run
// (spec.md §9: "resolved once at the start of each pair").
func (f *Facade) NewestID(ctx context.Context, chat identity.ChannelId) (int64, error) {
	var newest int64
	err := f.doRateLimited(ctx, "get_history", func(ctx context.Context) error {
		inputPeer, err := f.inputPeerForChannel(ctx, chat)
		if err != nil {
			return err
		}
		history, err := f.apiClient().MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:  inputPeer,
			Limit: 1,
		})
		if err != nil {
			return err
		}
		msgs, _ := extractMessages(history)
		if len(msgs) > 0 {
			newest = int64(msgs[0].GetID())
		}
		return nil
	})
	return newest, err
}

// GetMessages retrieves the complete message objects for ids in one SDK
// round-trip — the "single fetch" rule of spec.md §4.8 step 4.
func (f *Facade) GetMessages(ctx context.Context, chat identity.ChannelId, ids []int64) ([]message.Message, error) {
	var out []message.Message
	err := f.doRateLimited(ctx, "get_messages", func(ctx context.Context) error {
		inputChannel, err := f.inputChannelFor(ctx, chat)
		if err != nil {
			return err
		}

		inputIDs := make([]tg.InputMessageClass, len(ids))
		for i, id := range ids {
			inputIDs[i] = &tg.InputMessageID{ID: int(id)}
		}

		res, err := f.apiClient().ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
			Channel: inputChannel,
			ID:      inputIDs,
		})
		if err != nil {
			return err
		}

		raw, _ := extractMessages(res)
		out = make([]message.Message, 0, len(raw))
		for _, m := range raw {
			out = append(out, convertMessage(chat, m))
		}
		return nil
	})
	return out, err
}

// extractMessages normalizes the several MessagesMessagesClass variants
// gotd/td returns (Messages / MessagesSlice / ChannelMessages) to a flat
// slice.
func extractMessages(res tg.MessagesMessagesClass) ([]tg.MessageClass, bool) {
	switch v := res.(type) {
	case *tg.MessagesMessages:
		return v.Messages, true
	case *tg.MessagesMessagesSlice:
		return v.Messages, true
	case *tg.MessagesChannelMessages:
		return v.Messages, true
	default:
		return nil, false
	}
}

func convertMessage(chat identity.ChannelId, raw tg.MessageClass) message.Message {
	m, ok := raw.(*tg.Message)
	if !ok {
		return message.Message{ChatID: int64(chat)}
	}

	out := message.Message{
		ID:        int64(m.ID),
		ChatID:    int64(chat),
		Text:      m.Message,
		IsForward: m.Out == false && m.FwdFrom != nil,
		FileRef:   m,
	}
	if gid, ok := m.GetGroupedID(); ok {
		out.MediaGroupID = fmt.Sprintf("%d", gid)
	}
	out.MediaKind = classifyMedia(m)
	if out.MediaKind != message.KindText && out.MediaKind != message.KindUnknown {
		out.Caption = m.Message
		out.Text = ""
	}
	out.Entities = convertEntities(m.Entities)
	return out
}

func classifyMedia(m *tg.Message) message.MediaKind {
	media, ok := m.GetMedia()
	if !ok {
		return message.KindText
	}
	switch mm := media.(type) {
	case *tg.MessageMediaPhoto:
		return message.KindPhoto
	case *tg.MessageMediaDocument:
		return classifyDocument(mm)
	default:
		return message.KindDocument
	}
}

func classifyDocument(mm *tg.MessageMediaDocument) message.MediaKind {
	doc, ok := mm.Document.AsNotEmpty()
	if !ok {
		return message.KindDocument
	}
	for _, attr := range doc.Attributes {
		switch a := attr.(type) {
		case *tg.DocumentAttributeVideo:
			if a.RoundMessage {
				return message.KindVideoNote
			}
			return message.KindVideo
		case *tg.DocumentAttributeAudio:
			if a.Voice {
				return message.KindVoice
			}
			return message.KindAudio
		case *tg.DocumentAttributeAnimated:
			return message.KindAnimation
		case *tg.DocumentAttributeSticker:
			return message.KindSticker
		}
	}
	return message.KindDocument
}

func convertEntities(raw []tg.MessageEntityClass) []message.Entity {
	out := make([]message.Entity, 0, len(raw))
	for _, e := range raw {
		switch v := e.(type) {
		case *tg.MessageEntityURL:
			out = append(out, message.Entity{Kind: message.EntityURL, Offset: v.Offset, Length: v.Length})
		case *tg.MessageEntityTextURL:
			out = append(out, message.Entity{Kind: message.EntityTextLink, Offset: v.Offset, Length: v.Length})
		case *tg.MessageEntityEmail:
			out = append(out, message.Entity{Kind: message.EntityEmail, Offset: v.Offset, Length: v.Length})
		case *tg.MessageEntityPhone:
			out = append(out, message.Entity{Kind: message.EntityPhoneNumber, Offset: v.Offset, Length: v.Length})
		}
	}
	return out
}
