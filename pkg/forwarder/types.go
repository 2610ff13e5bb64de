package forwarder

import (
	"context"

	"github.com/gotd/td/tg"

	"github.com/kelvinzhao/tgrelay/pkg/identity"
	"github.com/kelvinzhao/tgrelay/pkg/mediapipeline"
	"github.com/kelvinzhao/tgrelay/pkg/message"
)

// Client is the subset of ClientFacade the forwarder needs, kept narrow so
// the package can be tested against a fake instead of a live MTProto
// session.
type Client interface {
	ForwardMessages(ctx context.Context, from, to identity.ChannelId, ids []int64, silent bool) ([]int64, error)
	CopyMessage(ctx context.Context, to identity.ChannelId, m message.Message, inputMedia tg.InputMediaClass, text string, silent bool) (int64, error)
	CopyMediaGroup(ctx context.Context, to identity.ChannelId, items []tg.InputSingleMedia, silent bool) ([]int64, error)
	SendMessage(ctx context.Context, to identity.ChannelId, text string, entities []tg.MessageEntityClass, noWebpage, silent bool) (int64, error)
	NewestID(ctx context.Context, chat identity.ChannelId) (int64, error)
	GetMessages(ctx context.Context, chat identity.ChannelId, ids []int64) ([]message.Message, error)
}

// Resolver is the subset of identity.Resolver the forwarder needs.
type Resolver interface {
	CanForward(ctx context.Context, id identity.ChannelId) (bool, error)
	Prime(ctx context.Context, ids []identity.ChannelId)
}

// MediaPreparer is the subset of mediapipeline.Pipeline the forwarder needs
// for the reassemble/upload path.
type MediaPreparer interface {
	PrepareGroup(ctx context.Context, source int64, group message.MediaGroup) (string, []mediapipeline.PreparedItem, error)
	PrepareOne(ctx context.Context, m message.Message) (string, mediapipeline.PreparedItem, error)
	Cleanup(scratchDir string)
	Upload(ctx context.Context, item mediapipeline.PreparedItem) (tg.InputFileClass, error)
	Dedup(ctx context.Context, target int64, items []mediapipeline.PreparedItem) ([]mediapipeline.PreparedItem, error)
	MarkUploaded(ctx context.Context, item mediapipeline.PreparedItem, target int64)
}

// Pair is the runtime, fully-resolved form of config.PairConfig: identifiers
// have already been turned into ChannelId by PairController.
type Pair struct {
	Source  identity.ChannelId
	Targets []identity.ChannelId
	Name    string // source identifier string, for logging
}
