package forwarder

import (
	"context"
	"errors"
	"fmt"

	"github.com/gotd/td/tg"

	"github.com/kelvinzhao/tgrelay/pkg/filter"
	"github.com/kelvinzhao/tgrelay/pkg/identity"
	"github.com/kelvinzhao/tgrelay/pkg/logger"
	"github.com/kelvinzhao/tgrelay/pkg/mediapipeline"
	"github.com/kelvinzhao/tgrelay/pkg/message"
	"github.com/kelvinzhao/tgrelay/pkg/tgclient"
)

// outcome mirrors spec.md's ForwardResult taxonomy for a single target.
type outcome string

const (
	outcomeNative    outcome = "native"
	outcomeCopied    outcome = "copied"
	outcomeReuploaded outcome = "reuploaded"
)

// GroupResult reports what happened when sending one filtered group (or
// singleton, size 1) to one target.
type GroupResult struct {
	Target    identity.ChannelId
	Outcome   outcome
	NewIDs    []int64
	Err       error
}

// DirectForwarder implements C7: picks the cheapest available wire
// behavior for a filtered group and a single target, falling back to
// MediaPipeline reassembly when the source restricts forwarding.
type DirectForwarder struct {
	client Client
	media  MediaPreparer
	silent bool
}

func NewDirectForwarder(client Client, media MediaPreparer, silent bool) *DirectForwarder {
	return &DirectForwarder{client: client, media: media, silent: silent}
}

// SendGroup delivers fg (the filter's output for one media-group or
// singleton) to target, choosing native forward, copy-batch, or full
// reassembly per §4.7's decision table. hideAuthor comes from the pair
// config: even an otherwise-untouched group must go through copy-batch
// (never native forward) when the pair hides the original author.
// noWebpage carries the pair's enable_web_page_preview setting into the
// text-only send paths reassembly may fall back to.
func (d *DirectForwarder) SendGroup(ctx context.Context, source identity.ChannelId, target identity.ChannelId, fg filter.FilteredGroup, sourceCanForward, hideAuthor, noWebpage bool) GroupResult {
	if len(fg.Messages) == 0 {
		return GroupResult{Target: target, Err: ErrEmptyGroup}
	}

	switch {
	case !fg.HasFiltering() && !fg.Modified && !hideAuthor:
		ids := messageIDs(fg.Messages)
		if sourceCanForward {
			newIDs, err := d.client.ForwardMessages(ctx, source, target, ids, d.silent)
			if err == nil {
				return GroupResult{Target: target, Outcome: outcomeNative, NewIDs: newIDs}
			}
			if !errors.Is(err, tgclient.ErrChatForwardsRestricted) {
				return GroupResult{Target: target, Err: err}
			}
			logger.WarnCF("forwarder", "native forward restricted, falling back to reassembly", map[string]any{
				"target": int64(target),
			})
		}
		return d.reassemble(ctx, source, target, fg, noWebpage)

	case !fg.HasFiltering():
		if sourceCanForward {
			newIDs, err := d.copyBatch(ctx, target, fg)
			if err == nil {
				return GroupResult{Target: target, Outcome: outcomeCopied, NewIDs: newIDs}
			}
			if !errors.Is(err, tgclient.ErrChatForwardsRestricted) {
				return GroupResult{Target: target, Err: err}
			}
			logger.WarnCF("forwarder", "copy restricted, falling back to reassembly", map[string]any{
				"target": int64(target),
			})
		}
		return d.reassemble(ctx, source, target, fg, noWebpage)

	default:
		return d.reassemble(ctx, source, target, fg, noWebpage)
	}
}

// SendGroupToTargets delivers fg to every target, paying the download+
// reupload cost of reassembly at most once: the first target goes through
// the normal SendGroup decision table, and if that required a reassembly
// (the only outcome that downloads source media), every remaining target
// gets the result copied from the first target's freshly sent messages
// instead of reassembling independently (§4.6/§4.7's copy-from-first-target
// optimization). Native-forward and copy-batch outcomes are already
// reference-based and cheap per target, so they're simply repeated.
func (d *DirectForwarder) SendGroupToTargets(ctx context.Context, source identity.ChannelId, targets []identity.ChannelId, fg filter.FilteredGroup, sourceCanForward, hideAuthor, noWebpage bool) []GroupResult {
	if len(targets) == 0 {
		return nil
	}

	results := make([]GroupResult, 0, len(targets))
	first := d.SendGroup(ctx, source, targets[0], fg, sourceCanForward, hideAuthor, noWebpage)
	results = append(results, first)

	if first.Err != nil || first.Outcome != outcomeReuploaded || len(first.NewIDs) == 0 {
		for _, target := range targets[1:] {
			results = append(results, d.SendGroup(ctx, source, target, fg, sourceCanForward, hideAuthor, noWebpage))
		}
		return results
	}

	for _, target := range targets[1:] {
		newIDs, err := d.client.ForwardMessages(ctx, targets[0], target, first.NewIDs, d.silent)
		if err != nil {
			logger.WarnCF("forwarder", "copy-from-first-target failed, reassembling directly", map[string]any{
				"target": int64(target), "error": err.Error(),
			})
			results = append(results, d.SendGroup(ctx, source, target, fg, sourceCanForward, hideAuthor, noWebpage))
			continue
		}
		results = append(results, GroupResult{Target: target, Outcome: outcomeCopied, NewIDs: newIDs})
	}
	return results
}

func messageIDs(msgs []message.Message) []int64 {
	ids := make([]int64, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

// copyBatch uses MTProto's "copy by reference" path for unfiltered groups
// that still need to avoid a native forward (hide_author, or text changed
// but the caption carrier survived filtering): it reuses the source
// message's existing media handle instead of downloading and re-uploading.
func (d *DirectForwarder) copyBatch(ctx context.Context, target identity.ChannelId, fg filter.FilteredGroup) ([]int64, error) {
	if len(fg.Messages) == 1 {
		m := fg.Messages[0]
		var inputMedia tg.InputMediaClass
		if m.MediaKind != message.KindText {
			var err error
			inputMedia, err = inputMediaByReference(m)
			if err != nil {
				return nil, err
			}
		}
		id, err := d.client.CopyMessage(ctx, target, m, inputMedia, fg.AttachedText, d.silent)
		if err != nil {
			return nil, err
		}
		return []int64{id}, nil
	}

	items := make([]tg.InputSingleMedia, 0, len(fg.Messages))
	for _, m := range fg.Messages {
		if m.MediaKind == message.KindText {
			continue
		}
		media, err := inputMediaByReference(m)
		if err != nil {
			return nil, err
		}
		caption := ""
		if len(items) == 0 {
			caption = fg.AttachedText
		}
		items = append(items, tg.InputSingleMedia{Media: media, Message: caption})
	}
	return d.client.CopyMediaGroup(ctx, target, items, d.silent)
}

// reassemble fetches/downloads media for the surviving messages and sends a
// freshly built group, used whenever the filter partially emptied the group
// or the source denies both native forward and copy. Before uploading, it
// checks Dedup against target: any item already uploaded there in a prior
// run is skipped (its media omitted from the outgoing group) rather than
// re-fetched and re-uploaded, and every item actually uploaded is recorded
// via MarkUploaded so later runs can skip it too.
func (d *DirectForwarder) reassemble(ctx context.Context, source identity.ChannelId, target identity.ChannelId, fg filter.FilteredGroup, noWebpage bool) GroupResult {
	if d.media == nil {
		return GroupResult{Target: target, Err: fmt.Errorf("forwarder: no media preparer configured for reassembly")}
	}

	if len(fg.Messages) == 1 {
		return d.reassembleOne(ctx, target, fg, noWebpage)
	}

	group := message.MediaGroup{GroupID: fg.GroupID, Messages: fg.Messages}
	scratchDir, items, err := d.media.PrepareGroup(ctx, int64(source), group)
	if err != nil {
		return GroupResult{Target: target, Err: fmt.Errorf("prepare group: %w", err)}
	}
	defer d.media.Cleanup(scratchDir)

	items, err = d.media.Dedup(ctx, int64(target), items)
	if err != nil {
		return GroupResult{Target: target, Err: fmt.Errorf("dedup group: %w", err)}
	}

	built := make([]tg.InputSingleMedia, 0, len(items))
	for _, item := range items {
		if item.Kind == message.KindText || item.Skipped {
			continue
		}
		file, err := d.media.Upload(ctx, item)
		if err != nil {
			return GroupResult{Target: target, Err: fmt.Errorf("upload item: %w", err)}
		}
		caption := ""
		if len(built) == 0 {
			caption = fg.AttachedText
		}
		media := buildInputMediaFromUpload(item.Kind, file)
		built = append(built, tg.InputSingleMedia{Media: media, Message: caption})
		d.media.MarkUploaded(ctx, item, int64(target))
	}

	if len(built) == 0 {
		id, err := d.client.SendMessage(ctx, target, fg.AttachedText, nil, noWebpage, d.silent)
		if err != nil {
			return GroupResult{Target: target, Err: err}
		}
		return GroupResult{Target: target, Outcome: outcomeReuploaded, NewIDs: []int64{id}}
	}

	newIDs, err := d.client.CopyMediaGroup(ctx, target, built, d.silent)
	if err != nil {
		return GroupResult{Target: target, Err: err}
	}
	return GroupResult{Target: target, Outcome: outcomeReuploaded, NewIDs: newIDs}
}

func (d *DirectForwarder) reassembleOne(ctx context.Context, target identity.ChannelId, fg filter.FilteredGroup, noWebpage bool) GroupResult {
	m := fg.Messages[0]
	if m.MediaKind == message.KindText {
		id, err := d.client.SendMessage(ctx, target, fg.AttachedText, nil, noWebpage, d.silent)
		if err != nil {
			return GroupResult{Target: target, Err: err}
		}
		return GroupResult{Target: target, Outcome: outcomeReuploaded, NewIDs: []int64{id}}
	}

	scratchDir, item, err := d.media.PrepareOne(ctx, m)
	if err != nil {
		return GroupResult{Target: target, Err: fmt.Errorf("prepare message: %w", err)}
	}
	defer d.media.Cleanup(scratchDir)

	deduped, err := d.media.Dedup(ctx, int64(target), []mediapipeline.PreparedItem{item})
	if err != nil {
		return GroupResult{Target: target, Err: fmt.Errorf("dedup message: %w", err)}
	}
	item = deduped[0]
	if item.Skipped {
		id, err := d.client.SendMessage(ctx, target, fg.AttachedText, nil, noWebpage, d.silent)
		if err != nil {
			return GroupResult{Target: target, Err: err}
		}
		return GroupResult{Target: target, Outcome: outcomeReuploaded, NewIDs: []int64{id}}
	}

	file, err := d.media.Upload(ctx, item)
	if err != nil {
		return GroupResult{Target: target, Err: fmt.Errorf("upload message: %w", err)}
	}

	inputMedia := buildInputMediaFromUpload(item.Kind, file)
	id, err := d.client.CopyMessage(ctx, target, m, inputMedia, fg.AttachedText, d.silent)
	if err != nil {
		return GroupResult{Target: target, Err: err}
	}
	d.media.MarkUploaded(ctx, item, int64(target))
	return GroupResult{Target: target, Outcome: outcomeReuploaded, NewIDs: []int64{id}}
}

func buildInputMediaFromUpload(kind message.MediaKind, file tg.InputFileClass) tg.InputMediaClass {
	return tgclient.BuildInputMedia(kind, file, "")
}

// inputMediaByReference builds an InputMedia that points at the source
// message's existing photo/document by id, avoiding a download+reupload
// round trip for the copy-batch path.
func inputMediaByReference(m message.Message) (tg.InputMediaClass, error) {
	raw, ok := m.FileRef.(*tg.Message)
	if !ok {
		return nil, fmt.Errorf("forwarder: message %d has no backing media reference", m.ID)
	}
	mediaClass, ok := raw.GetMedia()
	if !ok {
		return nil, fmt.Errorf("forwarder: message %d has no media", m.ID)
	}
	switch mm := mediaClass.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := mm.Photo.AsNotEmpty()
		if !ok {
			return nil, fmt.Errorf("forwarder: message %d has an empty photo", m.ID)
		}
		return &tg.InputMediaPhoto{
			ID: &tg.InputPhoto{
				ID:            photo.ID,
				AccessHash:    photo.AccessHash,
				FileReference: photo.FileReference,
			},
		}, nil
	case *tg.MessageMediaDocument:
		doc, ok := mm.Document.AsNotEmpty()
		if !ok {
			return nil, fmt.Errorf("forwarder: message %d has an empty document", m.ID)
		}
		return &tg.InputMediaDocument{
			ID: &tg.InputDocument{
				ID:            doc.ID,
				AccessHash:    doc.AccessHash,
				FileReference: doc.FileReference,
			},
		}, nil
	default:
		return nil, fmt.Errorf("forwarder: message %d has an unsupported media type for copy", m.ID)
	}
}
