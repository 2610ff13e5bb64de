package tgclient

import (
	"context"
	"fmt"

	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"

	"github.com/kelvinzhao/tgrelay/pkg/message"
)

// UploadFile streams localPath to Telegram's upload DCs and returns a
// reference usable in a single outgoing media message. Large files are
// chunked internally by the uploader.
func (f *Facade) UploadFile(ctx context.Context, localPath string) (tg.InputFileClass, error) {
	var file tg.InputFileClass
	err := f.doRateLimited(ctx, "upload_file", func(ctx context.Context) error {
		u := uploader.NewUploader(f.apiClient())
		uploaded, err := u.FromPath(ctx, localPath)
		if err != nil {
			return fmt.Errorf("upload %s: %w", localPath, err)
		}
		file = uploaded
		return nil
	})
	return file, err
}

// BuildInputMedia wraps an uploaded file reference in the InputMedia variant
// matching kind, for use with CopyMessage/CopyMediaGroup.
func BuildInputMedia(kind message.MediaKind, file tg.InputFileClass, caption string) tg.InputMediaClass {
	switch kind {
	case message.KindPhoto:
		return &tg.InputMediaUploadedPhoto{File: file}
	default:
		mime := mimeForKind(kind)
		attrs := attributesForKind(kind)
		return &tg.InputMediaUploadedDocument{
			File:       file,
			MimeType:   mime,
			Attributes: attrs,
		}
	}
}

func mimeForKind(kind message.MediaKind) string {
	switch kind {
	case message.KindVideo, message.KindVideoNote, message.KindAnimation:
		return "video/mp4"
	case message.KindAudio, message.KindVoice:
		return "audio/ogg"
	case message.KindSticker:
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

func attributesForKind(kind message.MediaKind) []tg.DocumentAttributeClass {
	switch kind {
	case message.KindVideo:
		return []tg.DocumentAttributeClass{&tg.DocumentAttributeVideo{}}
	case message.KindVideoNote:
		return []tg.DocumentAttributeClass{&tg.DocumentAttributeVideo{RoundMessage: true}}
	case message.KindAnimation:
		return []tg.DocumentAttributeClass{&tg.DocumentAttributeAnimated{}}
	case message.KindVoice:
		return []tg.DocumentAttributeClass{&tg.DocumentAttributeAudio{Voice: true}}
	case message.KindAudio:
		return []tg.DocumentAttributeClass{&tg.DocumentAttributeAudio{}}
	default:
		return nil
	}
}

// BuildGroupedMedia wraps an uploaded file in an InputSingleMedia item for
// CopyMediaGroup, pairing each item with its own caption.
func BuildGroupedMedia(kind message.MediaKind, file tg.InputFileClass, caption string) tg.InputSingleMedia {
	return tg.InputSingleMedia{
		Media:    BuildInputMedia(kind, file, caption),
		RandomID: randomID(),
		Message:  caption,
	}
}
