package tgclient

import (
	"context"
	"fmt"
	"os"

	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"

	"github.com/kelvinzhao/tgrelay/pkg/message"
)

// ProgressFunc is the callback type DownloadMedia accepts for cumulative
// bytes written. DownloadMedia does not call it: a non-nil value only makes
// the download single-threaded. pkg/mediapipeline passes nil.
type ProgressFunc func(written int64)

// DownloadMedia fetches m's attached media to destPath. The rate limiter is
// intentionally NOT applied here: downloads stream over a long-lived
// connection rather than issuing a single bounded RPC, and gotd/td's
// downloader already paces chunk requests internally.
func (f *Facade) DownloadMedia(ctx context.Context, m message.Message, destPath string, progress ProgressFunc) error {
	raw, ok := m.FileRef.(*tg.Message)
	if !ok {
		return fmt.Errorf("tgclient: message %d has no downloadable backing object", m.ID)
	}
	media, ok := raw.GetMedia()
	if !ok {
		return fmt.Errorf("tgclient: message %d has no media", m.ID)
	}

	loc, size, err := fileLocation(media)
	if err != nil {
		return err
	}

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	defer out.Close()

	d := downloader.NewDownloader()
	builder := d.Download(f.apiClient(), loc)
	if progress != nil {
		builder = builder.WithThreads(1)
	}
	_ = size

	_, err = builder.Stream(ctx, out)
	if err != nil {
		return fmt.Errorf("download stream: %w", err)
	}
	return nil
}

func fileLocation(media tg.MessageMediaClass) (tg.InputFileLocationClass, int64, error) {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := m.Photo.AsNotEmpty()
		if !ok {
			return nil, 0, fmt.Errorf("tgclient: empty photo")
		}
		size := largestPhotoSize(photo.Sizes)
		return &tg.InputPhotoFileLocation{
			ID:            photo.ID,
			AccessHash:    photo.AccessHash,
			FileReference: photo.FileReference,
			ThumbSize:     size,
		}, 0, nil
	case *tg.MessageMediaDocument:
		doc, ok := m.Document.AsNotEmpty()
		if !ok {
			return nil, 0, fmt.Errorf("tgclient: empty document")
		}
		return &tg.InputDocumentFileLocation{
			ID:            doc.ID,
			AccessHash:    doc.AccessHash,
			FileReference: doc.FileReference,
		}, doc.Size, nil
	default:
		return nil, 0, fmt.Errorf("tgclient: unsupported media type for download")
	}
}

func largestPhotoSize(sizes []tg.PhotoSizeClass) string {
	var best string
	var bestArea int
	for _, s := range sizes {
		switch v := s.(type) {
		case *tg.PhotoSize:
			area := v.W * v.H
			if area > bestArea {
				bestArea = area
				best = v.Type
			}
		case *tg.PhotoCachedSize:
			area := v.W * v.H
			if area > bestArea {
				bestArea = area
				best = v.Type
			}
		}
	}
	if best == "" {
		best = "x"
	}
	return best
}
