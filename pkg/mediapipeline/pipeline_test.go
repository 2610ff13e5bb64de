package mediapipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gotd/td/tg"

	"github.com/kelvinzhao/tgrelay/pkg/history"
	"github.com/kelvinzhao/tgrelay/pkg/message"
	"github.com/kelvinzhao/tgrelay/pkg/tgclient"
)

type fakeDownloader struct {
	content map[int64][]byte
}

func (f *fakeDownloader) DownloadMedia(ctx context.Context, m message.Message, destPath string, progress tgclient.ProgressFunc) error {
	data := f.content[m.ID]
	if data == nil {
		data = []byte("fake-bytes")
	}
	return os.WriteFile(destPath, data, 0o644)
}

type fakeUploader struct{ calls int }

func (f *fakeUploader) UploadFile(ctx context.Context, localPath string) (tg.InputFileClass, error) {
	f.calls++
	return &tg.InputFile{ID: int64(f.calls)}, nil
}

func openStore(t *testing.T) *history.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := history.Open(filepath.Join(dir, "h.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPrepareOne_TextSkipsDownload(t *testing.T) {
	p := New(&fakeDownloader{}, &fakeUploader{}, openStore(t), t.TempDir())
	t.Cleanup(p.Close)
	m := message.Message{ID: 1, MediaKind: message.KindText}
	dir, item, err := p.PrepareOne(context.Background(), m)
	if err != nil {
		t.Fatalf("PrepareOne: %v", err)
	}
	defer p.Cleanup(dir)
	if item.LocalPath != "" {
		t.Errorf("text message should not have a local path")
	}
}

func TestPrepareOne_DownloadsAndFingerprints(t *testing.T) {
	p := New(&fakeDownloader{}, &fakeUploader{}, openStore(t), t.TempDir())
	t.Cleanup(p.Close)
	m := message.Message{ID: 2, MediaKind: message.KindPhoto}
	dir, item, err := p.PrepareOne(context.Background(), m)
	if err != nil {
		t.Fatalf("PrepareOne: %v", err)
	}
	defer p.Cleanup(dir)
	if item.SHA256 == "" {
		t.Errorf("expected a fingerprint")
	}
	if _, err := os.Stat(item.LocalPath); err != nil {
		t.Errorf("expected downloaded file to exist: %v", err)
	}
}

func TestPrepareGroup_OrdersItemsByInputOrder(t *testing.T) {
	dl := &fakeDownloader{content: map[int64][]byte{
		10: []byte("aaa"), 11: []byte("bb"), 12: []byte("c"),
	}}
	p := New(dl, &fakeUploader{}, openStore(t), t.TempDir())
	t.Cleanup(p.Close)
	group := message.MediaGroup{
		GroupID: "g1",
		Messages: []message.Message{
			{ID: 10, MediaKind: message.KindPhoto},
			{ID: 11, MediaKind: message.KindPhoto},
			{ID: 12, MediaKind: message.KindPhoto},
		},
	}
	dir, items, err := p.PrepareGroup(context.Background(), 100, group)
	if err != nil {
		t.Fatalf("PrepareGroup: %v", err)
	}
	defer p.Cleanup(dir)
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	for i, it := range items {
		if it.Message.ID != group.Messages[i].ID {
			t.Errorf("item %d out of order: got message id %d", i, it.Message.ID)
		}
	}
}

func TestDedup_MarksSkippedAfterMarkUploaded(t *testing.T) {
	store := openStore(t)
	p := New(&fakeDownloader{}, &fakeUploader{}, store, t.TempDir())
	t.Cleanup(p.Close)
	m := message.Message{ID: 20, MediaKind: message.KindPhoto}
	dir, item, err := p.PrepareOne(context.Background(), m)
	if err != nil {
		t.Fatalf("PrepareOne: %v", err)
	}
	defer p.Cleanup(dir)

	ctx := context.Background()
	before, err := p.Dedup(ctx, 999, []PreparedItem{item})
	if err != nil {
		t.Fatalf("Dedup: %v", err)
	}
	if before[0].Skipped {
		t.Fatalf("should not be skipped before upload recorded")
	}

	p.MarkUploaded(ctx, item, 999)

	after, err := p.Dedup(ctx, 999, []PreparedItem{item})
	if err != nil {
		t.Fatalf("Dedup: %v", err)
	}
	if !after[0].Skipped {
		t.Errorf("expected skipped=true after MarkUploaded")
	}
}

func TestCleanup_RemovesScratchDir(t *testing.T) {
	p := New(&fakeDownloader{}, &fakeUploader{}, openStore(t), t.TempDir())
	t.Cleanup(p.Close)
	m := message.Message{ID: 30, MediaKind: message.KindPhoto}
	dir, _, err := p.PrepareOne(context.Background(), m)
	if err != nil {
		t.Fatalf("PrepareOne: %v", err)
	}
	p.Cleanup(dir)
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("expected scratch dir to be removed")
	}
}
