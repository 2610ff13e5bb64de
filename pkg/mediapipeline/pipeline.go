// Package mediapipeline implements C6 MediaPipeline: a bounded-queue
// producer/consumer stage that turns a completed MediaGroupAssembler batch
// (or a single message) into concrete upload-ready media, deduplicated by
// content fingerprint per target: an item whose fingerprint history already
// records as uploaded to that same target is marked Skipped.
package mediapipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/h2non/filetype"
	"github.com/gotd/td/tg"
	"golang.org/x/sync/errgroup"

	"github.com/kelvinzhao/tgrelay/pkg/history"
	"github.com/kelvinzhao/tgrelay/pkg/logger"
	"github.com/kelvinzhao/tgrelay/pkg/message"
	"github.com/kelvinzhao/tgrelay/pkg/tgclient"
)

// Downloader is the subset of ClientFacade the pipeline needs to fetch
// media to local scratch space.
type Downloader interface {
	DownloadMedia(ctx context.Context, m message.Message, destPath string, progress tgclient.ProgressFunc) error
}

// Uploader is the subset of ClientFacade the pipeline needs to push a local
// file back out to the messaging network.
type Uploader interface {
	UploadFile(ctx context.Context, localPath string) (tg.InputFileClass, error)
}

// PreparedItem is one message's media, downloaded and ready to attach to an
// outgoing send/copy call.
type PreparedItem struct {
	Message   message.Message
	Kind      message.MediaKind
	LocalPath string
	SHA256    string
	Skipped   bool // true when history already recorded this upload
}

const (
	probeWorkers = 3

	// queueCapacity bounds how many groups/messages can be queued ahead of
	// the consumer pool at once. A caller submitting past this depth blocks
	// (back-pressure) instead of piling up unbounded scratch directories.
	queueCapacity = 6
)

type pipelineJob struct {
	ctx    context.Context
	fn     func(ctx context.Context) (string, []PreparedItem, error)
	result chan pipelineResult
}

type pipelineResult struct {
	scratchDir string
	items      []PreparedItem
	err        error
}

// Pipeline owns a scratch root and coordinates download → fingerprint →
// dedupe-check for groups and single messages alike, through a bounded
// queue serviced by a fixed consumer pool.
type Pipeline struct {
	downloader  Downloader
	uploader    Uploader
	store       *history.Store
	scratchRoot string

	mu sync.Mutex

	queue        chan *pipelineJob
	startOnce    sync.Once
	consumerWG   sync.WaitGroup
	consumerStop context.CancelFunc
	closed       bool
}

func New(downloader Downloader, uploader Uploader, store *history.Store, scratchRoot string) *Pipeline {
	return &Pipeline{
		downloader:  downloader,
		uploader:    uploader,
		store:       store,
		scratchRoot: scratchRoot,
		queue:       make(chan *pipelineJob, queueCapacity),
	}
}

// ensureStarted lazily launches the consumer pool on first submission, so a
// Pipeline built but never submitted to (as in most unit tests) never spins
// up goroutines.
func (p *Pipeline) ensureStarted() {
	p.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		p.consumerStop = cancel
		for i := 0; i < probeWorkers; i++ {
			p.consumerWG.Add(1)
			go p.consume(ctx)
		}
	})
}

func (p *Pipeline) consume(lifeCtx context.Context) {
	defer p.consumerWG.Done()
	for {
		select {
		case job, ok := <-p.queue:
			if !ok {
				return
			}
			p.runJob(lifeCtx, job)
		case <-lifeCtx.Done():
			return
		}
	}
}

// runJob executes one job's prepare function under a context that is
// cancelled either by the submitter's own ctx or by the pipeline shutting
// down, so Close can interrupt in-flight downloads/uploads.
func (p *Pipeline) runJob(lifeCtx context.Context, job *pipelineJob) {
	ctx, cancel := context.WithCancel(job.ctx)
	defer cancel()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-lifeCtx.Done():
			cancel()
		case <-done:
		}
	}()

	dir, items, err := job.fn(ctx)
	job.result <- pipelineResult{scratchDir: dir, items: items, err: err}
}

// submit enqueues fn and blocks until either a consumer runs it and returns
// a result, or ctx is cancelled. Queueing past queueCapacity blocks the
// caller: the back-pressure the spec asks for.
func (p *Pipeline) submit(ctx context.Context, fn func(ctx context.Context) (string, []PreparedItem, error)) (string, []PreparedItem, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return "", nil, ErrQueueClosed
	}

	p.ensureStarted()
	job := &pipelineJob{ctx: ctx, fn: fn, result: make(chan pipelineResult, 1)}

	select {
	case p.queue <- job:
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}

	select {
	case res := <-job.result:
		return res.scratchDir, res.items, res.err
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

// Close cancels any in-flight downloads/uploads, waits for the consumer
// pool to exit, and fails out anything still sitting in the queue so a
// submitter blocked on a result never hangs past shutdown.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	stop := p.consumerStop
	p.mu.Unlock()

	if stop != nil {
		stop()
	}
	p.consumerWG.Wait()

	for {
		select {
		case job := <-p.queue:
			job.result <- pipelineResult{err: ErrQueueClosed}
		default:
			return
		}
	}
}

// PrepareGroup downloads every message in group to a dedicated scratch
// directory, probing kind/hash with a bounded worker pool, and returns one
// PreparedItem per message in original order. The scratch directory is the
// caller's responsibility to clean up via Cleanup once the group has been
// sent.
func (p *Pipeline) PrepareGroup(ctx context.Context, source int64, group message.MediaGroup) (string, []PreparedItem, error) {
	return p.submit(ctx, func(ctx context.Context) (string, []PreparedItem, error) {
		return p.prepareGroupNow(ctx, source, group)
	})
}

func (p *Pipeline) prepareGroupNow(ctx context.Context, source int64, group message.MediaGroup) (string, []PreparedItem, error) {
	scratchDir := filepath.Join(p.scratchRoot, uuid.New().String())
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("mediapipeline: create scratch dir: %w", err)
	}

	items := make([]PreparedItem, len(group.Messages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeWorkers)

	for i, m := range group.Messages {
		i, m := i, m
		g.Go(func() error {
			item, err := p.prepareOne(gctx, scratchDir, m)
			if err != nil {
				return fmt.Errorf("prepare message %d: %w", m.ID, err)
			}
			items[i] = item
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		p.Cleanup(scratchDir)
		return "", nil, err
	}

	return scratchDir, items, nil
}

// PrepareOne downloads a single message's media into its own scratch
// directory (used for non-grouped media messages).
func (p *Pipeline) PrepareOne(ctx context.Context, m message.Message) (string, PreparedItem, error) {
	dir, items, err := p.submit(ctx, func(ctx context.Context) (string, []PreparedItem, error) {
		scratchDir := filepath.Join(p.scratchRoot, uuid.New().String())
		if err := os.MkdirAll(scratchDir, 0o755); err != nil {
			return "", nil, fmt.Errorf("mediapipeline: create scratch dir: %w", err)
		}
		item, err := p.prepareOne(ctx, scratchDir, m)
		if err != nil {
			p.Cleanup(scratchDir)
			return "", nil, err
		}
		return scratchDir, []PreparedItem{item}, nil
	})
	if err != nil {
		return "", PreparedItem{}, err
	}
	return dir, items[0], nil
}

func (p *Pipeline) prepareOne(ctx context.Context, scratchDir string, m message.Message) (PreparedItem, error) {
	if m.MediaKind == message.KindText {
		return PreparedItem{Message: m, Kind: message.KindText}, nil
	}
	if p.downloader == nil {
		return PreparedItem{}, ErrNoDownloader
	}

	dest := filepath.Join(scratchDir, fmt.Sprintf("%d", m.ID))
	if err := p.downloader.DownloadMedia(ctx, m, dest, nil); err != nil {
		return PreparedItem{}, err
	}

	sum, err := fingerprint(dest)
	if err != nil {
		return PreparedItem{}, err
	}

	kind := m.MediaKind
	if kind == message.KindUnknown || kind == message.KindDocument {
		if sniffed, ok := sniffKind(dest); ok {
			kind = sniffed
		}
	}

	return PreparedItem{Message: m, Kind: kind, LocalPath: dest, SHA256: sum}, nil
}

// Dedup checks history for a prior upload of this fingerprint to target,
// marking Skipped when found so the caller's forward logic can omit the
// item from the outgoing send instead of re-uploading content the target
// already received (copy-from-first-target's same-target, later-run case).
func (p *Pipeline) Dedup(ctx context.Context, target int64, items []PreparedItem) ([]PreparedItem, error) {
	out := make([]PreparedItem, len(items))
	for i, it := range items {
		if it.SHA256 == "" {
			out[i] = it
			continue
		}
		uploaded, err := p.store.IsUploaded(ctx, it.SHA256, target)
		if err != nil {
			return nil, fmt.Errorf("mediapipeline: dedup check: %w", err)
		}
		it.Skipped = uploaded
		out[i] = it
	}
	return out, nil
}

// MarkUploaded records a successful upload to target so later runs to that
// same target can skip re-uploading the identical file.
func (p *Pipeline) MarkUploaded(ctx context.Context, item PreparedItem, target int64) {
	if item.SHA256 == "" {
		return
	}
	if err := p.store.MarkUploaded(ctx, item.SHA256, target); err != nil {
		logger.WarnCF("mediapipeline", "failed to record upload", map[string]any{
			"error": err.Error(), "target": target,
		})
	}
}

// Upload pushes a prepared item's local file back out, for use when a
// native forward/copy is unavailable (chat_forwards_restricted) or the
// target never received this fingerprint before.
func (p *Pipeline) Upload(ctx context.Context, item PreparedItem) (tg.InputFileClass, error) {
	if p.uploader == nil {
		return nil, ErrNoUploader
	}
	return p.uploader.UploadFile(ctx, item.LocalPath)
}

// Cleanup removes a scratch directory and everything under it. Errors are
// logged, not returned: a leaked scratch dir is a disk-hygiene concern, not
// a forwarding failure.
func (p *Pipeline) Cleanup(scratchDir string) {
	if scratchDir == "" {
		return
	}
	if err := os.RemoveAll(scratchDir); err != nil {
		logger.WarnCF("mediapipeline", "failed to clean scratch dir", map[string]any{
			"path": scratchDir, "error": err.Error(),
		})
	}
}

func fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("mediapipeline: open for hashing: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, 1<<20)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func sniffKind(path string) (message.MediaKind, bool) {
	buf := make([]byte, 261)
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()
	n, _ := f.Read(buf)
	buf = buf[:n]

	kind, err := filetype.Match(buf)
	if err != nil || kind == filetype.Unknown {
		return "", false
	}

	switch {
	case filetype.IsImage(buf):
		return message.KindPhoto, true
	case filetype.IsVideo(buf):
		return message.KindVideo, true
	case filetype.IsAudio(buf):
		return message.KindAudio, true
	default:
		return message.KindDocument, true
	}
}
