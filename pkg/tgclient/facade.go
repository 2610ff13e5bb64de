// Package tgclient implements C11, ClientFacade: the stable adapter over
// gotd/td's MTProto client. It owns the session, auto-reconnects, detects
// clock-skew/auth-fatal conditions, and applies pkg/ratelimit to its
// history, send, forward and upload calls (peer resolution and media
// downloads are not rate-limited), so no consumer talks to the SDK
// directly (spec.md §4.11,
// §9 "cross-module shared client reference").
package tgclient

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/peers"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"github.com/kelvinzhao/tgrelay/pkg/config"
	"github.com/kelvinzhao/tgrelay/pkg/events"
	"github.com/kelvinzhao/tgrelay/pkg/identity"
	"github.com/kelvinzhao/tgrelay/pkg/logger"
	"github.com/kelvinzhao/tgrelay/pkg/ratelimit"
)

// Facade is the single owner of the gotd/td client reference; every
// consumer calls through it instead of caching the raw *telegram.Client.
type Facade struct {
	cfg         config.GeneralConfig
	sessionPath string
	bus         *events.Bus
	limiter     *ratelimit.Limiter

	client *telegram.Client

	mu        sync.RWMutex
	api       *tg.Client
	peerMgr   *peers.Manager
	connected atomic.Bool

	subs     *subscribers
	subsOnce sync.Once

	authFatal chan struct{}
	once      sync.Once
}

func New(cfg config.GeneralConfig, sessionPath string, bus *events.Bus, limiter *ratelimit.Limiter) *Facade {
	return &Facade{
		cfg:         cfg,
		sessionPath: sessionPath,
		bus:         bus,
		limiter:     limiter,
		authFatal:   make(chan struct{}),
	}
}

// AuthFatal is closed when a clock-skew or auth-fatal condition is detected
// (§4.11): the host is expected to shut down cleanly after informing the
// user.
func (f *Facade) AuthFatal() <-chan struct{} {
	return f.authFatal
}

func (f *Facade) signalAuthFatal(reason string) {
	f.once.Do(func() {
		logger.ErrorCF("tgclient", "terminal auth/clock-skew condition", map[string]any{"reason": reason})
		close(f.authFatal)
	})
}

// Run connects, authenticates if necessary, and blocks running fn with the
// live API handle until ctx is cancelled or a terminal error occurs. It
// auto-reconnects with capped exponential backoff on transient
// disconnects, emitting connection_lost/connection_restored events.
func (f *Facade) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	storage := &session.FileStorage{Path: f.sessionPath}

	dispatcher := tg.NewUpdateDispatcher()
	dispatcher.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		return f.handleUpdateNewChannelMessage(ctx, u)
	})

	opts := telegram.Options{
		SessionStorage: storage,
		UpdateHandler:  dispatcher,
	}
	if f.cfg.Proxy.Host != "" {
		logger.InfoCF("tgclient", "proxy configured but dial transport must be supplied by the host", map[string]any{
			"scheme": f.cfg.Proxy.Scheme, "host": f.cfg.Proxy.Host,
		})
	}

	f.client = telegram.NewClient(f.cfg.APIID, f.cfg.APIHash, opts)

	backoff := time.Second
	const maxBackoff = 2 * time.Minute

	for {
		err := f.client.Run(ctx, func(ctx context.Context) error {
			f.mu.Lock()
			f.api = f.client.API()
			mgr, mgrErr := buildPeerManager(f.api)
			f.peerMgr = mgr
			f.mu.Unlock()
			if mgrErr != nil {
				return mgrErr
			}

			if err := f.ensureAuthorized(ctx); err != nil {
				return err
			}

			f.markConnected(true)
			defer f.markConnected(false)

			return fn(ctx)
		})

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			return nil
		}

		if isClockSkew(err) {
			f.signalAuthFatal("clock_skew")
			return ErrTimeSync
		}
		if isAuthFatal(err) {
			f.signalAuthFatal("auth")
			return ErrAuth
		}

		logger.WarnCF("tgclient", "connection lost, retrying", map[string]any{
			"error": err.Error(), "backoff_seconds": backoff.Seconds(),
		})
		f.publish(ctx, events.ConnectionLost, nil)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (f *Facade) markConnected(up bool) {
	prev := f.connected.Swap(up)
	if prev == up {
		return
	}
	kind := events.ConnectionRestored
	if !up {
		kind = events.ConnectionLost
	}
	f.publish(context.Background(), kind, nil)
}

func (f *Facade) publish(ctx context.Context, kind events.Kind, payload any) {
	if f.bus == nil {
		return
	}
	_ = f.bus.Publish(ctx, events.Event{Kind: kind, At: time.Now(), Payload: payload})
}

func (f *Facade) apiClient() *tg.Client {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.api
}

func (f *Facade) peers() *peers.Manager {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.peerMgr
}

func buildPeerManager(api *tg.Client) (*peers.Manager, error) {
	if api == nil {
		return nil, errors.New("tgclient: nil api client")
	}
	return peers.Options{}.Build(api), nil
}

// doRateLimited runs op through the shared Limiter, translating gotd/td
// flood-wait errors into ratelimit.FloodWaitError first.
func (f *Facade) doRateLimited(ctx context.Context, name string, op func(ctx context.Context) error) error {
	return f.limiter.Do(ctx, name, func(ctx context.Context) error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if d, ok := tgerr.AsFloodWait(err); ok {
			return &ratelimit.FloodWaitError{Seconds: int(d.Seconds())}
		}
		return err
	})
}

var _ identity.SDKResolver = (*Facade)(nil)

func isClockSkew(err error) bool {
	return tgerr.Is(err, "MSG_SEQ_TOO_LOW") || tgerr.Is(err, "MSG_SEQ_TOO_HIGH") || tgerr.Is(err, "TIME_DIFFERENCE_INVALID")
}

func isAuthFatal(err error) bool {
	return tgerr.Is(err, "AUTH_KEY_UNREGISTERED") || tgerr.Is(err, "SESSION_REVOKED") || tgerr.Is(err, "USER_DEACTIVATED")
}

func chatIDString(id identity.ChannelId) string {
	return strconv.FormatInt(int64(id), 10)
}

func fmtOp(op string, id identity.ChannelId) string {
	return fmt.Sprintf("%s(%d)", op, int64(id))
}
