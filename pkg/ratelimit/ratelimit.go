// Package ratelimit implements C1 of the design: a wrapper that retries a
// call when the messaging SDK signals a "must wait N seconds" flood-wait
// condition, with jitter, a retry cap, progress reporting for long waits,
// and a cancellable sleep.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/kelvinzhao/tgrelay/pkg/events"
	"github.com/kelvinzhao/tgrelay/pkg/logger"
)

// FloodWaitError is the sentinel SDK adapters (pkg/tgclient) must wrap any
// "flood wait" signal into before it reaches a Limiter.
type FloodWaitError struct {
	Seconds int
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait: %d seconds", e.Seconds)
}

var ErrMaxRetriesExceeded = errors.New("ratelimit: max retries exceeded")

const (
	defaultMaxRetries   = 5
	jitterFloor         = 500 * time.Millisecond
	jitterSpread        = 500 * time.Millisecond
	progressThreshold   = 10 * time.Second
	progressInterval    = 1 * time.Second

	// defaultRate and defaultBurst pace outbound calls to stay under
	// Telegram's per-account request ceiling before a flood wait is ever
	// signalled, mirroring the teacher's per-channel pacing limiter.
	defaultRate  = 2.0
	defaultBurst = 2
)

type Limiter struct {
	bus        *events.Bus
	maxRetries int
	pacer      *rate.Limiter
}

type Option func(*Limiter)

func WithMaxRetries(n int) Option {
	return func(l *Limiter) { l.maxRetries = n }
}

// WithRate overrides the pacing token bucket's rate (calls/sec) and burst.
func WithRate(callsPerSecond float64, burst int) Option {
	return func(l *Limiter) { l.pacer = rate.NewLimiter(rate.Limit(callsPerSecond), burst) }
}

func New(bus *events.Bus, opts ...Option) *Limiter {
	l := &Limiter{
		bus:        bus,
		maxRetries: defaultMaxRetries,
		pacer:      rate.NewLimiter(rate.Limit(defaultRate), defaultBurst),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Do paces the call through the pacing token bucket, then invokes f,
// retrying on FloodWaitError up to maxRetries times. Any other error is
// returned immediately. operation names the call for progress events and
// logs (e.g. "send_media_group").
func (l *Limiter) Do(ctx context.Context, operation string, f func(ctx context.Context) error) error {
	attempt := 0
	for {
		if err := l.pacer.Wait(ctx); err != nil {
			return err
		}

		err := f(ctx)
		if err == nil {
			return nil
		}

		var fw *FloodWaitError
		if !errors.As(err, &fw) {
			return err
		}

		attempt++
		if attempt > l.maxRetries {
			return fmt.Errorf("%w: %s after %d retries", ErrMaxRetriesExceeded, operation, attempt-1)
		}

		wait := time.Duration(fw.Seconds)*time.Second + jitter()
		logger.WarnCF("ratelimit", "flood wait received", map[string]any{
			"operation": operation, "seconds": fw.Seconds, "attempt": attempt,
		})
		if l.bus != nil {
			_ = l.bus.Publish(ctx, events.Event{
				Kind: events.FloodWaitDetected,
				At:   time.Now(),
				Payload: events.FloodWaitDetectedPayload{
					Seconds: fw.Seconds, Operation: operation,
				},
			})
		}

		if err := l.sleep(ctx, wait, operation); err != nil {
			return err
		}
	}
}

func jitter() time.Duration {
	return jitterFloor + time.Duration(rand.Int63n(int64(jitterSpread)))
}

// sleep blocks for wait, cancellable within ~200ms of ctx cancellation, and
// emits a progress event every progressInterval once wait crosses
// progressThreshold.
func (l *Limiter) sleep(ctx context.Context, wait time.Duration, operation string) error {
	deadline := time.Now().Add(wait)

	if wait < progressThreshold || l.bus == nil {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		select {
		case <-ticker.C:
			remaining = time.Until(deadline)
			_ = l.bus.Publish(ctx, events.Event{
				Kind: events.Progress,
				At:   time.Now(),
				Payload: events.ProgressPayload{
					Op:          operation,
					Current:     int((wait - remaining).Seconds()),
					Total:       int(wait.Seconds()),
					Description: fmt.Sprintf("rate limited, %.0fs remaining", remaining.Seconds()),
				},
			})
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
