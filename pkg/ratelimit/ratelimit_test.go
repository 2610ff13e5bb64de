package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kelvinzhao/tgrelay/pkg/events"
)

func TestDo_RetriesOnFloodWaitThenSucceeds(t *testing.T) {
	l := New(nil, WithMaxRetries(3), WithRate(1000, 1000))
	calls := 0

	err := l.Do(context.Background(), "send_message", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return &FloodWaitError{Seconds: 0}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestDo_GivesUpAfterMaxRetries(t *testing.T) {
	l := New(nil, WithMaxRetries(2), WithRate(1000, 1000))
	calls := 0

	err := l.Do(context.Background(), "send_message", func(ctx context.Context) error {
		calls++
		return &FloodWaitError{Seconds: 0}
	})
	if !errors.Is(err, ErrMaxRetriesExceeded) {
		t.Fatalf("expected ErrMaxRetriesExceeded, got %v", err)
	}
	if calls != 3 { // initial + 2 retries
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_NonFloodWaitErrorPassesThrough(t *testing.T) {
	l := New(nil, WithRate(1000, 1000))
	wantErr := errors.New("boom")

	err := l.Do(context.Background(), "op", func(ctx context.Context) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected passthrough error, got %v", err)
	}
}

func TestDo_CancellationDuringSleep(t *testing.T) {
	l := New(events.NewBus())
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := l.Do(ctx, "op", func(ctx context.Context) error {
		return &FloodWaitError{Seconds: 5}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDo_PacesCallsUnderRateLimit(t *testing.T) {
	l := New(nil, WithRate(10, 1))
	calls := 0

	start := time.Now()
	for i := 0; i < 3; i++ {
		err := l.Do(context.Background(), "op", func(ctx context.Context) error {
			calls++
			return nil
		})
		if err != nil {
			t.Fatalf("Do: %v", err)
		}
	}
	elapsed := time.Since(start)

	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	// burst 1 at 10/sec: the 2nd and 3rd calls each wait ~100ms for a token.
	if elapsed < 150*time.Millisecond {
		t.Errorf("expected pacing to delay calls, elapsed only %v", elapsed)
	}
}

func TestDo_PacerCancellation(t *testing.T) {
	l := New(nil, WithRate(1, 1))
	// Drain the single token so the next call blocks on the pacer.
	_ = l.Do(context.Background(), "op", func(ctx context.Context) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := l.Do(ctx, "op", func(ctx context.Context) error {
		t.Fatal("f should not run when the pacer wait is already cancelled")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
