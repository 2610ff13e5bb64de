package mediagroup

import (
	"testing"
	"time"

	"github.com/kelvinzhao/tgrelay/pkg/message"
)

func msg(id int64, group string) message.Message {
	return message.Message{ID: id, ChatID: 1, MediaGroupID: group, MediaKind: message.KindPhoto}
}

func TestAdd_CompletesOnTotalCount(t *testing.T) {
	a := New()
	a.Add(msg(1, "g1"), 2)
	a.Add(msg(2, "g1"), 2)

	groups := a.Sweep()
	if len(groups) != 1 {
		t.Fatalf("expected 1 complete group, got %d", len(groups))
	}
	if len(groups[0].Messages) != 2 {
		t.Fatalf("expected 2 messages in group, got %d", len(groups[0].Messages))
	}
}

func TestAdd_NotCompleteBeforeTimeout(t *testing.T) {
	a := New(WithTimeouts(8*time.Second, 20*time.Second, 5*time.Second, 8))
	a.Add(msg(1, "g1"), 0)

	groups := a.Sweep()
	if len(groups) != 0 {
		t.Fatalf("expected no complete groups yet, got %d", len(groups))
	}
	if a.ActiveCount() != 1 {
		t.Fatalf("expected 1 active group, got %d", a.ActiveCount())
	}
}

func TestAdd_CompletesOnQuiescence(t *testing.T) {
	a := New(WithTimeouts(10*time.Millisecond, time.Hour, time.Hour, 1000))
	a.Add(msg(1, "g1"), 0)

	time.Sleep(20 * time.Millisecond)
	groups := a.Sweep()
	if len(groups) != 1 {
		t.Fatalf("expected quiescence to complete the group, got %d", len(groups))
	}
}

func TestLateArrival_RoutedIndividually(t *testing.T) {
	a := New(WithTimeouts(5*time.Millisecond, time.Hour, time.Hour, 1000))
	a.Add(msg(1, "g1"), 0)
	time.Sleep(10 * time.Millisecond)
	a.Sweep() // dispatches g1

	late := a.Add(msg(2, "g1"), 0)
	if !late {
		t.Fatal("expected message arriving after dispatch to be marked late")
	}
}

func TestFlush_ReturnsAllActiveRegardlessOfTimeout(t *testing.T) {
	a := New()
	a.Add(msg(1, "g1"), 0)
	a.Add(msg(2, "g2"), 0)

	groups := a.Flush()
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups flushed, got %d", len(groups))
	}
	if a.ActiveCount() != 0 {
		t.Fatalf("expected active buffers cleared after flush, got %d", a.ActiveCount())
	}
}
