// Package mediagroup implements C5: live aggregation of messages sharing a
// media_group_id into complete groups, per spec.md §4.5. The ids of
// dispatched groups are kept for a while, and Add reports a message for
// one of them as late so the caller can evaluate it individually instead
// of silently dropping it; the late message itself is not stored.
package mediagroup

import (
	"sync"
	"time"

	"github.com/kelvinzhao/tgrelay/pkg/message"
)

const (
	DefaultQuiescenceTimeout = 8 * time.Second
	DefaultHardTimeout       = 20 * time.Second
	DefaultMinGroupSize      = 8
	DefaultSoftQuiescence    = 5 * time.Second
	dispatchedRetention      = 2 * time.Minute
)

type buffer struct {
	groupID    string
	chatID     int64
	messages   []message.Message
	firstSeen  time.Time
	lastSeen   time.Time
	totalCount int // 0 = unknown; set once the SDK exposes it
}

// Assembler is C5. It is safe for concurrent use, though spec.md §5 models
// it as single-writer/single-reader (the Monitor task).
type Assembler struct {
	mu sync.Mutex

	quiescence     time.Duration
	hardTimeout    time.Duration
	minSize        int
	softQuiescence time.Duration

	active     map[string]*buffer
	dispatched map[string]time.Time
}

type Option func(*Assembler)

func WithTimeouts(quiescence, hardTimeout, softQuiescence time.Duration, minSize int) Option {
	return func(a *Assembler) {
		a.quiescence = quiescence
		a.hardTimeout = hardTimeout
		a.softQuiescence = softQuiescence
		a.minSize = minSize
	}
}

func New(opts ...Option) *Assembler {
	a := &Assembler{
		quiescence:     DefaultQuiescenceTimeout,
		hardTimeout:    DefaultHardTimeout,
		minSize:        DefaultMinGroupSize,
		softQuiescence: DefaultSoftQuiescence,
		active:         make(map[string]*buffer),
		dispatched:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Add deposits m into its group's buffer. late is true when m arrived for a
// group that was already dispatched as complete — the caller should
// evaluate it individually rather than waiting for a (non-existent) future
// completion.
func (a *Assembler) Add(m message.Message, totalCount int) (late bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := message.GroupKey(m)

	if _, ok := a.dispatched[key]; ok {
		return true
	}

	b, ok := a.active[key]
	now := time.Now()
	if !ok {
		b = &buffer{groupID: key, chatID: m.ChatID, firstSeen: now}
		a.active[key] = b
	}
	b.messages = append(b.messages, m)
	b.lastSeen = now
	if totalCount > 0 {
		b.totalCount = totalCount
	}

	return false
}

// Sweep evaluates every active buffer against the four completeness
// conditions (§4.5) and returns newly complete groups, removing them from
// the active set. Call on a 1s ticker per spec.md §4.9.
func (a *Assembler) Sweep() []message.MediaGroup {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	var complete []message.MediaGroup

	for key, b := range a.active {
		if a.isComplete(b, now) {
			complete = append(complete, message.MediaGroup{GroupID: key, Messages: b.messages})
			delete(a.active, key)
			a.dispatched[key] = now
		}
	}

	a.evictExpiredDispatched(now)

	return complete
}

func (a *Assembler) isComplete(b *buffer, now time.Time) bool {
	if b.totalCount > 0 && len(b.messages) >= b.totalCount {
		return true
	}
	if now.Sub(b.lastSeen) >= a.quiescence {
		return true
	}
	if now.Sub(b.firstSeen) >= a.hardTimeout {
		return true
	}
	if len(b.messages) >= a.minSize && now.Sub(b.lastSeen) >= a.softQuiescence {
		return true
	}
	return false
}

func (a *Assembler) evictExpiredDispatched(now time.Time) {
	for key, at := range a.dispatched {
		if now.Sub(at) > dispatchedRetention {
			delete(a.dispatched, key)
		}
	}
}

// Flush force-completes every active buffer regardless of timeout,
// for use during cancellation/shutdown so in-flight groups are not lost.
func (a *Assembler) Flush() []message.MediaGroup {
	a.mu.Lock()
	defer a.mu.Unlock()

	var complete []message.MediaGroup
	now := time.Now()
	for key, b := range a.active {
		complete = append(complete, message.MediaGroup{GroupID: key, Messages: b.messages})
		delete(a.active, key)
		a.dispatched[key] = now
	}
	return complete
}

// ActiveCount reports the number of groups currently buffered, for
// diagnostics/memory-probe reporting.
func (a *Assembler) ActiveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.active)
}
