// Package message defines the domain types shared by the filter, media
// group assembler, forwarder, and monitor: the Message capability set and
// its MediaGroup grouping (spec.md §3).
package message

import "time"

// MediaKind enumerates the media gate values recognized by media_types.
type MediaKind string

const (
	KindText      MediaKind = "text"
	KindPhoto     MediaKind = "photo"
	KindVideo     MediaKind = "video"
	KindDocument  MediaKind = "document"
	KindAudio     MediaKind = "audio"
	KindAnimation MediaKind = "animation"
	KindSticker   MediaKind = "sticker"
	KindVoice     MediaKind = "voice"
	KindVideoNote MediaKind = "video_note"
	KindUnknown   MediaKind = ""
)

// EntityKind enumerates the message-entity kinds the filter inspects for
// link detection (spec.md §4.4 step 2).
type EntityKind string

const (
	EntityURL         EntityKind = "url"
	EntityTextLink    EntityKind = "text_link"
	EntityEmail       EntityKind = "email"
	EntityPhoneNumber EntityKind = "phone_number"
	EntityOther       EntityKind = "other"
)

type Entity struct {
	Kind   EntityKind
	Offset int
	Length int
}

// Message is the capability set of spec.md §3.
type Message struct {
	ID           int64
	ChatID       int64
	Text         string
	Caption      string
	MediaKind    MediaKind
	MediaGroupID string
	IsForward    bool
	ReplyParent  int64
	Entities     []Entity
	Timestamp    time.Time

	// FileRef is an opaque SDK-level reference to the message's media (if
	// any), used by MediaPipeline/DirectForwarder to fetch or copy it
	// without refetching the Message itself.
	FileRef any
}

// AttachedText returns the text that carries this message's content:
// Caption for media messages, Text for pure-text ones.
func (m Message) AttachedText() string {
	if m.Caption != "" {
		return m.Caption
	}
	return m.Text
}

// IsTextOnly reports whether m carries no media attachment.
func (m Message) IsTextOnly() bool {
	return m.MediaKind == KindUnknown || m.MediaKind == KindText
}

// MediaGroup is a set of Messages sharing MediaGroupID (spec.md §3). Once
// declared complete by the assembler it must not be mutated.
type MediaGroup struct {
	GroupID  string
	Messages []Message
}

// GroupKey returns m.MediaGroupID, or a synthetic per-message key for
// singletons so the filter can treat every message as belonging to some
// group (spec.md §4.4 step 3: "singletons are groups of 1").
func GroupKey(m Message) string {
	if m.MediaGroupID != "" {
		return m.MediaGroupID
	}
	return "single:" + itoa(m.ChatID) + ":" + itoa(m.ID)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
