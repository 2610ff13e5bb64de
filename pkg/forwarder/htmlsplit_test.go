package forwarder

import (
	"strings"
	"testing"

	"github.com/gotd/td/tg"
)

func TestSplitHTMLMessage_FitsInOneChunk(t *testing.T) {
	chunks, entities := splitHTMLMessage("short text", nil, 4000)
	if len(chunks) != 1 || chunks[0] != "short text" {
		t.Fatalf("chunks = %v", chunks)
	}
	if len(entities) != 1 || len(entities[0]) != 0 {
		t.Fatalf("expected a single chunk with no entities, got %v", entities)
	}
}

func TestSplitHTMLMessage_SplitsOnWordBoundary(t *testing.T) {
	text := strings.Repeat("word ", 20) // 100 runes
	chunks, _ := splitHTMLMessage(text, nil, 30)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		fields := strings.Fields(c)
		if len(fields) == 0 {
			t.Fatalf("chunk %d is empty", i)
		}
		for _, f := range fields {
			if f != "word" {
				t.Fatalf("chunk %d cut inside a word: %q", i, c)
			}
		}
	}
	if !strings.Contains(strings.Join(chunks, " "), "word") {
		t.Fatalf("lost content across chunks: %v", chunks)
	}
}

func TestSplitHTMLMessage_NeverSplitsAnEntity(t *testing.T) {
	// "aaaaaaaaaa<BOLD 10..20>bbbbbbbbbb" with maxLen=15 would naturally cut
	// at rune 15, landing inside the bold span (10-20): the cut must move.
	text := strings.Repeat("a", 10) + strings.Repeat("b", 10)
	entities := []tg.MessageEntityClass{&tg.MessageEntityBold{Offset: 10, Length: 10}}

	chunks, chunkEntities := splitHTMLMessage(text, entities, 15)
	if len(chunks) < 2 {
		t.Fatalf("expected at least 2 chunks, got %d", len(chunks))
	}

	for i, ents := range chunkEntities {
		for _, e := range ents {
			b, ok := e.(*tg.MessageEntityBold)
			if !ok {
				continue
			}
			chunkLen := len([]rune(chunks[i]))
			if b.Offset < 0 || b.Offset+b.Length > chunkLen {
				t.Errorf("chunk %d: entity %+v out of bounds for chunk length %d", i, b, chunkLen)
			}
		}
	}

	// the bold span must appear whole in exactly one chunk.
	found := 0
	for _, ents := range chunkEntities {
		for _, e := range ents {
			if b, ok := e.(*tg.MessageEntityBold); ok && b.Length == 10 {
				found++
			}
		}
	}
	if found != 1 {
		t.Errorf("expected the 10-length bold entity to survive whole in exactly one chunk, found %d", found)
	}
}

func TestSplitHTMLMessage_Empty(t *testing.T) {
	chunks, entities := splitHTMLMessage("", nil, 100)
	if chunks != nil || entities != nil {
		t.Fatalf("expected nil/nil for empty input, got %v %v", chunks, entities)
	}
}
