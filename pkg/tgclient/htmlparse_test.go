package tgclient

import (
	"testing"

	"github.com/gotd/td/tg"
)

func TestParseHTML_PlainText(t *testing.T) {
	text, entities := ParseHTML("hello world")
	if text != "hello world" {
		t.Fatalf("text = %q", text)
	}
	if len(entities) != 0 {
		t.Fatalf("expected no entities, got %d", len(entities))
	}
}

func TestParseHTML_BoldAndItalic(t *testing.T) {
	text, entities := ParseHTML("<b>bold</b> and <i>italic</i>")
	if text != "bold and italic" {
		t.Fatalf("text = %q", text)
	}
	if len(entities) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(entities))
	}

	bold, ok := entities[0].(*tg.MessageEntityBold)
	if !ok {
		t.Fatalf("entities[0] = %T, want *tg.MessageEntityBold", entities[0])
	}
	if bold.Offset != 0 || bold.Length != 4 {
		t.Errorf("bold = %+v, want offset=0 length=4", bold)
	}

	italic, ok := entities[1].(*tg.MessageEntityItalic)
	if !ok {
		t.Fatalf("entities[1] = %T, want *tg.MessageEntityItalic", entities[1])
	}
	if italic.Offset != 9 || italic.Length != 6 {
		t.Errorf("italic = %+v, want offset=9 length=6", italic)
	}
}

func TestParseHTML_Link(t *testing.T) {
	text, entities := ParseHTML(`see <a href="https://example.com">here</a> now`)
	if text != "see here now" {
		t.Fatalf("text = %q", text)
	}
	if len(entities) != 1 {
		t.Fatalf("expected 1 entity, got %d", len(entities))
	}
	link, ok := entities[0].(*tg.MessageEntityTextURL)
	if !ok {
		t.Fatalf("entities[0] = %T, want *tg.MessageEntityTextURL", entities[0])
	}
	if link.URL != "https://example.com" || link.Offset != 4 || link.Length != 4 {
		t.Errorf("link = %+v, want url=https://example.com offset=4 length=4", link)
	}
}

func TestParseHTML_EntityRefsAndBr(t *testing.T) {
	text, _ := ParseHTML("a &amp; b<br>c &lt; d")
	if text != "a & b\nc < d" {
		t.Fatalf("text = %q", text)
	}
}

func TestParseHTML_UnsupportedTagDropsTagKeepsContent(t *testing.T) {
	text, entities := ParseHTML("<p>paragraph</p>")
	if text != "paragraph" {
		t.Fatalf("text = %q", text)
	}
	if len(entities) != 0 {
		t.Fatalf("expected no entities for an unsupported tag, got %d", len(entities))
	}
}

func TestParseHTML_NestedTags(t *testing.T) {
	text, entities := ParseHTML("<b><i>both</i></b>")
	if text != "both" {
		t.Fatalf("text = %q", text)
	}
	if len(entities) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(entities))
	}
}
