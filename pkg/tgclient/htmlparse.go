package tgclient

import (
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/gotd/td/tg"
)

// ParseHTML parses the constrained HTML subset §6.2 requires for
// final_message_html_path bodies (bold, italic, underline, strikethrough,
// code, pre, links, and <br>) into plain text plus the MTProto entities
// that reproduce the formatting. Offsets/lengths are counted in UTF-16
// code units, matching MessageEntity's wire semantics. Unsupported tags
// are dropped but their text content is kept; malformed markup degrades to
// plain text rather than erroring, since a final message sent slightly
// under-formatted beats one not sent at all.
//
// Written by hand against stdlib only: nothing in the retrieval pack
// exposes a ready-made gotd/td HTML-to-entities helper to ground this on.
func ParseHTML(html string) (string, []tg.MessageEntityClass) {
	type open struct {
		tag    string
		href   string
		offset int
	}

	var text strings.Builder
	var stack []open
	var entities []tg.MessageEntityClass
	utf16Len := 0

	writeText := func(s string) {
		if s == "" {
			return
		}
		text.WriteString(s)
		utf16Len += len(utf16.Encode([]rune(s)))
	}

	closeTag := func(name string) {
		for j := len(stack) - 1; j >= 0; j-- {
			if stack[j].tag != name {
				continue
			}
			o := stack[j]
			if length := utf16Len - o.offset; length > 0 {
				entities = append(entities, buildHTMLEntity(o.tag, o.href, o.offset, length))
			}
			stack = append(stack[:j], stack[j+1:]...)
			return
		}
	}

	runes := []rune(html)
	for i := 0; i < len(runes); {
		switch runes[i] {
		case '<':
			end := runeIndexFrom(runes, i, '>')
			if end < 0 {
				writeText(string(runes[i:]))
				i = len(runes)
				continue
			}
			raw := strings.TrimSpace(string(runes[i+1 : end]))
			i = end + 1
			if raw == "" {
				continue
			}
			if raw[0] == '/' {
				closeTag(canonicalHTMLTag(strings.ToLower(strings.TrimSpace(raw[1:]))))
				continue
			}
			raw = strings.TrimSuffix(raw, "/")
			rawName, attrs := splitHTMLTag(raw)
			name := canonicalHTMLTag(strings.ToLower(rawName))
			switch name {
			case "":
				// unsupported tag (p, div, span, ...): drop the tag, keep content
			case "br":
				writeText("\n")
			default:
				href := ""
				if name == "a" {
					href = htmlAttr(attrs, "href")
				}
				stack = append(stack, open{tag: name, href: href, offset: utf16Len})
			}
		case '&':
			end := runeIndexFrom(runes, i, ';')
			if end < 0 || end-i > 10 {
				writeText("&")
				i++
				continue
			}
			if decoded, ok := decodeHTMLEntityRef(string(runes[i+1 : end])); ok {
				writeText(decoded)
				i = end + 1
				continue
			}
			writeText("&")
			i++
		default:
			j := i
			for j < len(runes) && runes[j] != '<' && runes[j] != '&' {
				j++
			}
			writeText(string(runes[i:j]))
			i = j
		}
	}

	// Tags left open at EOF (malformed input) still get entities spanning
	// to the end of the text, rather than being silently dropped.
	for j := len(stack) - 1; j >= 0; j-- {
		o := stack[j]
		if length := utf16Len - o.offset; length > 0 {
			entities = append(entities, buildHTMLEntity(o.tag, o.href, o.offset, length))
		}
	}

	return text.String(), entities
}

func buildHTMLEntity(tag, href string, offset, length int) tg.MessageEntityClass {
	switch tag {
	case "b":
		return &tg.MessageEntityBold{Offset: offset, Length: length}
	case "i":
		return &tg.MessageEntityItalic{Offset: offset, Length: length}
	case "u":
		return &tg.MessageEntityUnderline{Offset: offset, Length: length}
	case "s":
		return &tg.MessageEntityStrike{Offset: offset, Length: length}
	case "code":
		return &tg.MessageEntityCode{Offset: offset, Length: length}
	case "pre":
		return &tg.MessageEntityPre{Offset: offset, Length: length}
	case "a":
		return &tg.MessageEntityTextURL{Offset: offset, Length: length, URL: href}
	default:
		return nil
	}
}

func canonicalHTMLTag(name string) string {
	switch name {
	case "b", "strong":
		return "b"
	case "i", "em":
		return "i"
	case "u", "ins":
		return "u"
	case "s", "strike", "del":
		return "s"
	case "code", "pre", "a", "br":
		return name
	default:
		return ""
	}
}

func splitHTMLTag(s string) (name, attrs string) {
	s = strings.TrimSpace(s)
	idx := strings.IndexAny(s, " \t\n")
	if idx < 0 {
		return s, ""
	}
	return s[:idx], s[idx+1:]
}

func htmlAttr(attrs, key string) string {
	lower := strings.ToLower(attrs)
	idx := strings.Index(lower, key+"=")
	if idx < 0 {
		return ""
	}
	rest := attrs[idx+len(key)+1:]
	if rest == "" {
		return ""
	}
	quote := rest[0]
	if quote != '"' && quote != '\'' {
		return ""
	}
	end := strings.IndexByte(rest[1:], quote)
	if end < 0 {
		return ""
	}
	return rest[1 : 1+end]
}

func decodeHTMLEntityRef(ref string) (string, bool) {
	switch ref {
	case "amp":
		return "&", true
	case "lt":
		return "<", true
	case "gt":
		return ">", true
	case "quot":
		return "\"", true
	case "apos", "#39":
		return "'", true
	}
	if strings.HasPrefix(ref, "#x") || strings.HasPrefix(ref, "#X") {
		if n, err := strconv.ParseInt(ref[2:], 16, 32); err == nil {
			return string(rune(n)), true
		}
		return "", false
	}
	if strings.HasPrefix(ref, "#") {
		if n, err := strconv.ParseInt(ref[1:], 10, 32); err == nil {
			return string(rune(n)), true
		}
	}
	return "", false
}

func runeIndexFrom(runes []rune, from int, target rune) int {
	for i := from; i < len(runes); i++ {
		if runes[i] == target {
			return i
		}
	}
	return -1
}
