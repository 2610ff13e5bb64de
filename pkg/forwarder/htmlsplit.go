package forwarder

import (
	"sort"
	"strings"
	"unicode/utf16"

	"github.com/gotd/td/tg"
)

type htmlSpan struct {
	start, end int // utf16 offsets
}

// splitHTMLMessage splits plainText (already parsed out of an HTML body by
// tgclient.ParseHTML) into chunks of at most maxLen runes, for delivery as
// several messages when final_message_html_path content doesn't fit in
// one. It never cuts inside an entity's span: a tentative cut that would
// land mid-entity is pushed back before the entity (or forward past it, if
// the entity itself starts at or before the chunk's start), and each
// chunk's entities are returned re-offset relative to that chunk.
func splitHTMLMessage(plainText string, entities []tg.MessageEntityClass, maxLen int) ([]string, [][]tg.MessageEntityClass) {
	runes := []rune(plainText)
	if len(runes) == 0 {
		return nil, nil
	}

	utf16Offset := make([]int, len(runes)+1)
	for i, r := range runes {
		utf16Offset[i+1] = utf16Offset[i] + len(utf16.Encode([]rune{r}))
	}

	spans := make([]htmlSpan, len(entities))
	for i, e := range entities {
		off, length := entityOffsetLength(e)
		spans[i] = htmlSpan{start: off, end: off + length}
	}

	var chunks []string
	var chunkEntities [][]tg.MessageEntityClass

	start := 0
	for start < len(runes) {
		var end int
		if start+maxLen >= len(runes) {
			end = len(runes)
		} else {
			end = adjustHTMLCut(runes, utf16Offset, spans, start, start+maxLen)
		}
		if end <= start {
			end = start + 1
		}

		chunkStartU16 := utf16Offset[start]
		chunkEndU16 := utf16Offset[end]

		var ents []tg.MessageEntityClass
		for i, sp := range spans {
			if sp.start >= chunkStartU16 && sp.end <= chunkEndU16 {
				ents = append(ents, rebaseHTMLEntity(entities[i], sp.start-chunkStartU16))
			}
		}

		chunks = append(chunks, strings.TrimSpace(string(runes[start:end])))
		chunkEntities = append(chunkEntities, ents)
		start = end
	}

	return chunks, chunkEntities
}

func adjustHTMLCut(runes []rune, utf16Offset []int, spans []htmlSpan, start, end int) int {
	cut := end
	for k := end - 1; k > start; k-- {
		if runes[k] == ' ' || runes[k] == '\n' {
			cut = k + 1
			break
		}
	}

	target := utf16Offset[cut]
	for _, sp := range spans {
		if target > sp.start && target < sp.end {
			if sp.start > start {
				return runeIndexForUTF16(utf16Offset, sp.start)
			}
			return runeIndexForUTF16(utf16Offset, sp.end)
		}
	}
	return cut
}

func runeIndexForUTF16(utf16Offset []int, target int) int {
	return sort.Search(len(utf16Offset), func(i int) bool { return utf16Offset[i] >= target })
}

func entityOffsetLength(e tg.MessageEntityClass) (int, int) {
	switch v := e.(type) {
	case *tg.MessageEntityBold:
		return v.Offset, v.Length
	case *tg.MessageEntityItalic:
		return v.Offset, v.Length
	case *tg.MessageEntityUnderline:
		return v.Offset, v.Length
	case *tg.MessageEntityStrike:
		return v.Offset, v.Length
	case *tg.MessageEntityCode:
		return v.Offset, v.Length
	case *tg.MessageEntityPre:
		return v.Offset, v.Length
	case *tg.MessageEntityTextURL:
		return v.Offset, v.Length
	default:
		return 0, 0
	}
}

func rebaseHTMLEntity(e tg.MessageEntityClass, newOffset int) tg.MessageEntityClass {
	switch v := e.(type) {
	case *tg.MessageEntityBold:
		return &tg.MessageEntityBold{Offset: newOffset, Length: v.Length}
	case *tg.MessageEntityItalic:
		return &tg.MessageEntityItalic{Offset: newOffset, Length: v.Length}
	case *tg.MessageEntityUnderline:
		return &tg.MessageEntityUnderline{Offset: newOffset, Length: v.Length}
	case *tg.MessageEntityStrike:
		return &tg.MessageEntityStrike{Offset: newOffset, Length: v.Length}
	case *tg.MessageEntityCode:
		return &tg.MessageEntityCode{Offset: newOffset, Length: v.Length}
	case *tg.MessageEntityPre:
		return &tg.MessageEntityPre{Offset: newOffset, Length: v.Length, Language: v.Language}
	case *tg.MessageEntityTextURL:
		return &tg.MessageEntityTextURL{Offset: newOffset, Length: v.Length, URL: v.URL}
	default:
		return e
	}
}
