// Package filter implements C4, the algorithmic heart of the engine: the
// six-stage pure pipeline both BatchForwarder and LiveMonitor run every
// message through. Stage order is contractual (spec.md §4.4) — tests
// depend on it, so do not reorder.
package filter

import (
	"regexp"
	"sort"
	"strings"

	"github.com/kelvinzhao/tgrelay/pkg/config"
	"github.com/kelvinzhao/tgrelay/pkg/message"
	"github.com/kelvinzhao/tgrelay/pkg/utils"
)

// DroppedMessage records why a single message did not survive the
// pipeline. GroupLevel distinguishes a whole-group drop (keyword filter)
// from a per-message drop (link exclusion, media-type gate) — only the
// former should collapse to a single event per group id downstream.
type DroppedMessage struct {
	Message    message.Message
	GroupID    string
	Reason     string
	GroupLevel bool
}

// FilteredGroup is a surviving media group (or singleton) with its
// computed outbound caption.
type FilteredGroup struct {
	GroupID      string
	Messages     []message.Message // surviving members, chronological
	OriginalSize int
	AttachedText string
	Modified     bool
}

// HasFiltering reports whether this group lost members during filtering
// (spec.md §4.4 post-condition), used by DirectForwarder to decide between
// native-forward/copy and reassembly.
func (g FilteredGroup) HasFiltering() bool {
	return len(g.Messages) != g.OriginalSize
}

type Stats struct {
	TotalIn      int
	TotalKept    int
	TotalDropped int
}

type Result struct {
	Groups          []FilteredGroup
	Dropped         []DroppedMessage
	MediaGroupTexts map[string]string
	Stats           Stats
}

var linkRe = regexp.MustCompile(`(?i)(https?://|www\.|t\.me/|telegram\.me/)`)

var linkEntityKinds = map[message.EntityKind]bool{
	message.EntityURL:         true,
	message.EntityTextLink:    true,
	message.EntityEmail:       true,
	message.EntityPhoneNumber: true,
}

// Apply runs the full pipeline over msgs (which may span several media
// groups and singletons belonging to one pair) using pair's configuration.
func Apply(msgs []message.Message, pair config.PairConfig) Result {
	sorted := make([]message.Message, len(msgs))
	copy(sorted, msgs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	result := Result{
		MediaGroupTexts: preExtractGroupTexts(sorted),
		Stats:           Stats{TotalIn: len(sorted)},
	}

	// Stage 2: universal exclusions (per message).
	afterExclusions := make([]message.Message, 0, len(sorted))
	for _, m := range sorted {
		if pair.ExcludeLinks && containsLink(m) {
			result.Dropped = append(result.Dropped, DroppedMessage{
				Message: m, GroupID: message.GroupKey(m), Reason: "link",
			})
			continue
		}
		afterExclusions = append(afterExclusions, m)
	}

	// Group in first-seen order so output is deterministic.
	groupOrder, groups := groupByKey(afterExclusions)

	// Stage 3: keyword filter, group-aware.
	survivingOrder := make([]string, 0, len(groupOrder))
	surviving := make(map[string][]message.Message, len(groups))
	for _, key := range groupOrder {
		members := groups[key]
		if len(pair.Keywords) > 0 && !groupMatchesKeywords(members, pair.Keywords) {
			for _, m := range members {
				result.Dropped = append(result.Dropped, DroppedMessage{
					Message: m, GroupID: key, Reason: "keyword", GroupLevel: true,
				})
			}
			continue
		}
		survivingOrder = append(survivingOrder, key)
		surviving[key] = members
	}

	// Stage 4: media-type filter, message-level within each surviving group.
	mediaTypes := toSet(pair.EffectiveMediaTypes())
	for _, key := range survivingOrder {
		members := surviving[key]
		originalSize := len(members)
		kept := make([]message.Message, 0, len(members))
		for _, m := range members {
			if mediaTypeAllowed(m, mediaTypes) {
				kept = append(kept, m)
			} else {
				result.Dropped = append(result.Dropped, DroppedMessage{
					Message: m, GroupID: key, Reason: "media_type",
				})
			}
		}
		if len(kept) == 0 {
			continue // post-condition: no empty groups returned
		}

		// Stage 5 + 6: compute attached text, then apply replacements. The
		// source is an untrusted chat, so strip zero-width/RTL-override
		// characters before the text reaches any downstream target.
		attached, originalText := chosenText(kept, result.MediaGroupTexts[key], pair.RemoveCaptions)
		attached = utils.SanitizeMessageContent(attached)
		replaced := applyReplacements(attached, pair.TextReplacements)
		modified := (pair.RemoveCaptions && originalText != "") || replaced != originalText

		result.Groups = append(result.Groups, FilteredGroup{
			GroupID:      key,
			Messages:     kept,
			OriginalSize: originalSize,
			AttachedText: replaced,
			Modified:     modified,
		})
	}

	for _, g := range result.Groups {
		result.Stats.TotalKept += len(g.Messages)
	}
	result.Stats.TotalDropped = len(result.Dropped)

	return result
}

// preExtractGroupTexts scans groups before any dropping and records the
// first non-empty caption/text per group (stage 1). A later stage may drop
// the only message that carried text; restricted reassembly still needs it.
func preExtractGroupTexts(sorted []message.Message) map[string]string {
	_, groups := groupByKey(sorted)
	out := make(map[string]string, len(groups))
	for key, members := range groups {
		for _, m := range members {
			if t := m.AttachedText(); t != "" {
				out[key] = t
				break
			}
		}
	}
	return out
}

func groupByKey(msgs []message.Message) ([]string, map[string][]message.Message) {
	order := make([]string, 0)
	groups := make(map[string][]message.Message)
	for _, m := range msgs {
		key := message.GroupKey(m)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], m)
	}
	return order, groups
}

func containsLink(m message.Message) bool {
	for _, e := range m.Entities {
		if linkEntityKinds[e.Kind] {
			return true
		}
	}
	return linkRe.MatchString(m.Text) || linkRe.MatchString(m.Caption)
}

func groupMatchesKeywords(members []message.Message, keywords []string) bool {
	var sb strings.Builder
	for _, m := range members {
		sb.WriteString(m.AttachedText())
		sb.WriteString(" ")
	}
	haystack := strings.ToLower(sb.String())
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(haystack, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func toSet(kinds []string) map[message.MediaKind]bool {
	set := make(map[message.MediaKind]bool, len(kinds))
	for _, k := range kinds {
		set[message.MediaKind(k)] = true
	}
	return set
}

func mediaTypeAllowed(m message.Message, allowed map[message.MediaKind]bool) bool {
	if m.IsTextOnly() {
		return allowed[message.KindText]
	}
	return allowed[m.MediaKind]
}

// chosenText implements stage 5: pick the text to carry for a surviving
// group, returning both the chosen text and its pre-replacement original
// (needed to compute the Modified flag in stage 6).
func chosenText(kept []message.Message, preExtracted string, removeCaptions bool) (text string, original string) {
	if removeCaptions {
		return "", firstNonEmptyText(kept)
	}
	if t := firstNonEmptyText(kept); t != "" {
		return t, t
	}
	return preExtracted, preExtracted
}

func firstNonEmptyText(msgs []message.Message) string {
	for _, m := range msgs {
		if t := m.AttachedText(); t != "" {
			return t
		}
	}
	return ""
}

func applyReplacements(text string, replacements []config.TextReplacement) string {
	for _, r := range replacements {
		if r.Find == "" {
			continue
		}
		text = strings.ReplaceAll(text, r.Find, r.Replace)
	}
	return text
}
