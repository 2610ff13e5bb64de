package identity

import (
	"strconv"
	"strings"
)

// Normalize reduces the accepted identifier forms — "t.me/<name>",
// "https://t.me/<name>", "@name", "+"-prefixed private-invite tokens, and
// raw numeric ids — to a single canonical string suitable for cache keying
// and as the argument to SDKResolver.ResolveChannel.
func Normalize(identifier string) (string, error) {
	s := strings.TrimSpace(identifier)
	if s == "" {
		return "", ErrInvalidIdentifier
	}

	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimPrefix(s, "t.me/")
	s = strings.TrimPrefix(s, "telegram.me/")

	switch {
	case strings.HasPrefix(s, "+"):
		// Private invite token, e.g. "+AbCdEf123" — kept verbatim, the SDK
		// resolves invite hashes through a different call than usernames.
		if len(s) < 2 {
			return "", ErrInvalidIdentifier
		}
		return s, nil
	case strings.HasPrefix(s, "joinchat/"):
		return "+" + strings.TrimPrefix(s, "joinchat/"), nil
	case strings.HasPrefix(s, "@"):
		name := strings.TrimPrefix(s, "@")
		if name == "" {
			return "", ErrInvalidIdentifier
		}
		return "@" + strings.ToLower(name), nil
	default:
		if id, err := strconv.ParseInt(s, 10, 64); err == nil {
			return strconv.FormatInt(id, 10), nil
		}
		// Bare username without "@", e.g. from a t.me link.
		if isValidUsername(s) {
			return "@" + strings.ToLower(s), nil
		}
		return "", ErrInvalidIdentifier
	}
}

func isValidUsername(s string) bool {
	if len(s) < 3 {
		return false
	}
	for _, r := range s {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}
