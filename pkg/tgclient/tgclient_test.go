package tgclient

import (
	"errors"
	"testing"

	"github.com/kelvinzhao/tgrelay/pkg/identity"
)

func TestIsClockSkewAndAuthFatal_PlainErrorsNeverMatch(t *testing.T) {
	err := errors.New("network unreachable")
	if isClockSkew(err) {
		t.Errorf("isClockSkew should not match a plain error")
	}
	if isAuthFatal(err) {
		t.Errorf("isAuthFatal should not match a plain error")
	}
}

func TestChatIDStringAndFmtOp(t *testing.T) {
	id := identity.ChannelId(123456789)
	if got := chatIDString(id); got != "123456789" {
		t.Errorf("chatIDString = %q", got)
	}
	if got := fmtOp("resolve", id); got != "resolve(123456789)" {
		t.Errorf("fmtOp = %q", got)
	}
}

func TestRandomIDsUnique(t *testing.T) {
	ids := randomIDs(5)
	seen := make(map[int64]bool)
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate random id: %d", id)
		}
		seen[id] = true
	}
}
