package identity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"@Foo":                 "@foo",
		"https://t.me/Foo":     "@foo",
		"t.me/Foo":             "@foo",
		"123456":               "123456",
		"+AbCdEf":              "+AbCdEf",
		"https://t.me/joinchat/AbCdEf": "+AbCdEf",
	}
	for in, want := range cases {
		got, err := Normalize(in)
		if err != nil {
			t.Errorf("Normalize(%q) error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalize_Invalid(t *testing.T) {
	if _, err := Normalize(""); !errors.Is(err, ErrInvalidIdentifier) {
		t.Errorf("expected ErrInvalidIdentifier for empty string, got %v", err)
	}
	if _, err := Normalize("@"); !errors.Is(err, ErrInvalidIdentifier) {
		t.Errorf("expected ErrInvalidIdentifier for bare @, got %v", err)
	}
}

type fakeSDK struct {
	resolveCalls atomic.Int32
	infoCalls    atomic.Int32
}

func (f *fakeSDK) ResolveChannel(ctx context.Context, normalized string) (ChannelId, error) {
	f.resolveCalls.Add(1)
	if normalized == "@missing" {
		return 0, ErrNotAccessible
	}
	return ChannelId(42), nil
}

func (f *fakeSDK) ChannelInfo(ctx context.Context, id ChannelId) (string, bool, error) {
	f.infoCalls.Add(1)
	return "Some Channel", true, nil
}

func TestResolver_CachesAcrossCalls(t *testing.T) {
	sdk := &fakeSDK{}
	r := NewResolver(sdk)
	ctx := context.Background()

	id1, err := r.Resolve(ctx, "@foo")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	id2, err := r.Resolve(ctx, "@foo")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id1 != id2 {
		t.Errorf("expected same id across calls, got %v and %v", id1, id2)
	}
	if sdk.resolveCalls.Load() != 1 {
		t.Errorf("expected exactly one SDK resolve call, got %d", sdk.resolveCalls.Load())
	}
}

func TestResolver_InfoAndCanForward(t *testing.T) {
	sdk := &fakeSDK{}
	r := NewResolver(sdk)
	ctx := context.Background()

	can, err := r.CanForward(ctx, ChannelId(42))
	if err != nil {
		t.Fatalf("CanForward: %v", err)
	}
	if !can {
		t.Error("expected can_forward = true")
	}
	if _, err := r.Info(ctx, ChannelId(42)); err != nil {
		t.Fatalf("Info: %v", err)
	}
	if sdk.infoCalls.Load() != 1 {
		t.Errorf("expected Info to be served from cache on second call, got %d SDK calls", sdk.infoCalls.Load())
	}
}

func TestResolver_NotAccessible(t *testing.T) {
	sdk := &fakeSDK{}
	r := NewResolver(sdk)
	if _, err := r.Resolve(context.Background(), "@missing"); !errors.Is(err, ErrNotAccessible) {
		t.Errorf("expected ErrNotAccessible, got %v", err)
	}
}
