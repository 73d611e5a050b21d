package orbit

import (
	"errors"
	"testing"
)

func TestNewScope(t *testing.T) {
	t.Run("stable equal keys", func(t *testing.T) {
		a, err := NewScope(ScopeChannelMessages, "chan-42")
		if err != nil {
			t.Fatalf("NewScope returned error: %v", err)
		}
		b, _ := NewScope(ScopeChannelMessages, "chan-42")
		if a.Key() != b.Key() {
			t.Fatalf("equal (kind, id) produced different keys: %q vs %q", a.Key(), b.Key())
		}
	})

	t.Run("distinct pairs never collide", func(t *testing.T) {
		seen := map[string]Scope{}
		pairs := []struct {
			kind ScopeKind
			id   string
		}{
			{ScopeChannelMessages, "42"},
			{ScopeServerMembers, "42"},
			{ScopeServerChannels, "42"},
			{ScopeDMThread, "42"},
			{ScopeChannelMessages, "43"},
		}
		for _, p := range pairs {
			s, err := NewScope(p.kind, p.id)
			if err != nil {
				t.Fatalf("NewScope(%s, %s): %v", p.kind, p.id, err)
			}
			if prev, dup := seen[s.Key()]; dup {
				t.Fatalf("key collision: %v and %v both map to %q", prev, s, s.Key())
			}
			seen[s.Key()] = s
		}
	})

	t.Run("empty id rejected", func(t *testing.T) {
		for _, id := range []string{"", "   ", "\t"} {
			if _, err := NewScope(ScopeChannelMessages, id); !errors.Is(err, ErrEmptyScopeID) {
				t.Errorf("NewScope with id %q: got %v, want ErrEmptyScopeID", id, err)
			}
		}
	})
}

func TestParseScopeKey(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		orig := mustScope(ScopeDMThread, "dm-7")
		parsed, err := ParseScopeKey(orig.Key())
		if err != nil {
			t.Fatalf("ParseScopeKey: %v", err)
		}
		if parsed != orig {
			t.Fatalf("round trip mismatch: %v != %v", parsed, orig)
		}
	})

	t.Run("id containing separator survives", func(t *testing.T) {
		orig := mustScope(ScopeChannelMessages, "a:b:c")
		parsed, err := ParseScopeKey(orig.Key())
		if err != nil {
			t.Fatalf("ParseScopeKey: %v", err)
		}
		if parsed.ID != "a:b:c" {
			t.Fatalf("id mangled: %q", parsed.ID)
		}
	})

	t.Run("malformed key rejected", func(t *testing.T) {
		if _, err := ParseScopeKey("no-separator"); err == nil {
			t.Fatal("expected error for key without separator")
		}
	})
}
