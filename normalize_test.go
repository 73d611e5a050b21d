package orbit

import (
	"context"
	"testing"
)

func TestNormalizeMessage(t *testing.T) {
	scope := mustScope(ScopeChannelMessages, "chan-1")
	ctx := context.Background()

	t.Run("embedded author object", func(t *testing.T) {
		backend := newFakeBackend()
		n := NewNormalizer(backend, nil)

		ne, err := n.Normalize(ctx, scope, messageEvent(EventInsert, map[string]any{
			"id":         "m1",
			"created_at": "2026-03-01T10:00:00Z",
			"content":    "hello",
			"author":     map[string]any{"id": "u1", "username": "ada"},
		}))
		if err != nil {
			t.Fatalf("Normalize: %v", err)
		}
		if ne.Kind != EventInsert {
			t.Fatalf("kind = %v", ne.Kind)
		}
		if ne.Record.Author == nil || ne.Record.Author.Username != "ada" {
			t.Fatalf("author not resolved from embedded object: %+v", ne.Record.Author)
		}
		if got := ne.Record.Fields["content"]; got != "hello" {
			t.Fatalf("content field lost: %v", got)
		}
		if backend.profileCalls+backend.memberCalls != 0 {
			t.Fatal("embedded author should not trigger a lookup")
		}
	})

	t.Run("embedded author array-of-one", func(t *testing.T) {
		n := NewNormalizer(newFakeBackend(), nil)

		ne, err := n.Normalize(ctx, scope, messageEvent(EventInsert, map[string]any{
			"id":         "m1",
			"created_at": "2026-03-01T10:00:00Z",
			"author":     []any{map[string]any{"id": "u1", "username": "ada"}},
		}))
		if err != nil {
			t.Fatalf("Normalize: %v", err)
		}
		if ne.Record.Author == nil || ne.Record.Author.ID != "u1" {
			t.Fatalf("array-of-one author not canonicalized: %+v", ne.Record.Author)
		}
	})

	t.Run("bare foreign key resolves via membership lookup", func(t *testing.T) {
		backend := newFakeBackend()
		backend.members["srv-1/u1"] = &Member{
			UserID:  "u1",
			Role:    "admin",
			Profile: &Profile{ID: "u1", Username: "ada"},
		}
		n := NewNormalizer(backend, nil)

		ne, err := n.Normalize(ctx, scope, messageEvent(EventInsert, map[string]any{
			"id":         "m1",
			"created_at": "2026-03-01T10:00:00Z",
			"author_id":  "u1",
			"server_id":  "srv-1",
		}))
		if err != nil {
			t.Fatalf("Normalize: %v", err)
		}
		if ne.Record.Author == nil || ne.Record.Author.Username != "ada" {
			t.Fatalf("author not resolved via member lookup: %+v", ne.Record.Author)
		}
		if backend.memberCalls != 1 {
			t.Fatalf("expected exactly one member lookup, got %d", backend.memberCalls)
		}
	})

	t.Run("lookup miss yields nil author, record still delivered", func(t *testing.T) {
		backend := newFakeBackend() // knows no profiles
		n := NewNormalizer(backend, nil)

		ne, err := n.Normalize(ctx, scope, messageEvent(EventInsert, map[string]any{
			"id":         "m1",
			"created_at": "2026-03-01T10:00:00Z",
			"author_id":  "ghost",
			"server_id":  "srv-1",
		}))
		if err != nil {
			t.Fatalf("Normalize should not fail on a lookup miss: %v", err)
		}
		if ne.Record.Author != nil {
			t.Fatalf("expected nil author on miss, got %+v", ne.Record.Author)
		}
		if ne.Record.ID != "m1" {
			t.Fatal("record dropped on lookup miss")
		}
	})

	t.Run("dm thread falls back to profile lookup", func(t *testing.T) {
		backend := newFakeBackend()
		backend.profiles["u2"] = &Profile{ID: "u2", Username: "grace"}
		n := NewNormalizer(backend, nil)

		ne, err := n.Normalize(ctx, mustScope(ScopeDMThread, "dm-1"), messageEvent(EventInsert, map[string]any{
			"id":         "m1",
			"created_at": "2026-03-01T10:00:00Z",
			"sender_id":  "u2",
		}))
		if err != nil {
			t.Fatalf("Normalize: %v", err)
		}
		if ne.Record.Author == nil || ne.Record.Author.Username != "grace" {
			t.Fatalf("dm author not resolved: %+v", ne.Record.Author)
		}
	})
}

func TestNormalizeDelete(t *testing.T) {
	scope := mustScope(ScopeChannelMessages, "chan-1")
	backend := newFakeBackend()
	n := NewNormalizer(backend, nil)

	// A delete may carry only the identity; the author row may already be gone.
	ne, err := n.Normalize(context.Background(), scope, messageEvent(EventDelete, map[string]any{
		"id":        "m1",
		"author_id": "u1",
		"server_id": "srv-1",
	}))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if ne.Kind != EventDelete || ne.Record.ID != "m1" {
		t.Fatalf("unexpected normalized delete: %+v", ne)
	}
	if backend.profileCalls+backend.memberCalls != 0 {
		t.Fatal("delete events must not trigger side-lookups")
	}
}

func TestNormalizeMember(t *testing.T) {
	scope := mustScope(ScopeServerMembers, "srv-1")
	backend := newFakeBackend()
	backend.profiles["u1"] = &Profile{ID: "u1", Username: "ada"}
	n := NewNormalizer(backend, nil)

	ne, err := n.Normalize(context.Background(), scope, messageEvent(EventInsert, map[string]any{
		"id":         "mem-1",
		"created_at": "2026-03-01T10:00:00Z",
		"user_id":    "u1",
		"role":       "moderator",
	}))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	m := ne.Record.Membership
	if m == nil || m.Role != "moderator" || m.Profile == nil || m.Profile.Username != "ada" {
		t.Fatalf("membership not resolved: %+v", m)
	}
}

func TestNormalizeTask(t *testing.T) {
	scope := mustScope(ScopeServerChannels, "srv-1")
	backend := newFakeBackend()
	backend.profiles["u3"] = &Profile{ID: "u3", Username: "lin"}
	n := NewNormalizer(backend, nil)

	ne, err := n.Normalize(context.Background(), scope, messageEvent(EventInsert, map[string]any{
		"id":         "t1",
		"created_at": "2026-03-01T10:00:00Z",
		"creator_id": "u3",
		"title":      "fix the roof",
	}))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if ne.Record.Creator == nil || ne.Record.Creator.Username != "lin" {
		t.Fatalf("creator not resolved: %+v", ne.Record.Creator)
	}
}

func TestNormalizeRejectsMalformed(t *testing.T) {
	n := NewNormalizer(newFakeBackend(), nil)
	scope := mustScope(ScopeChannelMessages, "chan-1")
	ctx := context.Background()

	t.Run("not json", func(t *testing.T) {
		if _, err := n.Normalize(ctx, scope, Event{Kind: EventInsert, Entity: []byte("{nope")}); err == nil {
			t.Fatal("expected error for malformed entity")
		}
	})

	t.Run("missing id", func(t *testing.T) {
		if _, err := n.Normalize(ctx, scope, messageEvent(EventInsert, map[string]any{
			"created_at": "2026-03-01T10:00:00Z",
		})); err == nil {
			t.Fatal("expected error for entity without id")
		}
	})

	t.Run("bad timestamp", func(t *testing.T) {
		if _, err := n.Normalize(ctx, scope, messageEvent(EventInsert, map[string]any{
			"id":         "m1",
			"created_at": "yesterday",
		})); err == nil {
			t.Fatal("expected error for unparseable created_at")
		}
	})
}
