package orbit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Event Normalizer
// ============================================================================

// NormalizedEvent is a canonical view record tagged with the operation that
// produced it, ready for the merge engine.
type NormalizedEvent struct {
	Kind   EventKind
	Record Record
}

// rawEntity is the loose shape of a backend row inside a change event.
// Cross-referenced composites may arrive embedded (as an object or as an
// array-of-one, depending on the query join shape) or as bare foreign keys.
type rawEntity struct {
	ID        string `json:"id"`
	CreatedAt string `json:"created_at"`

	AuthorID  string `json:"author_id"`
	SenderID  string `json:"sender_id"`
	UserID    string `json:"user_id"`
	CreatorID string `json:"creator_id"`
	ServerID  string `json:"server_id"`
	Role      string `json:"role"`

	Author  json.RawMessage `json:"author"`
	Creator json.RawMessage `json:"creator"`
	Profile json.RawMessage `json:"profile"`
}

// Normalizer converts raw change notifications into canonical records,
// resolving author/creator cross-references against the backend. It never
// mutates its input and always produces a fully-formed new record.
type Normalizer struct {
	backend Backend
	logger  *zap.Logger
}

// NewNormalizer creates a normalizer that resolves side-lookups via backend.
func NewNormalizer(backend Backend, logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{backend: backend, logger: logger}
}

// Normalize converts one raw event for scope into a normalized event.
//
// Side-lookups are issued only for the reference ids present on this single
// record, never as a scope-wide re-fetch. A lookup miss is non-fatal: the
// composite field stays nil and the record is still delivered, so the UI
// shows an "Unknown" author instead of dropping a message. Delete events
// never trigger lookups; the referenced membership may already be gone.
func (n *Normalizer) Normalize(ctx context.Context, scope Scope, ev Event) (NormalizedEvent, error) {
	var raw rawEntity
	if err := json.Unmarshal(ev.Entity, &raw); err != nil {
		return NormalizedEvent{}, fmt.Errorf("decode %s event entity: %w", ev.Kind, err)
	}
	if raw.ID == "" {
		return NormalizedEvent{}, fmt.Errorf("%s event entity has no id", ev.Kind)
	}

	if ev.Kind == EventDelete {
		return NormalizedEvent{Kind: EventDelete, Record: Record{ID: raw.ID}}, nil
	}

	rec := Record{ID: raw.ID}
	if raw.CreatedAt != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw.CreatedAt)
		if err != nil {
			return NormalizedEvent{}, fmt.Errorf("parse created_at %q: %w", raw.CreatedAt, err)
		}
		rec.CreatedAt = ts
	}
	rec.Fields = extraFields(ev.Entity)

	switch scope.Kind {
	case ScopeChannelMessages, ScopeDMThread:
		rec.Author = n.resolveAuthor(ctx, scope, &raw)
	case ScopeServerMembers:
		rec.Membership = n.resolveMembership(ctx, scope, &raw)
	default:
		if id := raw.CreatorID; id != "" {
			rec.Creator = n.lookupProfile(ctx, raw.Creator, id)
		}
	}

	return NormalizedEvent{Kind: ev.Kind, Record: rec}, nil
}

// resolveAuthor resolves the author composite for a message record. An
// embedded join shape wins over a lookup; a bare foreign key falls back to
// a membership lookup (channel messages) or a profile lookup (DM threads).
func (n *Normalizer) resolveAuthor(ctx context.Context, scope Scope, raw *rawEntity) *Profile {
	if p := decodeProfile(raw.Author); p != nil {
		return p
	}
	authorID := firstNonEmpty(raw.AuthorID, raw.SenderID, raw.UserID)
	if authorID == "" {
		return nil
	}
	if scope.Kind == ScopeChannelMessages && raw.ServerID != "" {
		m, err := n.backend.ResolveMember(ctx, raw.ServerID, authorID)
		if err != nil {
			n.logger.Debug("member lookup failed",
				zap.String("scope", scope.Key()),
				zap.String("user_id", authorID),
				zap.Error(err))
			return nil
		}
		if m == nil {
			return nil
		}
		return m.Profile
	}
	return n.lookupProfile(ctx, nil, authorID)
}

func (n *Normalizer) resolveMembership(ctx context.Context, scope Scope, raw *rawEntity) *Member {
	userID := firstNonEmpty(raw.UserID, raw.ID)
	m := &Member{UserID: userID, Role: raw.Role}
	if p := decodeProfile(raw.Profile); p != nil {
		m.Profile = p
		return m
	}
	m.Profile = n.lookupProfile(ctx, nil, userID)
	return m
}

func (n *Normalizer) lookupProfile(ctx context.Context, embedded json.RawMessage, userID string) *Profile {
	if p := decodeProfile(embedded); p != nil {
		return p
	}
	p, err := n.backend.ResolveProfile(ctx, userID)
	if err != nil {
		n.logger.Debug("profile lookup failed",
			zap.String("user_id", userID),
			zap.Error(err))
		return nil
	}
	return p
}

// decodeProfile canonicalizes the ambiguous embedded join shape: the backend
// may report a cross-referenced row as an object or as an array-of-one.
// That ambiguity stops here; it never leaks past the normalizer.
func decodeProfile(data json.RawMessage) *Profile {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err == nil && p.ID != "" {
		return &p
	}
	var arr []Profile
	if err := json.Unmarshal(data, &arr); err == nil && len(arr) > 0 && arr[0].ID != "" {
		return &arr[0]
	}
	return nil
}

// extraFields keeps the entity-specific columns that have no dedicated slot
// on Record, dropping the keys the normalizer already consumed.
func extraFields(entity json.RawMessage) map[string]any {
	var all map[string]any
	if err := json.Unmarshal(entity, &all); err != nil {
		return nil
	}
	for _, consumed := range []string{
		"id", "created_at", "author", "creator", "profile",
		"author_id", "sender_id", "user_id", "creator_id", "role",
	} {
		delete(all, consumed)
	}
	if len(all) == 0 {
		return nil
	}
	return all
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
