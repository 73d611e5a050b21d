package orbit

import (
	"encoding/json"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is a backend-reported failure. Its message is surfaced verbatim
// to the UI layer for user-visible feedback.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// EntityKind identifies the backend table a record or mutation belongs to.
type EntityKind string

const (
	EntityMessage      EntityKind = "message"
	EntityMember       EntityKind = "member"
	EntityChannel      EntityKind = "channel"
	EntityConversation EntityKind = "conversation"
	EntityTask         EntityKind = "task"
)

// Profile is a user's resolved display identity.
type Profile struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Member is a server membership joined with its profile. Profile may be nil
// when the side-lookup missed (user left, account deleted); consumers render
// an "Unknown" identity in that case rather than dropping the record.
type Member struct {
	UserID  string   `json:"user_id"`
	Role    string   `json:"role,omitempty"`
	Profile *Profile `json:"profile,omitempty"`
}

// OptimisticIDPrefix marks client-generated temporary identities. Backend
// ids are never issued with this prefix, so a temp id cannot collide with a
// confirmed one.
const OptimisticIDPrefix = "local-"

// Record is the unit of cached state: a message, a member, a channel, a
// conversation summary, or a task. The merge engine orders records by
// CreatedAt ascending, ties broken by ID.
type Record struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	Optimistic bool      `json:"optimistic,omitempty"`

	// Author is the resolved composite for records whose display needs a
	// membership cross-reference (channel and DM messages).
	Author *Profile `json:"author,omitempty"`

	// Creator is the resolved composite for records whose display needs a
	// profile cross-reference (tasks).
	Creator *Profile `json:"creator,omitempty"`

	// Membership carries role information for server-members records.
	Membership *Member `json:"membership,omitempty"`

	// Fields holds the remaining entity-specific columns (content, name,
	// topic, title, ...) exactly as the backend reported them.
	Fields map[string]any `json:"fields,omitempty"`
}

// IsOptimisticID reports whether id is a client-generated temp identity.
func IsOptimisticID(id string) bool {
	return strings.HasPrefix(id, OptimisticIDPrefix)
}

// ============================================================================
// Change Events
// ============================================================================

// EventKind is the operation carried by a raw change notification.
type EventKind string

const (
	EventInsert EventKind = "insert"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
)

// Event is one raw change notification from the push stream. Delivery is
// at-least-once: events may be duplicated and may arrive out of order.
// Entity is the raw backend row; for deletes it may carry only the id.
type Event struct {
	Kind   EventKind       `json:"kind"`
	Entity json.RawMessage `json:"entity"`
}

// ============================================================================
// Presence Events
// ============================================================================

// PresenceEventKind is the operation carried by a presence notification.
type PresenceEventKind string

const (
	PresenceSync  PresenceEventKind = "sync"
	PresenceJoin  PresenceEventKind = "join"
	PresenceLeave PresenceEventKind = "leave"
)

// PresenceEvent reports a change in one observer's view of a presence
// domain. ObserverRef identifies the reporting connection; the same
// participant may be reported by several observers at once.
type PresenceEvent struct {
	Kind         PresenceEventKind `json:"kind"`
	ObserverRef  string            `json:"observer_ref"`
	Participants []string          `json:"participants"`
}
