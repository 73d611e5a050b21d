package orbit

import (
	"errors"
	"strings"
)

// ============================================================================
// Scope Key Model
// ============================================================================

// ScopeKind identifies an independent synchronization unit type. Each kind
// corresponds to one logical "slot" in the subscription manager: only one
// scope of a given kind is live at a time, even though several may be cached.
type ScopeKind string

const (
	// ScopeChannelMessages is the message list of one channel.
	ScopeChannelMessages ScopeKind = "channel-messages"

	// ScopeServerMembers is the member roster of one server.
	ScopeServerMembers ScopeKind = "server-members"

	// ScopeServerChannels is the channel list of one server.
	ScopeServerChannels ScopeKind = "server-channels"

	// ScopeDMThread is the message list of one direct-message conversation.
	ScopeDMThread ScopeKind = "dm-thread"

	// ScopePresenceDomain is a namespace over which online state is tracked.
	ScopePresenceDomain ScopeKind = "presence-domain"
)

// ErrEmptyScopeID is returned when a scope is constructed with a blank
// target id. Subscribing to an undefined scope is always a caller bug.
var ErrEmptyScopeID = errors.New("orbit: scope target id is empty")

// Scope identifies one synchronization unit: a kind plus a target id.
// No merge ever crosses scope boundaries.
type Scope struct {
	Kind ScopeKind `json:"kind"`
	ID   string    `json:"id"`
}

// NewScope builds a scope, rejecting blank target ids.
func NewScope(kind ScopeKind, id string) (Scope, error) {
	if strings.TrimSpace(id) == "" {
		return Scope{}, ErrEmptyScopeID
	}
	return Scope{Kind: kind, ID: id}, nil
}

// Key returns the stable cache-table address for this scope. Equal
// (kind, id) pairs always produce equal keys, and distinct pairs never
// collide because kind names contain no ':' separator.
func (s Scope) Key() string {
	return string(s.Kind) + ":" + s.ID
}

// IsZero reports whether the scope is the uninitialized value.
func (s Scope) IsZero() bool {
	return s.Kind == "" && s.ID == ""
}

func (s Scope) String() string {
	return s.Key()
}

// ParseScopeKey is the inverse of Key. It is used by transport bindings
// that multiplex several scopes over one connection.
func ParseScopeKey(key string) (Scope, error) {
	i := strings.Index(key, ":")
	if i < 0 {
		return Scope{}, errors.New("orbit: malformed scope key: " + key)
	}
	return NewScope(ScopeKind(key[:i]), key[i+1:])
}
