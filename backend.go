package orbit

import "context"

// ============================================================================
// External Interfaces
// ============================================================================

// Backend is the query/mutation side of the remote store. Concrete bindings
// (HTTPBackend in this package, or anything else) live outside the sync core;
// the core only needs these four operations.
type Backend interface {
	// FetchSnapshot returns the full current contents of a scope, used to
	// (re)initialize its cache on activation. Order of the returned slice
	// is not significant; the merge engine re-derives it.
	FetchSnapshot(ctx context.Context, scope Scope) ([]Record, error)

	// Mutate performs an authoritative write and returns the confirmed
	// record with its backend-issued identity.
	Mutate(ctx context.Context, kind EntityKind, payload map[string]any) (Record, error)

	// ResolveProfile looks up one user's profile by id. A missing profile
	// returns (nil, nil); errors are reserved for transport failures.
	ResolveProfile(ctx context.Context, userID string) (*Profile, error)

	// ResolveMember looks up one user's membership within a server,
	// joined with their profile. A missing membership returns (nil, nil).
	ResolveMember(ctx context.Context, serverID, userID string) (*Member, error)
}

// SubscriptionHandle represents one live event-stream connection bound to
// exactly one scope or presence domain. Close is idempotent.
type SubscriptionHandle interface {
	Close() error
}

// PushTransport delivers change events for a scope. Delivery is
// at-least-once: handlers must tolerate duplicates and reordering.
type PushTransport interface {
	Subscribe(ctx context.Context, scope Scope, onEvent func(Event)) (SubscriptionHandle, error)
}

// PresenceTransport delivers presence events for a domain and announces
// self-presence to other observers.
type PresenceTransport interface {
	SubscribePresence(ctx context.Context, domain, selfID string, onEvent func(PresenceEvent)) (SubscriptionHandle, error)
	Track(ctx context.Context, domain, participantID string) error
}
