package orbit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// ============================================================================
// Test Fakes
// ============================================================================

type fakeBackend struct {
	mu sync.Mutex

	snapshots   map[string][]Record
	snapshotErr map[string]error
	fetchGate   map[string]chan struct{} // fetch blocks until the channel closes

	mutateFn func(kind EntityKind, payload map[string]any) (Record, error)

	profiles map[string]*Profile
	members  map[string]*Member // key: serverID + "/" + userID

	profileCalls int
	memberCalls  int
	fetchCalls   int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		snapshots:   make(map[string][]Record),
		snapshotErr: make(map[string]error),
		fetchGate:   make(map[string]chan struct{}),
		profiles:    make(map[string]*Profile),
		members:     make(map[string]*Member),
	}
}

func (b *fakeBackend) FetchSnapshot(ctx context.Context, scope Scope) ([]Record, error) {
	b.mu.Lock()
	gate := b.fetchGate[scope.Key()]
	b.fetchCalls++
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.snapshotErr[scope.Key()]; err != nil {
		return nil, err
	}
	recs := make([]Record, len(b.snapshots[scope.Key()]))
	copy(recs, b.snapshots[scope.Key()])
	return recs, nil
}

func (b *fakeBackend) Mutate(ctx context.Context, kind EntityKind, payload map[string]any) (Record, error) {
	b.mu.Lock()
	fn := b.mutateFn
	b.mu.Unlock()
	if fn == nil {
		return Record{}, fmt.Errorf("no mutate handler installed")
	}
	return fn(kind, payload)
}

func (b *fakeBackend) ResolveProfile(ctx context.Context, userID string) (*Profile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.profileCalls++
	return b.profiles[userID], nil
}

func (b *fakeBackend) ResolveMember(ctx context.Context, serverID, userID string) (*Member, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.memberCalls++
	return b.members[serverID+"/"+userID], nil
}

// ── Push transport ───────────────────────────────────────

type fakePush struct {
	mu       sync.Mutex
	handlers map[string]func(Event)
	subErr   map[string]error
	opened   map[string]int
	closed   map[string]int
}

func newFakePush() *fakePush {
	return &fakePush{
		handlers: make(map[string]func(Event)),
		subErr:   make(map[string]error),
		opened:   make(map[string]int),
		closed:   make(map[string]int),
	}
}

func (p *fakePush) Subscribe(ctx context.Context, scope Scope, onEvent func(Event)) (SubscriptionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.subErr[scope.Key()]; err != nil {
		return nil, err
	}
	p.handlers[scope.Key()] = onEvent
	p.opened[scope.Key()]++
	return &fakeHandle{push: p, key: scope.Key()}, nil
}

// emit drives one event into the scope's registered handler, if any.
func (p *fakePush) emit(scope Scope, ev Event) {
	p.mu.Lock()
	handler := p.handlers[scope.Key()]
	p.mu.Unlock()
	if handler != nil {
		handler(ev)
	}
}

func (p *fakePush) liveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handlers)
}

type fakeHandle struct {
	push *fakePush
	key  string
}

func (h *fakeHandle) Close() error {
	h.push.mu.Lock()
	defer h.push.mu.Unlock()
	delete(h.push.handlers, h.key)
	h.push.closed[h.key]++
	return nil
}

// ── Presence transport ───────────────────────────────────

type fakePresence struct {
	mu       sync.Mutex
	handlers map[string]func(PresenceEvent)
	tracked  map[string][]string
	closed   map[string]int
}

func newFakePresence() *fakePresence {
	return &fakePresence{
		handlers: make(map[string]func(PresenceEvent)),
		tracked:  make(map[string][]string),
		closed:   make(map[string]int),
	}
}

func (p *fakePresence) SubscribePresence(ctx context.Context, domain, selfID string, onEvent func(PresenceEvent)) (SubscriptionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[domain] = onEvent
	return &fakePresenceHandle{presence: p, domain: domain}, nil
}

func (p *fakePresence) Track(ctx context.Context, domain, participantID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracked[domain] = append(p.tracked[domain], participantID)
	return nil
}

func (p *fakePresence) emit(domain string, ev PresenceEvent) {
	p.mu.Lock()
	handler := p.handlers[domain]
	p.mu.Unlock()
	if handler != nil {
		handler(ev)
	}
}

type fakePresenceHandle struct {
	presence *fakePresence
	domain   string
}

func (h *fakePresenceHandle) Close() error {
	h.presence.mu.Lock()
	defer h.presence.mu.Unlock()
	delete(h.presence.handlers, h.domain)
	h.presence.closed[h.domain]++
	return nil
}

// ── Helpers ──────────────────────────────────────────────

func ts(minute int) time.Time {
	return time.Date(2026, 3, 1, 10, minute, 0, 0, time.UTC)
}

func rec(id string, at time.Time) Record {
	return Record{ID: id, CreatedAt: at}
}

func mustScope(kind ScopeKind, id string) Scope {
	s, err := NewScope(kind, id)
	if err != nil {
		panic(err)
	}
	return s
}

// messageEvent builds a raw change event for a message entity.
func messageEvent(kind EventKind, fields map[string]any) Event {
	raw, err := json.Marshal(fields)
	if err != nil {
		panic(err)
	}
	return Event{Kind: kind, Entity: raw}
}

func ids(recs []Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func equalIDs(a []string, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
