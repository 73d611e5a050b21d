// Package orbit keeps local views of servers, channels, messages, DM
// threads, membership, and presence consistent with a stream of
// out-of-order, at-least-once change notifications from a remote store,
// while supporting optimistic local writes that are reconciled with
// authoritative confirmations or rolled back.
//
// Example:
//
//	store := orbit.New(backend, push, presence)
//	defer store.Close()
//
//	scope, _ := orbit.NewScope(orbit.ScopeChannelMessages, "chan-42")
//	if err := store.ActivateScope(ctx, scope); err != nil { ... }
//
//	stop := store.Watch(scope, func(recs []orbit.Record) { render(recs) })
//	defer stop()
//
//	tempID, done := store.BeginWrite(ctx, scope, orbit.EntityMessage,
//		map[string]any{"channel_id": "chan-42", "content": "hello"})
package orbit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WatchFunc receives the full ordered record sequence of a scope after
// every change to it.
type WatchFunc func(records []Record)

// Store is the single coherent ownership point for every scope's cache.
// It is explicitly constructed with its backend collaborators injected,
// never reached through ambient global state, so tests and surfaces build
// isolated instances.
type Store struct {
	backend  Backend
	push     PushTransport
	presence PresenceTransport
	logger   *zap.Logger

	engine  *Engine
	tracker *Tracker
	manager *Manager
	agg     *Aggregator

	mu            sync.Mutex
	watchers      map[string]map[int]WatchFunc
	nextWatchID   int
	presenceSlots map[string]SubscriptionHandle
}

// Option configures a Store.
type Option func(*storeOptions)

type storeOptions struct {
	logger *zap.Logger
	now    func() time.Time
}

// WithLogger attaches a structured logger. The default is a nop logger:
// the library is silent unless the caller opts in.
func WithLogger(l *zap.Logger) Option {
	return func(o *storeOptions) { o.logger = l }
}

// WithClock overrides the timestamp source for optimistic records.
func WithClock(now func() time.Time) Option {
	return func(o *storeOptions) { o.now = now }
}

// New creates a store bound to the given backend collaborators. presence
// may be nil if the application does not track presence.
func New(backend Backend, push PushTransport, presence PresenceTransport, opts ...Option) *Store {
	o := &storeOptions{logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(o)
	}

	s := &Store{
		backend:       backend,
		push:          push,
		presence:      presence,
		logger:        o.logger,
		engine:        NewEngine(),
		agg:           NewAggregator(),
		watchers:      make(map[string]map[int]WatchFunc),
		presenceSlots: make(map[string]SubscriptionHandle),
	}
	norm := NewNormalizer(backend, o.logger)
	s.tracker = NewTracker(backend, s.engine, o.logger, s.notifyScope)
	s.tracker.now = o.now
	s.manager = NewManager(backend, push, norm, s.engine, o.logger, s.notifyScope)
	return s
}

// ============================================================================
// Consumer interface
// ============================================================================

// Records returns the scope's current record sequence, ascending by
// CreatedAt. The returned slice is a copy the caller owns.
func (s *Store) Records(scope Scope) []Record {
	return s.engine.Records(scope)
}

// ActivateScope makes scope the live scope for its kind: snapshot fetch,
// then a push subscription feeding the cache. See Manager.Activate.
func (s *Store) ActivateScope(ctx context.Context, scope Scope) error {
	return s.manager.Activate(ctx, scope)
}

// DeactivateScope closes the scope's subscription; its cache is retained
// for fast re-entry.
func (s *Store) DeactivateScope(scope Scope) {
	s.manager.Deactivate(scope)
}

// BeginWrite inserts an optimistic record into scope and issues the real
// mutation. See Tracker.BeginWrite.
func (s *Store) BeginWrite(ctx context.Context, scope Scope, kind EntityKind, payload map[string]any) (string, <-chan WriteResult) {
	return s.tracker.BeginWrite(ctx, scope, kind, payload)
}

// Watch registers fn to run after every change to scope, and immediately
// with the current sequence. The returned stop function unregisters it.
func (s *Store) Watch(scope Scope, fn WatchFunc) (stop func()) {
	key := scope.Key()
	s.mu.Lock()
	if s.watchers[key] == nil {
		s.watchers[key] = make(map[int]WatchFunc)
	}
	id := s.nextWatchID
	s.nextWatchID++
	s.watchers[key][id] = fn
	s.mu.Unlock()

	fn(s.engine.Records(scope))

	return func() {
		s.mu.Lock()
		delete(s.watchers[key], id)
		s.mu.Unlock()
	}
}

// notifyScope fans a scope change out to its watchers. Panics in consumer
// callbacks are swallowed so one broken watcher cannot poison the stream
// for the rest.
func (s *Store) notifyScope(scope Scope) {
	key := scope.Key()
	s.mu.Lock()
	fns := make([]WatchFunc, 0, len(s.watchers[key]))
	for _, fn := range s.watchers[key] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	if len(fns) == 0 {
		return
	}
	recs := s.engine.Records(scope)
	for _, fn := range fns {
		func() {
			defer func() { recover() }()
			fn(recs)
		}()
	}
}

// ============================================================================
// Presence
// ============================================================================

// JoinPresence subscribes to a presence domain, announces self-presence,
// and starts merging observer reports into the domain's online set. At most
// one presence subscription exists per domain; joining again is a no-op.
func (s *Store) JoinPresence(ctx context.Context, domain, selfID string) error {
	if domain == "" {
		return ErrEmptyScopeID
	}
	s.mu.Lock()
	if _, ok := s.presenceSlots[domain]; ok {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	handle, err := s.presence.SubscribePresence(ctx, domain, selfID, func(ev PresenceEvent) {
		s.agg.Apply(domain, ev)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.presenceSlots[domain]; ok {
		// Lost the race to a concurrent join; keep the first subscription.
		s.mu.Unlock()
		handle.Close()
		return nil
	}
	s.presenceSlots[domain] = handle
	s.mu.Unlock()

	if err := s.presence.Track(ctx, domain, selfID); err != nil {
		s.logger.Warn("presence track failed",
			zap.String("domain", domain),
			zap.Error(err))
	}
	return nil
}

// LeavePresence closes the domain's presence subscription and discards its
// aggregated state.
func (s *Store) LeavePresence(domain string) {
	s.mu.Lock()
	handle, ok := s.presenceSlots[domain]
	delete(s.presenceSlots, domain)
	s.mu.Unlock()

	if ok {
		handle.Close()
	}
	s.agg.DropDomain(domain)
}

// Online returns the sorted online set for a presence domain.
func (s *Store) Online(domain string) []string {
	return s.agg.Online(domain)
}

// IsOnline reports whether the participant is present in the domain union.
func (s *Store) IsOnline(domain, participant string) bool {
	return s.agg.IsOnline(domain, participant)
}

// ============================================================================
// Lifecycle
// ============================================================================

// Reset tears down every subscription and discards all cached state.
// Called on sign-out; the store is reusable afterwards.
func (s *Store) Reset() {
	s.manager.Shutdown()

	s.mu.Lock()
	handles := make([]SubscriptionHandle, 0, len(s.presenceSlots))
	for _, h := range s.presenceSlots {
		handles = append(handles, h)
	}
	s.presenceSlots = make(map[string]SubscriptionHandle)
	s.mu.Unlock()
	for _, h := range handles {
		h.Close()
	}

	s.engine.Reset()
	s.agg.Reset()
}

// Close releases every subscription. The store must not be used afterwards.
func (s *Store) Close() {
	s.Reset()
}
