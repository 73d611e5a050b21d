package orbit

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ============================================================================
// Subscription Lifecycle Manager
// ============================================================================

// SlotState is the lifecycle phase of one subscription slot.
type SlotState int

const (
	SlotInactive SlotState = iota
	SlotFetching
	SlotLive
)

func (s SlotState) String() string {
	switch s {
	case SlotFetching:
		return "fetching"
	case SlotLive:
		return "live"
	default:
		return "inactive"
	}
}

// slot tracks the one live scope per scope kind. gen is the activation
// generation: every async result (snapshot fetch, side-lookup, incoming
// event) is tagged with the generation it was issued for and checked before
// it is applied, so a slow result for a superseded scope is discarded.
type slot struct {
	scope  Scope
	state  SlotState
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
	handle SubscriptionHandle
}

// Manager opens and closes event-stream subscriptions as the active scope
// changes. Per scope kind there is at most one live subscription: activating
// a channel closes the previously active channel's stream, even though the
// old channel's cache is retained for fast re-entry.
//
// Re-activating the already-live scope is an idempotent no-op; surfaces
// sharing one store share its subscriptions.
type Manager struct {
	backend Backend
	push    PushTransport
	norm    *Normalizer
	engine  *Engine
	logger  *zap.Logger
	notify  func(Scope)

	mu    sync.Mutex
	slots map[ScopeKind]*slot
	gen   uint64
}

// NewManager wires a lifecycle manager to its collaborators. notify may be
// nil.
func NewManager(backend Backend, push PushTransport, norm *Normalizer, engine *Engine, logger *zap.Logger, notify func(Scope)) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notify == nil {
		notify = func(Scope) {}
	}
	return &Manager{
		backend: backend,
		push:    push,
		norm:    norm,
		engine:  engine,
		logger:  logger,
		notify:  notify,
		slots:   make(map[ScopeKind]*slot),
	}
}

// Activate makes scope the live scope for its kind: the previous scope's
// subscription is torn down, an initial snapshot is fetched into the cache,
// and a new subscription is opened.
//
// Activate blocks until the scope is live or has failed. A fetch or
// subscribe failure is reported once to the caller and leaves other scopes
// untouched; re-activating the scope is the retry. If a newer activation
// for the same kind lands while this one's snapshot is in flight, the stale
// result is discarded silently and Activate returns nil: last activation
// wins.
func (m *Manager) Activate(ctx context.Context, scope Scope) error {
	if scope.ID == "" {
		return ErrEmptyScopeID
	}

	m.mu.Lock()
	if cur, ok := m.slots[scope.Kind]; ok {
		if cur.scope == scope {
			m.mu.Unlock()
			return nil
		}
		m.teardownLocked(cur)
	}
	m.gen++
	gen := m.gen
	sctx, cancel := context.WithCancel(context.Background())
	s := &slot{scope: scope, state: SlotFetching, gen: gen, ctx: sctx, cancel: cancel}
	m.slots[scope.Kind] = s
	m.mu.Unlock()

	m.logger.Debug("scope activating", zap.String("scope", scope.Key()))

	recs, err := m.backend.FetchSnapshot(sctx, scope)

	m.mu.Lock()
	if !m.currentLocked(scope.Kind, gen) {
		m.mu.Unlock()
		return nil // superseded while fetching; late result discarded
	}
	if err != nil {
		delete(m.slots, scope.Kind)
		m.mu.Unlock()
		cancel()
		return fmt.Errorf("fetch snapshot for %s: %w", scope.Key(), err)
	}
	m.engine.SetSnapshot(scope, recs)
	m.mu.Unlock()
	m.notify(scope)

	handle, err := m.push.Subscribe(sctx, scope, func(ev Event) {
		m.handleEvent(sctx, scope, gen, ev)
	})

	m.mu.Lock()
	if !m.currentLocked(scope.Kind, gen) {
		m.mu.Unlock()
		if handle != nil {
			handle.Close()
		}
		return nil
	}
	if err != nil {
		delete(m.slots, scope.Kind)
		m.mu.Unlock()
		cancel()
		return fmt.Errorf("subscribe to %s: %w", scope.Key(), err)
	}
	s.handle = handle
	s.state = SlotLive
	m.mu.Unlock()

	m.logger.Debug("scope live", zap.String("scope", scope.Key()))
	return nil
}

// handleEvent normalizes one pushed event and applies it to the cache,
// unless the slot that subscribed has since been superseded.
func (m *Manager) handleEvent(ctx context.Context, scope Scope, gen uint64, ev Event) {
	ne, err := m.norm.Normalize(ctx, scope, ev)
	if err != nil {
		m.logger.Warn("dropping malformed event",
			zap.String("scope", scope.Key()),
			zap.Error(err))
		return
	}

	m.mu.Lock()
	if !m.currentLocked(scope.Kind, gen) {
		m.mu.Unlock()
		return
	}
	switch ne.Kind {
	case EventInsert, EventUpdate:
		m.engine.Upsert(scope, ne.Record)
	case EventDelete:
		m.engine.Remove(scope, ne.Record.ID)
	}
	m.mu.Unlock()
	m.notify(scope)
}

// Deactivate closes the scope's subscription if it is the live one for its
// kind. The cache entry is retained for fast re-entry. Deactivating a scope
// that is not live is a no-op.
func (m *Manager) Deactivate(scope Scope) {
	m.mu.Lock()
	cur, ok := m.slots[scope.Kind]
	if !ok || cur.scope != scope {
		m.mu.Unlock()
		return
	}
	m.teardownLocked(cur)
	delete(m.slots, scope.Kind)
	m.mu.Unlock()
}

// Shutdown tears down every live subscription.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for kind, s := range m.slots {
		m.teardownLocked(s)
		delete(m.slots, kind)
	}
	m.mu.Unlock()
}

// State reports the live scope and lifecycle phase for a scope kind.
func (m *Manager) State(kind ScopeKind) (Scope, SlotState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.slots[kind]; ok {
		return s.scope, s.state
	}
	return Scope{}, SlotInactive
}

func (m *Manager) currentLocked(kind ScopeKind, gen uint64) bool {
	s, ok := m.slots[kind]
	return ok && s.gen == gen
}

// teardownLocked cancels the slot's context and closes its handle. Cancel
// fires on every exit path (scope change, deactivation, shutdown) so
// in-flight fetches and side-lookups for the old scope die with it.
func (m *Manager) teardownLocked(s *slot) {
	s.cancel()
	if s.handle != nil {
		if err := s.handle.Close(); err != nil {
			m.logger.Warn("closing subscription",
				zap.String("scope", s.scope.Key()),
				zap.Error(err))
		}
		s.handle = nil
	}
	s.state = SlotInactive
	m.logger.Debug("scope deactivated", zap.String("scope", s.scope.Key()))
}
