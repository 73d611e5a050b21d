package orbit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ============================================================================
// Optimistic Write Tracker
// ============================================================================

// WriteResult is the resolution of an optimistic write: the confirmed record
// on success, or the backend error (verbatim) on rejection.
type WriteResult struct {
	Record Record
	Err    error
}

// Tracker creates provisional records for user-initiated writes and
// reconciles them with the backend's authoritative confirmation.
type Tracker struct {
	backend Backend
	engine  *Engine
	logger  *zap.Logger
	notify  func(Scope)
	now     func() time.Time
	newID   func() string
}

// NewTracker wires a tracker to the engine it writes through. notify is
// invoked after every cache mutation so the store can fan out to watchers;
// it may be nil.
func NewTracker(backend Backend, engine *Engine, logger *zap.Logger, notify func(Scope)) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notify == nil {
		notify = func(Scope) {}
	}
	return &Tracker{
		backend: backend,
		engine:  engine,
		logger:  logger,
		notify:  notify,
		now:     time.Now,
		newID:   func() string { return OptimisticIDPrefix + uuid.NewString() },
	}
}

// BeginWrite synchronously inserts a provisional record with a generated
// temporary identity and Optimistic=true, then issues the real mutation.
// The temp id is returned immediately so the UI can render a pending
// indicator; the result channel resolves exactly once.
//
// On success the provisional record is replaced wholesale by the confirmed
// one (identity changes from temporary to authoritative). On failure it is
// removed and the backend error is surfaced; the write is never retried
// here; retry policy belongs to the caller.
func (t *Tracker) BeginWrite(ctx context.Context, scope Scope, kind EntityKind, payload map[string]any) (string, <-chan WriteResult) {
	tempID := t.newID()
	provisional := Record{
		ID:         tempID,
		CreatedAt:  t.now().UTC(),
		Optimistic: true,
		Fields:     clonePayload(payload),
	}
	t.engine.Upsert(scope, provisional)
	t.notify(scope)

	done := make(chan WriteResult, 1)
	go t.resolve(ctx, scope, kind, tempID, payload, done)
	return tempID, done
}

func (t *Tracker) resolve(ctx context.Context, scope Scope, kind EntityKind, tempID string, payload map[string]any, done chan<- WriteResult) {
	confirmed, err := t.backend.Mutate(ctx, kind, payload)
	if err != nil {
		t.engine.Remove(scope, tempID)
		t.notify(scope)
		t.logger.Warn("optimistic write rejected",
			zap.String("scope", scope.Key()),
			zap.String("temp_id", tempID),
			zap.Error(err))
		done <- WriteResult{Err: fmt.Errorf("mutate %s: %w", kind, err)}
		return
	}

	// The streamed echo of this write may have landed first; the engine's
	// fallback-upsert keeps exactly one record either way.
	t.engine.ReplaceOptimistic(scope, tempID, confirmed)
	t.notify(scope)
	t.logger.Debug("optimistic write confirmed",
		zap.String("scope", scope.Key()),
		zap.String("temp_id", tempID),
		zap.String("id", confirmed.ID))
	done <- WriteResult{Record: confirmed}
}

func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}
