package orbit

import (
	"sort"
	"sync"
)

// ============================================================================
// Per-Scope Cache & Merge Engine
// ============================================================================

// Engine holds the ordered record sequence for every scope and is the sole
// mutation gateway into cached state. All operations are pure merges: they
// cannot fail, and applying the same operation twice yields the same final
// state (the push transport is at-least-once and redelivers).
//
// Readers always observe records sorted ascending by CreatedAt, ties broken
// by ID for determinism. Position is re-derived on every merge, never
// preserved, so arrival order does not matter.
type Engine struct {
	mu     sync.RWMutex
	scopes map[string][]Record
}

// NewEngine creates an empty engine.
func NewEngine() *Engine {
	return &Engine{scopes: make(map[string][]Record)}
}

func recordLess(a, b Record) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool { return recordLess(recs[i], recs[j]) })
}

// Upsert inserts rec into scope, or replaces the existing record with the
// same identity. Last write wins; a redelivered duplicate is a no-op in
// effect because the replacement carries identical state.
func (e *Engine) Upsert(scope Scope, rec Record) {
	key := scope.Key()
	e.mu.Lock()
	defer e.mu.Unlock()

	seq := e.scopes[key]
	replaced := false
	for i := range seq {
		if seq[i].ID == rec.ID {
			seq[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		seq = append(seq, rec)
	}
	sortRecords(seq)
	e.scopes[key] = seq
}

// Remove deletes the record with the given identity from scope. Removing an
// id that is not present is a no-op, not an error: a delete event may be
// redelivered, or may race a snapshot that never contained the record.
func (e *Engine) Remove(scope Scope, id string) bool {
	key := scope.Key()
	e.mu.Lock()
	defer e.mu.Unlock()

	seq := e.scopes[key]
	for i := range seq {
		if seq[i].ID == id {
			e.scopes[key] = append(seq[:i:i], seq[i+1:]...)
			return true
		}
	}
	return false
}

// ReplaceOptimistic atomically removes the optimistic record at tempID and
// inserts confirmed in its place. If tempID is no longer present (the
// streamed echo of the same logical write may have already superseded it)
// the confirmed record is upserted anyway. That fallback is what guarantees
// exactly one record survives the race between a mutation's direct response
// and its broadcast echo: never two, never zero.
func (e *Engine) ReplaceOptimistic(scope Scope, tempID string, confirmed Record) {
	key := scope.Key()
	e.mu.Lock()
	defer e.mu.Unlock()

	seq := e.scopes[key]
	out := seq[:0]
	for _, r := range seq {
		if r.ID == tempID || r.ID == confirmed.ID {
			continue
		}
		out = append(out, r)
	}
	out = append(out, confirmed)
	sortRecords(out)
	e.scopes[key] = out
}

// SetSnapshot replaces the entire sequence for a scope with recs. Pending
// optimistic records already in the cache are carried over rather than
// clobbered: they were created after the snapshot was requested and the
// snapshot cannot know about them. An optimistic record is dropped only if
// the snapshot somehow already contains its temp identity.
func (e *Engine) SetSnapshot(scope Scope, recs []Record) {
	key := scope.Key()
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make([]Record, 0, len(recs))
	seen := make(map[string]struct{}, len(recs))
	for _, r := range recs {
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}
		next = append(next, r)
	}
	for _, r := range e.scopes[key] {
		if !r.Optimistic {
			continue
		}
		if _, dup := seen[r.ID]; dup {
			continue
		}
		next = append(next, r)
	}
	sortRecords(next)
	e.scopes[key] = next
}

// Records returns a copy of the scope's ordered sequence. An inactive or
// unknown scope yields an empty slice, never nil, so it serializes to [].
func (e *Engine) Records(scope Scope) []Record {
	e.mu.RLock()
	defer e.mu.RUnlock()

	seq := e.scopes[scope.Key()]
	out := make([]Record, len(seq))
	copy(out, seq)
	return out
}

// Len returns the number of records cached for scope.
func (e *Engine) Len(scope Scope) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.scopes[scope.Key()])
}

// Drop discards the cached sequence for one scope.
func (e *Engine) Drop(scope Scope) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.scopes, scope.Key())
}

// Reset discards every scope's cache. Used on sign-out.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scopes = make(map[string][]Record)
}
