package orbit

import (
	"sort"
	"sync"
)

// ============================================================================
// Presence Aggregator
// ============================================================================

// Aggregator maintains, per presence domain, the union of every observer's
// reported participant list. A participant is online if at least one
// observer still reports them, so a leave on one observer channel never
// flickers a participant another observer still holds.
//
// Only eventual consistency of the union is guaranteed; presence events
// need no ordering beyond that.
type Aggregator struct {
	mu sync.RWMutex
	// domain -> participant -> observer refs reporting them
	domains map[string]map[string]map[string]struct{}
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{domains: make(map[string]map[string]map[string]struct{})}
}

// Apply merges one observer's presence event into the domain's union.
//
//   - sync: the authoritative full participant list for that observer ref;
//     contributions the ref made earlier but no longer reports are dropped.
//   - join: the ref additionally reports the listed participants.
//   - leave: the ref stops reporting the listed participants.
func (a *Aggregator) Apply(domain string, ev PresenceEvent) {
	if ev.ObserverRef == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	d := a.domains[domain]
	if d == nil {
		d = make(map[string]map[string]struct{})
		a.domains[domain] = d
	}

	switch ev.Kind {
	case PresenceSync:
		for participant, refs := range d {
			delete(refs, ev.ObserverRef)
			if len(refs) == 0 {
				delete(d, participant)
			}
		}
		for _, participant := range ev.Participants {
			addRef(d, participant, ev.ObserverRef)
		}
	case PresenceJoin:
		for _, participant := range ev.Participants {
			addRef(d, participant, ev.ObserverRef)
		}
	case PresenceLeave:
		for _, participant := range ev.Participants {
			refs := d[participant]
			delete(refs, ev.ObserverRef)
			if len(refs) == 0 {
				delete(d, participant)
			}
		}
	}
}

func addRef(d map[string]map[string]struct{}, participant, ref string) {
	if participant == "" {
		return
	}
	refs := d[participant]
	if refs == nil {
		refs = make(map[string]struct{})
		d[participant] = refs
	}
	refs[ref] = struct{}{}
}

// Online returns the sorted set of participants currently present in the
// domain's union.
func (a *Aggregator) Online(domain string) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	d := a.domains[domain]
	out := make([]string, 0, len(d))
	for participant := range d {
		out = append(out, participant)
	}
	sort.Strings(out)
	return out
}

// IsOnline reports whether any observer currently reports the participant.
func (a *Aggregator) IsOnline(domain, participant string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.domains[domain][participant]) > 0
}

// DropDomain discards all presence state for one domain.
func (a *Aggregator) DropDomain(domain string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.domains, domain)
}

// Reset discards every domain. Used on sign-out.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.domains = make(map[string]map[string]map[string]struct{})
}
