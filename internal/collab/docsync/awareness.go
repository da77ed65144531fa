package docsync

import "sync"

// ChangeEvent is delivered to AwarenessReplica.OnChange listeners.
type ChangeEvent struct {
	Added, Updated, Removed []uint64
	Origin                  Origin
}

// AwarenessReplica wraps a CRDTAwareness, tagging every change event
// with the originating connection and tracking, per connection, which
// client IDs it introduced (spec §4.3).
//
// Key rule (spec §4.3): when the change handler fires with a non-nil
// origin, every ID reported as Added or Removed is recorded as owned by
// that origin. IDs reported only as Updated are never recorded as
// newly owned — observing an update without a prior Add is unexpected
// and not mapped to an owner.
type AwarenessReplica struct {
	awareness CRDTAwareness

	listenersMu sync.Mutex
	listeners   []func(ChangeEvent)

	mu         sync.Mutex
	owned      map[Origin]map[uint64]struct{}
	currentOrg Origin
}

// NewAwarenessReplica wraps awareness, clearing its local state since
// the server is not a "user" with a cursor (spec §3).
func NewAwarenessReplica(awareness CRDTAwareness) *AwarenessReplica {
	a := &AwarenessReplica{
		awareness: awareness,
		owned:     make(map[Origin]map[uint64]struct{}),
	}
	awareness.OnChange(a.dispatch)
	awareness.ClearLocalState()
	return a
}

// ApplyRemote applies a peer's awareness update bound to origin.
func (a *AwarenessReplica) ApplyRemote(payload []byte, origin Origin) error {
	a.mu.Lock()
	a.currentOrg = origin
	err := a.awareness.ApplyUpdate(payload)
	a.currentOrg = nil
	a.mu.Unlock()
	return err
}

// OnChange registers a handler invoked with ({added, updated, removed}, origin).
func (a *AwarenessReplica) OnChange(f func(added, updated, removed []uint64, origin Origin)) {
	a.listenersMu.Lock()
	defer a.listenersMu.Unlock()
	a.listeners = append(a.listeners, func(ev ChangeEvent) {
		f(ev.Added, ev.Updated, ev.Removed, ev.Origin)
	})
}

// RemoveStates locally expires ids, producing a change event with
// origin nil so it is broadcast to all remaining peers.
func (a *AwarenessReplica) RemoveStates(ids []uint64) {
	if len(ids) == 0 {
		return
	}
	a.mu.Lock()
	a.currentOrg = nil
	a.awareness.RemoveStates(ids)
	a.mu.Unlock()
}

// EncodeUpdate returns the awareness payload for the given IDs, for
// broadcast.
func (a *AwarenessReplica) EncodeUpdate(ids []uint64) []byte {
	return a.awareness.EncodeUpdate(ids)
}

// OwnedIDsOf returns the set of client IDs introduced by origin,
// tracked so that disconnect can synthesize their removal.
func (a *AwarenessReplica) OwnedIDsOf(origin Origin) []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	set := a.owned[origin]
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// ForgetOrigin drops bookkeeping for origin once it has disconnected
// and its final removal has been synthesized.
func (a *AwarenessReplica) ForgetOrigin(origin Origin) {
	a.mu.Lock()
	delete(a.owned, origin)
	a.mu.Unlock()
}

// Destroy releases the underlying awareness engine.
func (a *AwarenessReplica) Destroy() {
	a.awareness.Destroy()
}

// dispatch runs synchronously under a.mu (held by the caller of
// ApplyRemote/RemoveStates), recording ownership before notifying
// listeners.
func (a *AwarenessReplica) dispatch(added, updated, removed []uint64) {
	origin := a.currentOrg

	if origin != nil && (len(added) > 0 || len(removed) > 0) {
		set := a.owned[origin]
		if set == nil {
			set = make(map[uint64]struct{})
			a.owned[origin] = set
		}
		for _, id := range added {
			set[id] = struct{}{}
		}
		for _, id := range removed {
			set[id] = struct{}{}
		}
	}

	ev := ChangeEvent{Added: added, Updated: updated, Removed: removed, Origin: origin}
	a.listenersMu.Lock()
	listeners := append([]func(ChangeEvent){}, a.listeners...)
	a.listenersMu.Unlock()
	for _, l := range listeners {
		l(ev)
	}
}
