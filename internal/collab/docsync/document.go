// Package docsync wraps the external CRDT engine's document and
// awareness objects with the event semantics spec §4.2/§4.3 describe.
// The CRDT engine itself is an external collaborator (spec §1) — this
// package only defines the interface boundary it is consumed through
// and the origin-tagging/fan-out bookkeeping layered on top.
package docsync

import (
	"sync"
)

// Origin identifies the Connection that submitted a change, or nil for
// a server-internal change (the initial content seed, or a locally
// synthesized awareness removal). Connection identity is opaque to this
// package; callers pass whatever comparable value they use to track
// connections.
type Origin = any

// CRDTDocument is the subset of the external CRDT document engine this
// package depends on. A real binding (e.g. a Go port of the yjs/Yrs
// sync protocol) implements this against its own document type.
type CRDTDocument interface {
	// InsertText inserts text into the named field at offset. Used once,
	// with origin nil, to seed the initial server-side content.
	InsertText(field string, offset int, text string) error
	// ApplySyncMessage feeds an inbound sync-protocol payload (step-1,
	// step-2, or update) into the reader. It returns response bytes to
	// send back (e.g. for a step-1 state-vector request) or nil if no
	// reply is needed. Applying a non-empty delta synchronously invokes
	// every registered update listener exactly once.
	ApplySyncMessage(payload []byte) (reply []byte, err error)
	// OnUpdate registers a listener invoked for every local or applied
	// change, carrying the encoded update bytes.
	OnUpdate(listener func(update []byte))
	// Destroy releases the document's CRDT structures.
	Destroy()
}

// CRDTAwareness is the subset of the external CRDT awareness engine
// this package depends on.
type CRDTAwareness interface {
	// ApplyUpdate applies a peer's awareness payload, synchronously
	// invoking the registered change listener with the set of
	// added/updated/removed client IDs.
	ApplyUpdate(payload []byte) error
	// OnChange registers the change listener.
	OnChange(listener func(added, updated, removed []uint64))
	// RemoveStates locally expires the given client IDs, synchronously
	// invoking the change listener with them reported as removed.
	RemoveStates(ids []uint64)
	// EncodeUpdate returns the awareness update payload describing the
	// current state of the given client IDs, for broadcast.
	EncodeUpdate(ids []uint64) []byte
	// ClearLocalState clears the server's own awareness entry — the
	// server is not a "user" with a cursor (spec §3).
	ClearLocalState()
	// Destroy releases the awareness engine's structures.
	Destroy()
}

// UpdateEvent is delivered to DocumentReplica.OnUpdate listeners.
type UpdateEvent struct {
	Update []byte
	Origin Origin
}

// DocumentReplica wraps a CRDTDocument, tagging every emitted update
// with the submitting connection (or nil for server-internal changes),
// per spec §4.2.
type DocumentReplica struct {
	mu  sync.Mutex // guards currentOrigin during ApplyRemoteSync/seed
	doc CRDTDocument

	listenersMu sync.Mutex
	listeners   []func(UpdateEvent)

	currentOrigin Origin
}

// NewDocumentReplica wraps doc and seeds it with initialText at offset
// 0, using origin nil so the seed is never fanned out (spec §3/§4.2).
func NewDocumentReplica(doc CRDTDocument, field, initialText string) (*DocumentReplica, error) {
	d := &DocumentReplica{doc: doc}
	doc.OnUpdate(d.dispatch)

	d.mu.Lock()
	d.currentOrigin = nil
	err := doc.InsertText(field, 0, initialText)
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ApplyRemoteSync feeds payload into the sync-protocol reader, tagging
// any update(s) it triggers with origin. If the engine produces
// response bytes (e.g. for a step-1 request), they are returned
// ready to send as a SYNC frame; otherwise the second return is nil.
func (d *DocumentReplica) ApplyRemoteSync(payload []byte, origin Origin) ([]byte, error) {
	d.mu.Lock()
	d.currentOrigin = origin
	reply, err := d.doc.ApplySyncMessage(payload)
	d.currentOrigin = nil
	d.mu.Unlock()
	return reply, err
}

// OnUpdate registers a handler invoked for every change to the
// document, local or remote, with (updateBytes, origin).
func (d *DocumentReplica) OnUpdate(f func(update []byte, origin Origin)) {
	d.listenersMu.Lock()
	defer d.listenersMu.Unlock()
	d.listeners = append(d.listeners, func(ev UpdateEvent) { f(ev.Update, ev.Origin) })
}

// dispatch is registered with the underlying CRDTDocument and runs
// under d.mu (held by the caller of ApplyRemoteSync/NewDocumentReplica),
// so currentOrigin is stable for the duration of the synchronous
// callback.
func (d *DocumentReplica) dispatch(update []byte) {
	ev := UpdateEvent{Update: update, Origin: d.currentOrigin}
	d.listenersMu.Lock()
	listeners := append([]func(UpdateEvent){}, d.listeners...)
	d.listenersMu.Unlock()
	for _, l := range listeners {
		l(ev)
	}
}

// Destroy releases the underlying CRDT document.
func (d *DocumentReplica) Destroy() {
	d.doc.Destroy()
}
