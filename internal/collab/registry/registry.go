// Package registry implements the lifecycle manager: lazy session
// creation, the one-session-per-note invariant under concurrent
// connects, and destruction of a session's resources exactly when its
// last connection leaves (spec §4.5).
package registry

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/hedgedoc/collab-core/internal/collab/collabapi"
	"github.com/hedgedoc/collab-core/internal/collab/docsync"
	"github.com/hedgedoc/collab-core/internal/collab/errtypes"
	"github.com/hedgedoc/collab-core/internal/collab/note"
	"github.com/hedgedoc/collab-core/internal/collab/wire"
	"github.com/hedgedoc/collab-core/internal/collabutil"
)

// DocumentFactory builds the external CRDT document and awareness
// objects for a note. Supplied by the caller wiring in a real CRDT
// binding; the registry itself never constructs CRDT state directly
// (spec §1's "out of scope" boundary).
type DocumentFactory func(ctx context.Context, noteID string) (docsync.CRDTDocument, docsync.CRDTAwareness, error)

// connEntry is the registry's per-connection index record (spec §3's
// "connection → NoteSession" half of the registry map).
type connEntry struct {
	session *note.NoteSession
	noteID  string
}

// Registry is the SessionRegistry/Gateway of spec §4.5: one instance
// per gateway, never a process-wide singleton (spec §9), so tests can
// construct several independent registries.
type Registry struct {
	notes       collabapi.NoteService
	documentFor DocumentFactory
	documentField string
	log         *zap.Logger
	metrics     *Metrics

	creationLock *keyLock

	mu       sync.Mutex
	sessions map[string]*note.NoteSession
	conns    map[docsync.Origin]*connEntry
}

// New constructs an empty Registry. documentField is the CRDT text
// field name every DocumentReplica seeds (spec §3's "named text field
// (the note body)").
func New(notes collabapi.NoteService, documentFor DocumentFactory, documentField string, log *zap.Logger, metrics *Metrics) *Registry {
	return &Registry{
		notes:         notes,
		documentFor:   documentFor,
		documentField: documentField,
		log:           log,
		metrics:       metrics,
		creationLock:  newKeyLock(),
		sessions:      make(map[string]*note.NoteSession),
		conns:         make(map[docsync.Origin]*connEntry),
	}
}

// GetOrCreate returns the existing session for noteID, or lazily builds
// one, fetching initial content exactly once even under N concurrent
// callers for the same noteID (spec §8 invariant 1, §5's mandated
// per-noteId creation lock).
func (r *Registry) GetOrCreate(ctx context.Context, noteID string) (*note.NoteSession, error) {
	r.mu.Lock()
	if s, ok := r.sessions[noteID]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	// Serialize construction per noteID without blocking unrelated
	// notes, and without holding the registry mutex across the
	// content fetch (spec §5).
	r.creationLock.Lock(noteID)
	defer r.creationLock.Unlock(noteID)

	// Re-check: a concurrent caller may have finished construction while
	// we waited for the creation lock.
	r.mu.Lock()
	if s, ok := r.sessions[noteID]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	content, err := r.notes.Content(ctx, collabapi.Note{ID: noteID, Field: r.documentField})
	if err != nil {
		return nil, errtypes.New(errtypes.KindInternalError, "registry.GetOrCreate.content", err)
	}

	doc, awareness, err := r.documentFor(ctx, noteID)
	if err != nil {
		return nil, errtypes.New(errtypes.KindInternalError, "registry.GetOrCreate.document", err)
	}

	session, err := note.New(noteID, doc, awareness, r.documentField, content, r.log)
	if err != nil {
		return nil, err
	}
	session.OnEmpty = r.onSessionEmpty

	r.mu.Lock()
	r.sessions[noteID] = session
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.ActiveSessions.Inc()
	}

	return session, nil
}

// Connect attaches a new connection identified by origin to noteID's
// session, creating the session if this is the first connect. It
// records the connection in the registry's connection index so
// Dispatch/Disconnect can find it without the caller threading the
// session reference around.
func (r *Registry) Connect(ctx context.Context, noteID string, origin docsync.Origin, sender note.Sender) (*note.NoteSession, error) {
	session, err := r.GetOrCreate(ctx, noteID)
	if err != nil {
		return nil, err
	}

	session.Attach(origin, sender)

	r.mu.Lock()
	r.conns[origin] = &connEntry{session: session, noteID: noteID}
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.ActiveConnections.Inc()
	}

	return session, nil
}

// Dispatch decodes an inbound frame and routes it to origin's session.
// A frame for a connection with no index entry is silently dropped —
// the connection may be mid-teardown (spec §4.5's dispatch rule).
func (r *Registry) Dispatch(origin docsync.Origin, frame []byte) error {
	r.mu.Lock()
	entry, ok := r.conns[origin]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	msgType, reader, err := wire.DecodeFrame(frame)
	if err != nil {
		return errtypes.New(errtypes.KindProtocolError, "registry.Dispatch.decode", err)
	}
	if r.metrics != nil {
		r.metrics.FramesRouted.WithLabelValues(msgType.String()).Inc()
	}
	return entry.session.RouteFrame(origin, msgType, reader)
}

// Disconnect detaches origin from its session and removes the
// registry's connection index entry. Session removal/destruction, if
// this was the last connection, happens via the session's OnEmpty
// callback (registered in GetOrCreate), which Detach invokes
// synchronously while still holding the session mutex.
func (r *Registry) Disconnect(origin docsync.Origin) {
	r.mu.Lock()
	entry, ok := r.conns[origin]
	if ok {
		delete(r.conns, origin)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	entry.session.Detach(origin)
	if r.metrics != nil {
		r.metrics.ActiveConnections.Dec()
	}
}

// Lookup returns the session currently registered for noteID, if any.
// Exposed for tests asserting spec §8 invariant 2 (session lifetime).
func (r *Registry) Lookup(noteID string) (*note.NoteSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[noteID]
	return s, ok
}

// onSessionEmpty is the session's OnEmpty callback: remove it from the
// registry map and destroy its CRDT resources. It takes the registry
// mutex while its caller (Detach) holds the session mutex, which is the
// permitted order: the registry mutex is never held while acquiring a
// session mutex (lock-ordering rule, spec §5). It only touches the
// registry map under the registry mutex, then releases it before doing
// anything else.
//
// Destroy itself re-acquires the session mutex, which Detach — this
// callback's caller — is still holding at this point, so Destroy cannot
// run synchronously here without deadlocking. SafeGo defers it to a
// background goroutine, which runs it once Detach has returned and
// released the session mutex, satisfying spec.md §3's "release CRDT
// resources" step of session destruction without a lock-ordering cycle.
func (r *Registry) onSessionEmpty(s *note.NoteSession) {
	r.mu.Lock()
	if r.sessions[s.NoteID] == s {
		delete(r.sessions, s.NoteID)
	}
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.ActiveSessions.Dec()
	}

	collabutil.SafeGo(r.log, s.Destroy)
}

// Shutdown closes every active session: invokes Destroy (which runs
// BeforeDestroy) for each, so a process restart does not silently drop
// onBeforeDestroy persistence hooks (SPEC_FULL §7's graceful shutdown).
// Destroy is safe to call on a session with connections still attached;
// callers are expected to have already closed transports before
// invoking Shutdown.
func (r *Registry) Shutdown(_ context.Context) {
	r.mu.Lock()
	sessions := make([]*note.NoteSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*note.NoteSession)
	r.conns = make(map[docsync.Origin]*connEntry)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Destroy()
	}
}
