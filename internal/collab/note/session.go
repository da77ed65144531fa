// Package note implements NoteSession, the per-note aggregate of a
// DocumentReplica, an AwarenessReplica, and the set of attached
// connections, with the fan-out rules spec §4.4 defines. This is the
// hard part of the core: the concurrency and lifecycle discipline that
// guarantees exactly-once delivery and race-free create/destroy.
package note

import (
	"bytes"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/hedgedoc/collab-core/internal/collab/docsync"
	"github.com/hedgedoc/collab-core/internal/collab/errtypes"
	"github.com/hedgedoc/collab-core/internal/collab/wire"
	"github.com/hedgedoc/collab-core/internal/collabutil"
)

// State is a NoteSession's lifecycle stage (spec §4.4).
type State int

const (
	StateEmpty State = iota
	StateActive
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateActive:
		return "active"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Sender is the minimal transport surface NoteSession fans out
// through; transport.Connection satisfies it. Keeping NoteSession
// ignorant of the websocket specifics keeps it testable without a real
// socket.
type Sender interface {
	Send(payload []byte) error
}

// connState holds what a NoteSession keeps per attached connection: its
// sender. The connection's owned awareness IDs (spec §3's
// ownedAwarenessIds) are tracked by the AwarenessReplica, keyed by origin.
type connState struct {
	sender Sender
}

// NoteSession is the per-note aggregate of DocumentReplica +
// AwarenessReplica + the connection set (spec §3/§4.4).
type NoteSession struct {
	NoteID string

	log *zap.Logger

	document  *docsync.DocumentReplica
	awareness *docsync.AwarenessReplica

	// BeforeDestroy, if set, is invoked synchronously under mu
	// immediately before the CRDT document is released, so a persister
	// observes a quiescent document (spec §9's onBeforeDestroy hook).
	BeforeDestroy func(*NoteSession)

	// OnEmpty is invoked synchronously from Detach, still holding mu,
	// the moment connections becomes empty, so the registry can remove
	// the session from its map and schedule Destroy, which then runs on
	// another goroutine once Detach has released mu.
	OnEmpty func(*NoteSession)

	mu          sync.Mutex
	state       State
	connections map[docsync.Origin]*connState
}

// New constructs a NoteSession bound to noteID, seeding document with
// initialText. The session starts in state EMPTY and moves to ACTIVE on
// first Attach.
func New(noteID string, document docsync.CRDTDocument, awareness docsync.CRDTAwareness, documentField, initialText string, log *zap.Logger) (*NoteSession, error) {
	docReplica, err := docsync.NewDocumentReplica(document, documentField, initialText)
	if err != nil {
		return nil, errtypes.New(errtypes.KindInternalError, "note.New", err)
	}
	awarenessReplica := docsync.NewAwarenessReplica(awareness)

	s := &NoteSession{
		NoteID:      noteID,
		log:         log,
		document:    docReplica,
		awareness:   awarenessReplica,
		state:       StateEmpty,
		connections: make(map[docsync.Origin]*connState),
	}

	docReplica.OnUpdate(s.onDocumentUpdate)
	awarenessReplica.OnChange(s.onAwarenessChange)

	return s, nil
}

// Attach adds a connection to the session (spec §4.4). origin is the
// key this connection is addressed by for the lifetime of its
// membership — callers pass the same value to Detach and RouteFrame.
func (s *NoteSession) Attach(origin docsync.Origin, sender Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connections[origin] = &connState{sender: sender}
	s.state = StateActive
}

// Detach removes a connection, publishes removal of the awareness IDs
// it owned, and — if the session is now empty — invokes OnEmpty while
// still holding the session mutex (spec §4.4, §5's ordering guarantee).
func (s *NoteSession) Detach(origin docsync.Origin) {
	s.mu.Lock()
	locked := true
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("panic while detaching connection, destroying session",
				zap.String("noteId", s.NoteID), zap.Any("panic", rec), zap.Stack("stack"))
			if locked {
				s.mu.Unlock()
				locked = false
			}
			collabutil.SafeGo(s.log, s.Destroy)
			return
		}
		if locked {
			s.mu.Unlock()
		}
	}()

	if _, ok := s.connections[origin]; !ok {
		return
	}
	delete(s.connections, origin)

	owned := s.awareness.OwnedIDsOf(origin)
	if len(owned) > 0 {
		s.awareness.RemoveStates(owned)
	}
	s.awareness.ForgetOrigin(origin)

	if len(s.connections) == 0 {
		s.state = StateEmpty
		if s.OnEmpty != nil {
			s.OnEmpty(s)
		}
	}
}

// ConnectionCount reports the number of attached connections.
func (s *NoteSession) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

// State reports the session's current lifecycle stage.
func (s *NoteSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RouteFrame dispatches an inbound frame already split by the wire
// codec into (messageType, payloadReader) to the appropriate replica
// (spec §4.4). origin must already be attached; RouteFrame is a no-op
// if it is not (the connection may be mid-teardown).
func (s *NoteSession) RouteFrame(origin docsync.Origin, msgType wire.MessageType, r *bytes.Reader) (err error) {
	s.mu.Lock()
	locked := true
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("panic while routing frame, destroying session",
				zap.String("noteId", s.NoteID), zap.Any("panic", rec), zap.Stack("stack"))
			if locked {
				s.mu.Unlock()
				locked = false
			}
			collabutil.SafeGo(s.log, s.Destroy)
			err = errtypes.New(errtypes.KindInternalError, "routeFrame.panic", fmt.Errorf("%v", rec))
			return
		}
		if locked {
			s.mu.Unlock()
		}
	}()

	if _, ok := s.connections[origin]; !ok {
		locked = false
		s.mu.Unlock()
		return nil
	}

	switch msgType {
	case wire.MessageSync:
		// The sync-protocol payload is self-delimiting (consumes to the
		// end of the message; no separate length prefix per spec §6).
		payload := make([]byte, r.Len())
		_, _ = r.Read(payload)

		reply, applyErr := s.document.ApplyRemoteSync(payload, origin)
		locked = false
		s.mu.Unlock()
		if applyErr != nil {
			return errtypes.New(errtypes.KindProtocolError, "routeFrame.sync", applyErr)
		}
		if reply != nil {
			sender := s.lookupSender(origin)
			if sender != nil {
				_ = sender.Send(wire.EncodeSyncFrame(reply))
			}
		}
		return nil
	case wire.MessageAwareness:
		// AWARENESS payloads are varuint-length-prefixed (spec §6).
		payload, decErr := wire.ReadVaruintBytes(r)
		if decErr != nil {
			locked = false
			s.mu.Unlock()
			return errtypes.New(errtypes.KindProtocolError, "routeFrame.awareness", decErr)
		}
		applyErr := s.awareness.ApplyRemote(payload, origin)
		locked = false
		s.mu.Unlock()
		if applyErr != nil {
			return errtypes.New(errtypes.KindProtocolError, "routeFrame.awareness", applyErr)
		}
		return nil
	case wire.MessageHedgedoc:
		// Inbound HEDGEDOC frames are accepted and silently ignored
		// (spec §4.1); whether they ever carry meaningful payloads is an
		// open question this core does not resolve.
		locked = false
		s.mu.Unlock()
		return nil
	default:
		locked = false
		s.mu.Unlock()
		return errtypes.New(errtypes.KindProtocolError, "routeFrame", &wire.DecodeError{Reason: msgType.String()})
	}
}

// NotifyPermissionChange broadcasts a HEDGEDOC notification frame to
// every attached connection (spec §9's acknowledged-but-unnamed
// outbound hook).
func (s *NoteSession) NotifyPermissionChange(subtype uint64, payload []byte) {
	s.mu.Lock()
	locked := true
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("panic while broadcasting permission change, destroying session",
				zap.String("noteId", s.NoteID), zap.Any("panic", rec), zap.Stack("stack"))
			if locked {
				s.mu.Unlock()
				locked = false
			}
			collabutil.SafeGo(s.log, s.Destroy)
			return
		}
		if locked {
			s.mu.Unlock()
		}
	}()

	frame := wire.EncodeHedgedocFrame(subtype, payload)
	for _, sender := range s.allSenders() {
		_ = sender.Send(frame)
	}
}

// Destroy tears the session down: invokes BeforeDestroy, then releases
// the document and awareness replicas. It does not detach or close any
// connection still attached: it is called by the registry once the
// session is empty or at shutdown, and by the session's own panic
// recovery. Calls after the first are no-ops.
func (s *NoteSession) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateDestroyed {
		return
	}
	if s.BeforeDestroy != nil {
		s.BeforeDestroy(s)
	}
	s.document.Destroy()
	s.awareness.Destroy()
	s.state = StateDestroyed
}

// onDocumentUpdate is registered with DocumentReplica.OnUpdate. The
// CRDT library invokes it synchronously from within
// DocumentReplica.ApplyRemoteSync, which RouteFrame only ever calls
// while already holding s.mu (spec §9: "document that the invocation
// happens under the session lock so fan-out is safe") — so this method
// must NOT acquire s.mu itself, only read s.connections directly. A
// panic here unwinds into RouteFrame's own deferred recover, on the same
// goroutine and call stack, which logs it and destroys the session.
func (s *NoteSession) onDocumentUpdate(update []byte, origin docsync.Origin) {
	frame := wire.EncodeSyncFrame(update)
	for connOrigin, cs := range s.connections {
		if connOrigin == origin {
			continue
		}
		if err := cs.sender.Send(frame); err != nil {
			s.log.Debug("dropped document update to slow/closed connection", zap.String("noteId", s.NoteID), zap.Error(err))
		}
	}
}

// onAwarenessChange is registered with AwarenessReplica.OnChange; like
// onDocumentUpdate it always runs with s.mu already held by its caller
// (RouteFrame or Detach) and must not lock it again. Broadcasts to
// every connection including the origin (spec §4.4's echo rule). A
// panic here unwinds into the caller's own deferred recover.
func (s *NoteSession) onAwarenessChange(added, updated, removed []uint64, origin docsync.Origin) {
	ids := make([]uint64, 0, len(added)+len(updated)+len(removed))
	ids = append(ids, added...)
	ids = append(ids, updated...)
	ids = append(ids, removed...)
	if len(ids) == 0 {
		return
	}

	frame := wire.EncodeAwarenessFrame(wire.WriteVaruintBytes(s.awareness.EncodeUpdate(ids)))
	for _, cs := range s.connections {
		if err := cs.sender.Send(frame); err != nil {
			s.log.Debug("dropped awareness update to slow/closed connection", zap.String("noteId", s.NoteID), zap.Error(err))
		}
	}
}

// allSenders must be called with mu held.
func (s *NoteSession) allSenders() []Sender {
	out := make([]Sender, 0, len(s.connections))
	for _, cs := range s.connections {
		out = append(out, cs.sender)
	}
	return out
}

// lookupSender must be called without mu held (it locks internally);
// used for the single-recipient step-2 reply path.
func (s *NoteSession) lookupSender(origin docsync.Origin) Sender {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.connections[origin]
	if !ok {
		return nil
	}
	return cs.sender
}
