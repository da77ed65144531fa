// Package errtypes defines the classified error kinds the gateway
// dispatcher uses to decide whether to close a connection, drop a
// single frame, or tear down a whole session.
package errtypes

import "errors"

// Kind identifies one of the error categories the gateway dispatcher
// classifies incoming failures into.
type Kind int

const (
	// KindAuthRejected: missing/invalid cookie, unknown session, unknown user.
	KindAuthRejected Kind = iota
	// KindPermissionDenied: user lacks read permission on the note.
	KindPermissionDenied
	// KindResolveFailed: URL path does not resolve to a note.
	KindResolveFailed
	// KindProtocolError: malformed frame, unknown message type, decode failure.
	KindProtocolError
	// KindTransportError: underlying socket error.
	KindTransportError
	// KindInternalError: unexpected failure during fan-out or routing.
	KindInternalError
)

func (k Kind) String() string {
	switch k {
	case KindAuthRejected:
		return "auth_rejected"
	case KindPermissionDenied:
		return "permission_denied"
	case KindResolveFailed:
		return "resolve_failed"
	case KindProtocolError:
		return "protocol_error"
	case KindTransportError:
		return "transport_error"
	case KindInternalError:
		return "internal_error"
	default:
		return "unknown"
	}
}

// Error is a classified error carrying its Kind for errors.As-based
// dispatch, following the classification idiom the teacher uses for
// connection errors (typed checks first, message fallback only for
// errors that cross a library boundary and lose type information).
type Error struct {
	Kind Kind
	Op   string // the operation where the error occurred, e.g. "attach", "routeFrame"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified Error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}
