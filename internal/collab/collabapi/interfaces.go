// Package collabapi defines the narrow interfaces this core consumes
// from its external collaborators — the note store, the session/user
// directory, and the permission service — none of which are
// implemented here (spec §1's "out of scope" boundary). It also
// defines the pluggable cookie-signature validator spec §9 leaves as an
// open question.
package collabapi

import "context"

// Note identifies a resolved note. Opaque beyond what this core needs:
// an identity and the field the document body lives in.
type Note struct {
	ID    string
	Field string
}

// User identifies an authenticated principal.
type User struct {
	Name string
}

// NoteService resolves URL paths to notes and fetches seed content.
type NoteService interface {
	// Resolve maps a request path tail to a Note, or returns an error if
	// no note matches (spec §6, classified as ResolveFailed).
	Resolve(ctx context.Context, urlPath string) (Note, error)
	// Content returns the note's current text, used once per session to
	// seed the DocumentReplica (spec §4.4/§8 invariant 6).
	Content(ctx context.Context, note Note) (string, error)
}

// SessionService maps an opaque session identifier to a username.
type SessionService interface {
	UsernameFor(ctx context.Context, sessionID string) (string, error)
}

// UserService resolves a username to a User record.
type UserService interface {
	ByName(ctx context.Context, username string) (User, error)
}

// PermissionsService gates read access.
type PermissionsService interface {
	MayRead(ctx context.Context, user User, note Note) (bool, error)
}
