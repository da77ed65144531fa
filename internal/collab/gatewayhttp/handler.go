// Package gatewayhttp implements the WebSocket upgrade handler that
// authenticates a connection, resolves it to a note, and hands it to
// the registry (spec §4.5's "connect handling" and spec §6's external
// transport endpoint).
package gatewayhttp

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hedgedoc/collab-core/internal/collab/collabapi"
	"github.com/hedgedoc/collab-core/internal/collab/errtypes"
	"github.com/hedgedoc/collab-core/internal/collab/registry"
	"github.com/hedgedoc/collab-core/internal/collab/transport"
)

// Handler upgrades HTTP requests under /realtime/{notePath} to
// WebSocket connections, performing auth/permission checks before
// handing the connection to a registry.Registry (spec §4.5.1).
type Handler struct {
	Registry        *registry.Registry
	Notes           collabapi.NoteService
	Sessions        collabapi.SessionService
	Users           collabapi.UserService
	Permissions     collabapi.PermissionsService
	CookieValidator collabapi.CookieValidator
	CookieName      string
	ConnectTimeout  time.Duration
	SendBufferSize  int
	Log             *zap.Logger

	upgrader websocket.Upgrader
}

// RegisterRoutes mounts the realtime upgrade endpoint on r.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		Subprotocols:    []string{},
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	r.HandleFunc("/realtime/{notePath:.*}", h.handleUpgrade)
}

// handleUpgrade runs the spec §4.5.1 connect sequence: cookie parsing,
// session/user/permission lookups, note resolution, then the WebSocket
// upgrade and registry attach. Every failure closes the connection with
// a logged reason and no structured error payload (spec §6's
// acknowledged gap); the whole sequence is bounded by ConnectTimeout.
func (h *Handler) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.ConnectTimeout)
	defer cancel()

	notePath := mux.Vars(r)["notePath"]

	user, note, err := h.authenticate(ctx, r, notePath)
	if err != nil {
		h.rejectWithLog(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Info("websocket upgrade failed", zap.Error(err), zap.String("notePath", notePath))
		return
	}

	if ctx.Err() != nil {
		h.Log.Info("connect timed out before attach", zap.String("notePath", notePath), zap.String("user", user.Name))
		_ = conn.Close()
		return
	}

	// connID is generated before the Connection exists so neither
	// callback below needs a reference to the *transport.Connection
	// that New is still constructing — avoiding a construction-order
	// race on a closed-over variable.
	connID := uuid.NewString()

	wrapped := transport.New(conn, h.Log, h.SendBufferSize,
		func(frame []byte) error {
			return h.Registry.Dispatch(connID, frame)
		},
		func(string) {
			h.Registry.Disconnect(connID)
		},
	)

	if _, err := h.Registry.Connect(ctx, note.ID, connID, wrapped); err != nil {
		h.Log.Error("failed to attach connection to session", zap.Error(err), zap.String("noteId", note.ID))
		wrapped.Close("attach failed")
		return
	}
}

// authenticate runs the cookie/session/user/permission chain, returning
// a classified *errtypes.Error on any failure (spec §7).
func (h *Handler) authenticate(ctx context.Context, r *http.Request, notePath string) (collabapi.User, collabapi.Note, error) {
	var zeroUser collabapi.User
	var zeroNote collabapi.Note

	cookie, err := r.Cookie(h.CookieName)
	if err != nil {
		return zeroUser, zeroNote, errtypes.New(errtypes.KindAuthRejected, "authenticate.cookie", err)
	}
	if h.CookieValidator != nil {
		if err := h.CookieValidator.Validate(cookie.Value); err != nil {
			return zeroUser, zeroNote, errtypes.New(errtypes.KindAuthRejected, "authenticate.signature", err)
		}
	}
	sessionID, ok := collabapi.ParseSessionCookie(cookie.Value)
	if !ok {
		return zeroUser, zeroNote, errtypes.New(errtypes.KindAuthRejected, "authenticate.parseCookie", collabapi.ErrInvalidCookie)
	}

	username, err := h.Sessions.UsernameFor(ctx, sessionID)
	if err != nil {
		return zeroUser, zeroNote, errtypes.New(errtypes.KindAuthRejected, "authenticate.usernameFor", err)
	}
	user, err := h.Users.ByName(ctx, username)
	if err != nil {
		return zeroUser, zeroNote, errtypes.New(errtypes.KindAuthRejected, "authenticate.byName", err)
	}

	note, err := h.Notes.Resolve(ctx, notePath)
	if err != nil {
		return zeroUser, zeroNote, errtypes.New(errtypes.KindResolveFailed, "authenticate.resolve", err)
	}

	mayRead, err := h.Permissions.MayRead(ctx, user, note)
	if err != nil {
		return zeroUser, zeroNote, errtypes.New(errtypes.KindInternalError, "authenticate.mayRead", err)
	}
	if !mayRead {
		return zeroUser, zeroNote, errtypes.New(errtypes.KindPermissionDenied, "authenticate.mayRead", nil)
	}

	return user, note, nil
}

// rejectWithLog logs a classified auth/resolve/permission failure at
// info level (spec §7) and closes the HTTP request without completing
// the upgrade.
func (h *Handler) rejectWithLog(w http.ResponseWriter, err error) {
	kind := errtypes.KindInternalError
	var ce *errtypes.Error
	if e, ok := err.(*errtypes.Error); ok {
		ce = e
		kind = ce.Kind
	}
	h.Log.Info("connect rejected", zap.String("kind", kind.String()), zap.Error(err))

	switch kind {
	case errtypes.KindPermissionDenied:
		http.Error(w, "forbidden", http.StatusForbidden)
	case errtypes.KindResolveFailed:
		http.Error(w, "not found", http.StatusNotFound)
	default:
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
}
