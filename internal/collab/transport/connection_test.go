package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newConnectionPair spins up a real websocket connection over an
// httptest server, wrapping the server side in a Connection and
// returning the client-side *websocket.Conn for driving the test.
func newConnectionPair(t *testing.T, onFrame FrameHandler, onClose func(string)) (*Connection, *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	var serverConn *Connection
	ready := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverConn = New(c, zap.NewNop(), 8, onFrame, onClose)
		close(ready)
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = clientConn.Close() })

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not upgrade in time")
	}

	return serverConn, clientConn
}

func TestConnectionDeliversInboundFrames(t *testing.T) {
	t.Parallel()

	frames := make(chan []byte, 4)
	_, client := newConnectionPair(t, func(f []byte) error { frames <- f; return nil }, nil)

	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte("hello")))

	select {
	case got := <-frames:
		assert.Equal(t, "hello", string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestConnectionSendDeliversToClient(t *testing.T) {
	t.Parallel()

	server, client := newConnectionPair(t, func([]byte) error { return nil }, nil)

	require.NoError(t, server.Send([]byte("world")))

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	assert.Equal(t, "world", string(data))
}

func TestConnectionCloseFiresOnCloseOnce(t *testing.T) {
	t.Parallel()

	var closeCount int
	closed := make(chan struct{}, 4)
	server, _ := newConnectionPair(t, func([]byte) error { return nil }, func(string) {
		closeCount++
		closed <- struct{}{}
	})

	server.Close("test close")
	server.Close("second close is a no-op")

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("onClose not invoked")
	}

	select {
	case <-server.Closed():
	default:
		t.Fatal("Closed channel should be closed")
	}

	// Give the write/read pump a moment to also observe the close and
	// attempt their own fireClose call, which must be suppressed.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, closeCount)
}

func TestConnectionSendAfterCloseReturnsErrClosed(t *testing.T) {
	t.Parallel()

	server, _ := newConnectionPair(t, func([]byte) error { return nil }, nil)
	server.Close("closing")
	err := server.Send([]byte("too late"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConnectionRejectsTextFrames(t *testing.T) {
	t.Parallel()

	closed := make(chan struct{}, 1)
	_, client := newConnectionPair(t, func([]byte) error { return nil }, func(string) { closed <- struct{}{} })

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("not binary")))

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected connection to close on non-binary frame")
	}
}
