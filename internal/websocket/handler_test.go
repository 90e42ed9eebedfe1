package websocket

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mapsync/internal/broadcast"
	"mapsync/internal/config"
	"mapsync/internal/dispatch"
	"mapsync/internal/room"
	"mapsync/internal/session"
	"mapsync/pkg/protocol"
)

func newTestHandler(t *testing.T) (*Handler, *session.Manager, *room.Registry) {
	t.Helper()
	reg := room.NewRegistry(time.Minute)
	t.Cleanup(reg.Stop)
	mgr := session.NewManager()
	d := dispatch.NewDispatcher(reg, mgr, broadcast.NewEngine(), nil, dispatch.Limits{PerSecond: 100, Burst: 100})
	return NewHandler(mgr, d, config.Default().WebSocket), mgr, reg
}

func dial(t *testing.T, h *Handler, query string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.DecodeServer(raw)
	require.NoError(t, err)
	return env
}

func TestUpgradeOpensSession(t *testing.T) {
	h, mgr, _ := newTestHandler(t)

	dial(t, h, "?user_id=alice&username=Alice")

	require.Eventually(t, func() bool { return mgr.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	s := mgr.List()[0]
	assert.Equal(t, "alice", s.UserID())
	assert.Equal(t, "Alice", s.Username())
}

func TestAnonymousConnectionGetsGuestIdentity(t *testing.T) {
	h, mgr, _ := newTestHandler(t)

	dial(t, h, "")

	require.Eventually(t, func() bool { return mgr.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	s := mgr.List()[0]
	assert.NotEmpty(t, s.UserID())
	assert.True(t, strings.HasPrefix(s.Username(), "guest-"))
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	h, _, reg := newTestHandler(t)
	conn := dial(t, h, "?user_id=alice")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	env := readEnvelope(t, conn)
	assert.Equal(t, protocol.KindError, env.Kind)

	// the session still works after the bad frame
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"join","roomId":"parcel-42"}`)))
	env = readEnvelope(t, conn)
	assert.Equal(t, protocol.KindRoomState, env.Kind)
	assert.Equal(t, 1, reg.Count())
}

func TestUnknownKindIsIgnored(t *testing.T) {
	h, _, reg := newTestHandler(t)
	conn := dial(t, h, "?user_id=alice")

	// no reply, no disconnect: the next frame still works
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"self-destruct"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"join","roomId":"parcel-42"}`)))

	env := readEnvelope(t, conn)
	assert.Equal(t, protocol.KindRoomState, env.Kind)
	assert.Equal(t, 1, reg.Count())
}

func TestDisconnectTearsDownMembership(t *testing.T) {
	h, mgr, reg := newTestHandler(t)
	conn := dial(t, h, "?user_id=alice")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"join","roomId":"parcel-42"}`)))
	readEnvelope(t, conn) // room-state

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		if mgr.Count() != 0 {
			return false
		}
		r, ok := reg.Get("parcel-42")
		return ok && r.MemberCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
