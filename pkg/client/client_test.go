package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mapsync/pkg/protocol"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Second

	for attempt, want := range []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second, // capped
		time.Second,
	} {
		d := backoffDelay(attempt, base, max)
		assert.GreaterOrEqual(t, d, want, "attempt %d", attempt)
		// jitter adds at most 25%, and never past the cap
		ceiling := want + want/4
		if ceiling > max {
			ceiling = max
		}
		assert.LessOrEqual(t, d, ceiling, "attempt %d", attempt)
	}
}

func TestBackoffDefaultsWhenUnconfigured(t *testing.T) {
	d := backoffDelay(0, 0, 0)
	assert.GreaterOrEqual(t, d, time.Second)
	assert.LessOrEqual(t, d, 30*time.Second)
}

// echoServer upgrades connections, records received frames, and answers
// every join with a room-state frame the way the real server does.
type echoServer struct {
	*httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	accepted int
	frames   []*protocol.Envelope
	refuse   bool
}

func newEchoServer(t *testing.T) *echoServer {
	t.Helper()
	es := &echoServer{}
	es.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		es.mu.Lock()
		refuse := es.refuse
		es.mu.Unlock()
		if refuse {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}

		ws, err := es.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		es.mu.Lock()
		es.accepted++
		es.mu.Unlock()

		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			env, err := protocol.Decode(raw)
			if err != nil {
				continue
			}
			es.mu.Lock()
			es.frames = append(es.frames, env)
			es.mu.Unlock()

			if env.Kind == protocol.KindJoin {
				reply, _ := protocol.Encode(&protocol.Envelope{
					Kind:    protocol.KindRoomState,
					Room:    env.Room,
					Payload: protocol.Payload{"features": map[string]any{}, "annotations": map[string]any{}, "memberCount": 1},
				})
				_ = ws.WriteMessage(websocket.TextMessage, reply)
			}
		}
	}))
	t.Cleanup(es.Close)
	return es
}

func (es *echoServer) wsURL() string {
	return "ws" + strings.TrimPrefix(es.URL, "http")
}

func (es *echoServer) joinCount(room string) int {
	es.mu.Lock()
	defer es.mu.Unlock()
	n := 0
	for _, f := range es.frames {
		if f.Kind == protocol.KindJoin && f.Room == room {
			n++
		}
	}
	return n
}

func (es *echoServer) connections() int {
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.accepted
}

func (es *echoServer) setRefuse(v bool) {
	es.mu.Lock()
	es.refuse = v
	es.mu.Unlock()
}

func TestConnectJoinReceive(t *testing.T) {
	es := newEchoServer(t)

	got := make(chan *protocol.Envelope, 8)
	c := New(Config{
		URL:       es.wsURL(),
		UserID:    "alice",
		Username:  "alice",
		BaseDelay: 10 * time.Millisecond,
		OnMessage: func(env *protocol.Envelope) { got <- env },
	})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()
	assert.Equal(t, StateConnected, c.State())

	require.NoError(t, c.Join("parcel-42"))

	select {
	case env := <-got:
		assert.Equal(t, protocol.KindRoomState, env.Kind)
		assert.Equal(t, "parcel-42", env.Room)
	case <-time.After(2 * time.Second):
		t.Fatal("room-state never arrived")
	}
}

func TestReconnectRejoinsRooms(t *testing.T) {
	es := newEchoServer(t)

	c := New(Config{
		URL:       es.wsURL(),
		BaseDelay: 10 * time.Millisecond,
		MaxDelay:  50 * time.Millisecond,
	})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()
	require.NoError(t, c.Join("parcel-42"))

	require.Eventually(t, func() bool { return es.joinCount("parcel-42") == 1 }, 2*time.Second, 10*time.Millisecond)

	// kill every server-side connection; the client must come back and
	// rejoin on its own
	es.CloseClientConnections()

	require.Eventually(t, func() bool {
		return es.connections() >= 2 && es.joinCount("parcel-42") >= 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateConnected, c.State())
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	es := newEchoServer(t)

	c := New(Config{
		URL:         es.wsURL(),
		BaseDelay:   5 * time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		MaxAttempts: 3,
	})
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Join("parcel-42"))

	es.setRefuse(true)
	es.CloseClientConnections()

	require.Eventually(t, func() bool { return c.State() == StateGivenUp }, 5*time.Second, 10*time.Millisecond)
	assert.Error(t, c.Err())
}

func TestCloseNeverReconnects(t *testing.T) {
	es := newEchoServer(t)

	c := New(Config{URL: es.wsURL(), BaseDelay: 5 * time.Millisecond})
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.State())

	before := es.connections()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, es.connections())

	assert.ErrorIs(t, c.Send(&protocol.Envelope{Kind: protocol.KindChat, Room: "r"}), ErrNotConnected)
}

func TestStateTransitionsObserved(t *testing.T) {
	es := newEchoServer(t)

	var mu sync.Mutex
	var states []State
	c := New(Config{
		URL:       es.wsURL(),
		BaseDelay: 5 * time.Millisecond,
		OnState: func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})
	require.NoError(t, c.Connect(context.Background()))
	es.CloseClientConnections()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		seen := map[State]bool{}
		for _, s := range states {
			seen[s] = true
		}
		return seen[StateConnecting] && seen[StateConnected] && seen[StateReconnecting]
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Close())
	mu.Lock()
	assert.Equal(t, StateClosed, states[len(states)-1])
	mu.Unlock()
}

func TestHeartbeatsFlow(t *testing.T) {
	es := newEchoServer(t)

	c := New(Config{
		URL:               es.wsURL(),
		HeartbeatInterval: 10 * time.Millisecond,
		BaseDelay:         10 * time.Millisecond,
	})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	require.Eventually(t, func() bool {
		es.mu.Lock()
		defer es.mu.Unlock()
		n := 0
		for _, f := range es.frames {
			if f.Kind == protocol.KindHeartbeat {
				n++
			}
		}
		return n >= 3
	}, 2*time.Second, 5*time.Millisecond)
}
