package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mapsync/pkg/protocol"
)

// fakeConn records frames handed to the transport.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	pings  int
	closed bool
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, data)
	return nil
}

func (c *fakeConn) Ping(time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func TestOpenAssignsIdentity(t *testing.T) {
	m := NewManager()

	s := m.Open(&fakeConn{}, "", "")
	assert.NotEmpty(t, s.ID())
	assert.NotEmpty(t, s.UserID())
	assert.Contains(t, s.Username(), "guest-")

	named := m.Open(&fakeConn{}, "u1", "alice")
	assert.Equal(t, "u1", named.UserID())
	assert.Equal(t, "alice", named.Username())

	assert.Equal(t, 2, m.Count())
}

func TestRemoveIsIdempotent(t *testing.T) {
	m := NewManager()
	s := m.Open(&fakeConn{}, "u1", "alice")

	m.Remove(s.ID())
	m.Remove(s.ID())
	assert.Equal(t, 0, m.Count())

	_, ok := m.Get(s.ID())
	assert.False(t, ok)
}

func TestRoomMembershipTracking(t *testing.T) {
	m := NewManager()
	s := m.Open(&fakeConn{}, "u1", "alice")

	s.TrackJoin("parcel-42")
	s.TrackJoin("parcel-7")
	assert.True(t, s.InRoom("parcel-42"))
	assert.ElementsMatch(t, []string{"parcel-42", "parcel-7"}, s.Rooms())

	s.TrackLeave("parcel-42")
	assert.False(t, s.InRoom("parcel-42"))
	assert.Equal(t, []string{"parcel-7"}, s.Rooms())
}

func TestLivenessFlag(t *testing.T) {
	m := NewManager()
	s := m.Open(&fakeConn{}, "u1", "alice")
	assert.True(t, s.Alive())

	s.MarkPinged()
	assert.False(t, s.Alive())

	s.Touch()
	assert.True(t, s.Alive())
}

func TestSendEnvelopeStampsTimestamp(t *testing.T) {
	conn := &fakeConn{}
	m := NewManager()
	s := m.Open(conn, "u1", "alice")

	env := &protocol.Envelope{Kind: protocol.KindRoomState, Room: "parcel-42"}
	require.NoError(t, s.SendEnvelope(env))

	assert.NotZero(t, env.Timestamp)
	assert.Equal(t, 1, conn.frameCount())
}

func TestCloseIsIdempotent(t *testing.T) {
	conn := &fakeConn{}
	m := NewManager()
	s := m.Open(conn, "u1", "alice")

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.True(t, conn.closed)
}
