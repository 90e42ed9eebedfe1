package room

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mapsync/internal/session"
	"mapsync/pkg/protocol"
)

type nopConn struct{}

func (nopConn) Send([]byte) error      { return nil }
func (nopConn) Ping(time.Time) error   { return nil }
func (nopConn) Close() error           { return nil }

func newTestSession(t *testing.T, mgr *session.Manager, user string) *session.Session {
	t.Helper()
	return mgr.Open(nopConn{}, user, user)
}

func TestMemberCountMatchesSet(t *testing.T) {
	mgr := session.NewManager()
	r := newRoom("parcel-42")

	a := newTestSession(t, mgr, "a")
	b := newTestSession(t, mgr, "b")
	c := newTestSession(t, mgr, "c")

	r.addMember(a)
	r.addMember(b)
	r.addMember(c)
	assert.Equal(t, 3, r.MemberCount())
	assert.Len(t, r.Members(), 3)

	r.removeMember(b.ID())
	assert.Equal(t, 2, r.MemberCount())
	assert.Len(t, r.Members(), 2)

	// removing twice changes nothing
	r.removeMember(b.ID())
	assert.Equal(t, 2, r.MemberCount())
}

func TestJoinSnapshotSeesPriorState(t *testing.T) {
	mgr := session.NewManager()
	r := newRoom("parcel-42")

	r.CreateFeature("f1", protocol.Payload{"id": "f1", "kind": "boundary"})
	r.CreateAnnotation("a1", protocol.Payload{"id": "a1", "note": "survey pin"})

	late := newTestSession(t, mgr, "late")
	snap := r.addMember(late)

	require.Contains(t, snap.Features, "f1")
	assert.Equal(t, "boundary", snap.Features["f1"]["kind"])
	require.Contains(t, snap.Annotations, "a1")
	assert.Equal(t, 1, snap.MemberCount)
}

func TestSnapshotIsACopy(t *testing.T) {
	r := newRoom("parcel-42")
	r.CreateFeature("f1", protocol.Payload{"id": "f1", "color": "red"})

	snap := r.Snapshot()
	snap.Features["f1"]["color"] = "blue"
	snap.Features["f2"] = protocol.Payload{"id": "f2"}

	fresh := r.Snapshot()
	assert.Equal(t, "red", fresh.Features["f1"]["color"])
	assert.NotContains(t, fresh.Features, "f2")
}

func TestUpdateFeatureMerges(t *testing.T) {
	r := newRoom("parcel-42")
	r.CreateFeature("f1", protocol.Payload{"id": "f1", "color": "red", "area": 10.0})

	merged, ok := r.UpdateFeature("f1", protocol.Payload{"color": "blue"})
	require.True(t, ok)
	assert.Equal(t, "blue", merged["color"])
	assert.Equal(t, 10.0, merged["area"])

	snap := r.Snapshot()
	assert.Equal(t, "blue", snap.Features["f1"]["color"])
}

func TestUpdateMissingFeatureIsNoop(t *testing.T) {
	r := newRoom("parcel-42")
	before := r.Snapshot()

	_, ok := r.UpdateFeature("ghost", protocol.Payload{"color": "blue"})
	assert.False(t, ok)
	assert.Equal(t, before, r.Snapshot())
}

func TestDeleteFeature(t *testing.T) {
	r := newRoom("parcel-42")
	r.CreateFeature("f1", protocol.Payload{"id": "f1"})

	assert.True(t, r.DeleteFeature("f1"))
	assert.False(t, r.DeleteFeature("f1"))
	assert.Empty(t, r.Snapshot().Features)
}

func TestAnnotationTableIsIndependent(t *testing.T) {
	r := newRoom("parcel-42")
	r.CreateFeature("x", protocol.Payload{"id": "x"})
	r.CreateAnnotation("x", protocol.Payload{"id": "x", "note": "shared id, distinct table"})

	require.True(t, r.DeleteFeature("x"))
	snap := r.Snapshot()
	assert.Empty(t, snap.Features)
	assert.Contains(t, snap.Annotations, "x")

	_, ok := r.UpdateAnnotation("x", protocol.Payload{"note": "updated"})
	assert.True(t, ok)
	assert.Equal(t, "updated", r.Snapshot().Annotations["x"]["note"])
}

func TestInfoCounts(t *testing.T) {
	mgr := session.NewManager()
	r := newRoom("parcel-42")
	r.addMember(newTestSession(t, mgr, "a"))
	r.CreateFeature("f1", protocol.Payload{"id": "f1"})
	r.CreateFeature("f2", protocol.Payload{"id": "f2"})
	r.CreateAnnotation("a1", protocol.Payload{"id": "a1"})

	info := r.Info()
	assert.Equal(t, "parcel-42", info.Name)
	assert.Equal(t, 1, info.Members)
	assert.Equal(t, 2, info.Features)
	assert.Equal(t, 1, info.Annotations)
	assert.False(t, info.CreatedAt.IsZero())
}
