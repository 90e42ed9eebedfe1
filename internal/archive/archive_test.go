package archive

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mapsync/pkg/protocol"
)

func TestRecordAndRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	a, err := Open(path)
	require.NoError(t, err)

	a.Record(&protocol.Envelope{
		Kind:      protocol.KindFeatureCreate,
		Room:      "parcel-42",
		UserID:    "alice",
		Username:  "alice",
		Payload:   protocol.Payload{"id": "f1"},
		Timestamp: 100,
	})
	a.Record(&protocol.Envelope{
		Kind:      protocol.KindChat,
		Room:      "parcel-42",
		UserID:    "bob",
		Username:  "bob",
		Payload:   protocol.Payload{"text": "hi"},
		Timestamp: 200,
	})
	a.Record(&protocol.Envelope{
		Kind:      protocol.KindJoin,
		Room:      "parcel-99",
		UserID:    "carol",
		Username:  "carol",
		Timestamp: 300,
	})

	// Close drains the queue, so everything recorded is on disk after it.
	require.NoError(t, a.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	events, err := reopened.Recent("parcel-42", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "chat", events[0].Kind, "newest first")
	assert.Equal(t, "feature-create", events[1].Kind)
	assert.Contains(t, events[1].Payload, `"id":"f1"`)
}

func TestRecordAfterCloseIsNoop(t *testing.T) {
	a, err := Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	require.NoError(t, a.Close())

	// must not panic or block
	a.Record(&protocol.Envelope{Kind: protocol.KindChat, Room: "parcel-42"})
	require.NoError(t, a.Close())
}

func TestRecentLimit(t *testing.T) {
	a, err := Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	defer a.Close()

	for i := int64(0); i < 5; i++ {
		a.Record(&protocol.Envelope{
			Kind:      protocol.KindCursorMove,
			Room:      "parcel-42",
			UserID:    "alice",
			Username:  "alice",
			Timestamp: 100 + i,
		})
	}

	require.Eventually(t, func() bool {
		events, err := a.Recent("parcel-42", 100)
		return err == nil && len(events) == 5
	}, 2*time.Second, 10*time.Millisecond)

	events, err := a.Recent("parcel-42", 2)
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.EqualValues(t, 104, events[0].TS)
}
