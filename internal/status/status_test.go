package status

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rustory-sh/rustory/internal/core"
	"github.com/rustory-sh/rustory/internal/storage"
)

func TestBuild_ReportsCursorsAndPendingPush(t *testing.T) {
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	_, err = store.InsertEntries([]core.Entry{
		{EntryID: "id-1", DeviceID: "local"},
		{EntryID: "id-2", DeviceID: "local"},
		{EntryID: "id-3", DeviceID: "remote-device"},
	})
	require.NoError(t, err)
	require.NoError(t, store.SetLastCursor("peer-a", 5))
	require.NoError(t, store.SetLastPushedSeq("peer-a", 1))

	report, err := Build(store, "local", "")
	require.NoError(t, err)

	require.EqualValues(t, 3, report.LocalHead)
	require.Equal(t, "local", report.LocalDeviceID)
	require.Len(t, report.Peers, 1)
	require.Equal(t, "peer-a", report.Peers[0].PeerID)
	require.EqualValues(t, 5, report.Peers[0].PullCursor)
	require.EqualValues(t, 1, report.Peers[0].PushCursor)
	require.EqualValues(t, 1, report.Peers[0].PendingPush) // id-2 is local-origin, ingest_seq > 1
}

func TestWriteJSON_RoundTrips(t *testing.T) {
	report := Report{LocalHead: 3, LocalDeviceID: "dev"}
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, report))
	require.Contains(t, buf.String(), `"local_head": 3`)
}
