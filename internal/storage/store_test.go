package storage

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/require"

	"github.com/rustory-sh/rustory/internal/core"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertEntries_IdempotentAcrossRepeatedBatches(t *testing.T) {
	store := openTestStore(t)

	f := fuzz.New().NilChance(0).NumElements(8, 8).Funcs(
		func(e *core.Entry, c fuzz.Continue) {
			e.EntryID = core.NewEntryID()
			e.DeviceID = fmt.Sprintf("dev-%d", c.Intn(3))
			e.UserID = "u1"
			e.Ts = c.Int63n(1 << 32)
			e.Cmd = fmt.Sprintf("cmd-%d", c.Intn(1000))
			e.Cwd = "/home/u1"
			e.ExitCode = int32(c.Intn(2))
			e.DurationMs = c.Int63n(5000)
			e.Shell = "zsh"
			e.Hostname = "box"
			e.Version = "1"
		},
	)

	var entries []core.Entry
	f.Fuzz(&entries)
	require.Len(t, entries, 8)

	first, err := store.InsertEntries(entries)
	require.NoError(t, err)
	require.Equal(t, InsertStats{Inserted: 8, Ignored: 0}, first)

	// Re-submitting the identical batch any number of times must not grow
	// the log or change the head: insert is add-only and idempotent on
	// entry_id, matching the universal "idempotent insert" property.
	for i := 0; i < 3; i++ {
		again, err := store.InsertEntries(entries)
		require.NoError(t, err)
		require.Equal(t, InsertStats{Inserted: 0, Ignored: 8}, again)
	}

	head, err := store.LatestIngestSeq()
	require.NoError(t, err)
	require.Equal(t, int64(8), head)
}

func TestPullSinceCursor_MonotoneAndResumable(t *testing.T) {
	store := openTestStore(t)

	entries := []core.Entry{
		{EntryID: core.NewEntryID(), DeviceID: "dev-a", UserID: "u1", Ts: 1, Cmd: "echo 1", Shell: "zsh", Hostname: "h", Version: "1"},
		{EntryID: core.NewEntryID(), DeviceID: "dev-a", UserID: "u1", Ts: 2, Cmd: "echo 2", Shell: "zsh", Hostname: "h", Version: "1"},
		{EntryID: core.NewEntryID(), DeviceID: "dev-b", UserID: "u1", Ts: 3, Cmd: "echo 3", Shell: "zsh", Hostname: "h", Version: "1"},
	}
	stats, err := store.InsertEntries(entries)
	require.NoError(t, err)
	require.Equal(t, 3, stats.Inserted)

	first, err := store.PullSinceCursor(0, 2)
	require.NoError(t, err)
	require.Len(t, first.Entries, 2)
	require.NotNil(t, first.NextCursor)
	require.Equal(t, int64(2), *first.NextCursor)

	second, err := store.PullSinceCursor(*first.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, second.Entries, 1)
	require.NotNil(t, second.NextCursor)
	require.Equal(t, int64(3), *second.NextCursor)

	// Resuming from the final cursor yields nothing further and a nil
	// NextCursor, the signal the sync engine uses to stop pulling.
	drained, err := store.PullSinceCursor(*second.NextCursor, 2)
	require.NoError(t, err)
	require.Empty(t, drained.Entries)
	require.Nil(t, drained.NextCursor)

	// Device-scoped pull used by push must only surface rows that device
	// originated.
	onlyB, err := store.PullSinceCursorForDevice(0, 10, "dev-b")
	require.NoError(t, err)
	require.Len(t, onlyB.Entries, 1)
	if diff := cmp.Diff("echo 3", onlyB.Entries[0].Cmd); diff != "" {
		t.Fatalf("unexpected pulled row (-want +got):\n%s", diff)
	}
}

func TestCursorUpsert_IdempotentAndIndependentPerPeer(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.SetLastCursor("peer-a", 5))
	require.NoError(t, store.SetLastCursor("peer-a", 5))
	require.NoError(t, store.SetLastCursor("peer-b", 9))

	a, err := store.GetLastCursor("peer-a")
	require.NoError(t, err)
	require.Equal(t, int64(5), a)

	b, err := store.GetLastCursor("peer-b")
	require.NoError(t, err)
	require.Equal(t, int64(9), b)

	unseen, err := store.GetLastCursor("peer-never-synced")
	require.NoError(t, err)
	require.Equal(t, int64(0), unseen)
}

func TestPeerBook_UpsertAndFreshnessFilter(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.UpsertPeerBook(PeerBookRow{
		PeerID: "peer-old", Addrs: []string{"/ip4/1.1.1.1/tcp/1"}, UserID: "u1", DeviceID: "dev-old", LastSeenUnix: 100,
	}))
	require.NoError(t, store.UpsertPeerBook(PeerBookRow{
		PeerID: "peer-new", Addrs: []string{"/ip4/2.2.2.2/tcp/2"}, UserID: "u1", DeviceID: "dev-new", LastSeenUnix: 1000,
	}))
	// Re-upserting the same peer ID updates in place rather than duplicating.
	require.NoError(t, store.UpsertPeerBook(PeerBookRow{
		PeerID: "peer-old", Addrs: []string{"/ip4/1.1.1.1/tcp/2"}, UserID: "u1", DeviceID: "dev-old", LastSeenUnix: 150,
	}))

	all, err := store.ListPeerBook("", 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)

	fresh, err := store.ListPeerBook("", 500, 0)
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	require.Equal(t, "peer-new", fresh[0].PeerID)

	for _, row := range all {
		if row.PeerID == "peer-old" {
			require.Equal(t, []string{"/ip4/1.1.1.1/tcp/2"}, row.Addrs)
			require.Equal(t, int64(150), row.LastSeenUnix)
		}
	}
}

func TestCountPendingPushEntries_TracksUnpushedHead(t *testing.T) {
	store := openTestStore(t)

	entries := []core.Entry{
		{EntryID: core.NewEntryID(), DeviceID: "dev-local", UserID: "u1", Ts: 1, Cmd: "a", Shell: "zsh", Hostname: "h", Version: "1"},
		{EntryID: core.NewEntryID(), DeviceID: "dev-local", UserID: "u1", Ts: 2, Cmd: "b", Shell: "zsh", Hostname: "h", Version: "1"},
		{EntryID: core.NewEntryID(), DeviceID: "dev-local", UserID: "u1", Ts: 3, Cmd: "c", Shell: "zsh", Hostname: "h", Version: "1"},
	}
	_, err := store.InsertEntries(entries)
	require.NoError(t, err)

	pending, err := store.CountPendingPushEntries("peer-x", "dev-local")
	require.NoError(t, err)
	require.Equal(t, int64(3), pending)

	require.NoError(t, store.SetLastPushedSeq("peer-x", 2))
	pending, err = store.CountPendingPushEntries("peer-x", "dev-local")
	require.NoError(t, err)
	require.Equal(t, int64(1), pending)
}

func TestPeerIDsWithCursorOrPush_Union(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.SetLastCursor("peer-a", 1))
	require.NoError(t, store.SetLastPushedSeq("peer-b", 1))
	require.NoError(t, store.SetLastPushedSeq("peer-a", 1))

	ids, err := store.PeerIDsWithCursorOrPush()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"peer-a", "peer-b"}, ids)
}
