package httptransport

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rustory-sh/rustory/internal/core"
	"github.com/rustory-sh/rustory/internal/storage"
	"github.com/rustory-sh/rustory/internal/syncengine"
)

func newTestServer(t *testing.T, maxBody int64) (*httptest.Server, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	srv := NewServer(store, maxBody, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, store
}

func TestEndToEnd_HTTPPullOneShot(t *testing.T) {
	ts, remote := newTestServer(t, 0)
	_, err := remote.InsertEntries([]core.Entry{
		{EntryID: "id-1", DeviceID: "R", Ts: 1},
		{EntryID: "id-2", DeviceID: "R", Ts: 2},
	})
	require.NoError(t, err)

	local, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })

	client := NewClient(ts.URL, 3, time.Second, 10*time.Millisecond)
	err = syncengine.PullLoop(context.Background(), local, client, client.BaseURL(), 1, nil)
	require.NoError(t, err)

	head, err := local.LatestIngestSeq()
	require.NoError(t, err)
	require.EqualValues(t, 2, head)

	cursor, err := local.GetLastCursor(client.BaseURL())
	require.NoError(t, err)
	require.EqualValues(t, 2, cursor)
}

func TestEndToEnd_HTTPPushWithSourceFilter(t *testing.T) {
	ts, remote := newTestServer(t, 0)

	local, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })
	_, err = local.InsertEntries([]core.Entry{
		{EntryID: "id-1", DeviceID: "L"},
		{EntryID: "id-2", DeviceID: "R"},
		{EntryID: "id-3", DeviceID: "L"},
	})
	require.NoError(t, err)

	client := NewClient(ts.URL, 3, time.Second, 10*time.Millisecond)
	err = syncengine.PushLoop(context.Background(), local, client, client.BaseURL(), "L", 10, nil)
	require.NoError(t, err)

	recent, err := remote.ListRecent(10)
	require.NoError(t, err)
	var ids []string
	for _, e := range recent {
		ids = append(ids, e.EntryID)
	}
	require.ElementsMatch(t, []string{"id-1", "id-3"}, ids)

	seq, err := local.GetLastPushedSeq(client.BaseURL())
	require.NoError(t, err)
	require.EqualValues(t, 3, seq)
}

func TestServer_RejectsOversizedBody(t *testing.T) {
	ts, _ := newTestServer(t, 8<<10) // 8 KiB cap, matching spec.md's test-mode default

	big := make([]byte, 16<<10)
	for i := range big {
		big[i] = 'a'
	}
	body := append([]byte(`{"entries":[{"cmd":"`), append(big, []byte(`"}]}`)...)...)
	resp, err := http.Post(ts.URL+"/api/v1/entries", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestServer_Ping(t *testing.T) {
	ts, _ := newTestServer(t, 0)
	resp, err := http.Get(ts.URL + "/api/v1/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
