package syncengine

import (
	"context"
	"fmt"
	"testing"

	"github.com/rustory-sh/rustory/internal/core"
	"github.com/rustory-sh/rustory/internal/storage"
	"github.com/stretchr/testify/require"
)

// tooLargeError lets fakes report the "payload too large" signal without
// depending on any transport package.
type tooLargeError struct{ limit int }

func (e *tooLargeError) Error() string       { return fmt.Sprintf("payload too large at limit %d", e.limit) }
func (e *tooLargeError) PayloadTooLarge() bool { return true }

// fakePuller serves rows from an in-memory slice, rejecting any call whose
// limit exceeds maxOK.
type fakePuller struct {
	rows  []core.Row
	maxOK int
	calls []int
}

func (p *fakePuller) Pull(_ context.Context, cursor int64, limit int) (PullResult, error) {
	p.calls = append(p.calls, limit)
	if limit > p.maxOK {
		return PullResult{}, &tooLargeError{limit: limit}
	}
	var out []core.Row
	for _, r := range p.rows {
		if r.IngestSeq > cursor {
			out = append(out, r)
			if len(out) == limit {
				break
			}
		}
	}
	if len(out) == 0 {
		return PullResult{}, nil
	}
	next := out[len(out)-1].IngestSeq
	return PullResult{Entries: out, NextCursor: &next}, nil
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPullLoop_Convergence(t *testing.T) {
	store := newTestStore(t)
	remote := []core.Row{
		{IngestSeq: 1, Entry: core.Entry{EntryID: "id-1", DeviceID: "dev-r", Ts: 1}},
		{IngestSeq: 2, Entry: core.Entry{EntryID: "id-2", DeviceID: "dev-r", Ts: 2}},
		{IngestSeq: 3, Entry: core.Entry{EntryID: "id-3", DeviceID: "dev-r", Ts: 3}},
	}
	puller := &fakePuller{rows: remote, maxOK: 10}

	err := PullLoop(context.Background(), store, puller, "remote-peer", 10, nil)
	require.NoError(t, err)

	head, err := store.LatestIngestSeq()
	require.NoError(t, err)
	require.EqualValues(t, 3, head)

	cursor, err := store.GetLastCursor("remote-peer")
	require.NoError(t, err)
	require.EqualValues(t, 3, cursor)
}

func TestPullLoop_Idempotent(t *testing.T) {
	store := newTestStore(t)
	remote := []core.Row{{IngestSeq: 1, Entry: core.Entry{EntryID: "id-1", DeviceID: "dev-r"}}}
	puller := &fakePuller{rows: remote, maxOK: 10}

	require.NoError(t, PullLoop(context.Background(), store, puller, "p", 10, nil))
	cursorBefore, _ := store.GetLastCursor("p")

	require.NoError(t, PullLoop(context.Background(), store, puller, "p", 10, nil))
	cursorAfter, _ := store.GetLastCursor("p")

	require.Equal(t, cursorBefore, cursorAfter)
}

func TestPullLoop_AdaptiveBatching(t *testing.T) {
	store := newTestStore(t)
	remote := []core.Row{
		{IngestSeq: 1, Entry: core.Entry{EntryID: "a", DeviceID: "dev-r"}},
		{IngestSeq: 2, Entry: core.Entry{EntryID: "b", DeviceID: "dev-r"}},
		{IngestSeq: 3, Entry: core.Entry{EntryID: "c", DeviceID: "dev-r"}},
	}
	puller := &fakePuller{rows: remote, maxOK: 1}

	err := PullLoop(context.Background(), store, puller, "p", 8, nil)
	require.NoError(t, err)

	head, _ := store.LatestIngestSeq()
	require.EqualValues(t, 3, head)
	require.Greater(t, puller.calls[0], 1, "first call should attempt the configured limit")
	require.Contains(t, puller.calls, 1, "batching must eventually retry at limit 1")
}

func TestPullLoop_InvalidBatch(t *testing.T) {
	store := newTestStore(t)
	puller := &stubInvalidPuller{}
	err := PullLoop(context.Background(), store, puller, "p", 8, nil)
	require.ErrorIs(t, err, ErrInvalidBatch)
}

type stubInvalidPuller struct{}

func (stubInvalidPuller) Pull(_ context.Context, cursor int64, limit int) (PullResult, error) {
	return PullResult{Entries: []core.Row{{IngestSeq: cursor, Entry: core.Entry{EntryID: "x"}}}, NextCursor: nil}, nil
}

// fakePusher records every batch it receives and can be told to reject
// batches above a size threshold.
type fakePusher struct {
	maxOK    int
	received [][]core.Entry
	failNext bool
}

func (p *fakePusher) Push(_ context.Context, entries []core.Entry) error {
	if len(entries) > p.maxOK {
		return &tooLargeError{limit: len(entries)}
	}
	if p.failNext {
		p.failNext = false
		return fmt.Errorf("transient failure")
	}
	p.received = append(p.received, entries)
	return nil
}

func TestPushLoop_NoGossip(t *testing.T) {
	store := newTestStore(t)
	_, err := store.InsertEntries([]core.Entry{
		{EntryID: "id-1", DeviceID: "L"},
		{EntryID: "id-2", DeviceID: "R"},
		{EntryID: "id-3", DeviceID: "L"},
	})
	require.NoError(t, err)

	pusher := &fakePusher{maxOK: 10}
	require.NoError(t, PushLoop(context.Background(), store, pusher, "remote", "L", 10, nil))

	var sent []string
	for _, batch := range pusher.received {
		for _, e := range batch {
			sent = append(sent, e.EntryID)
		}
	}
	require.ElementsMatch(t, []string{"id-1", "id-3"}, sent)

	seq, err := store.GetLastPushedSeq("remote")
	require.NoError(t, err)
	require.EqualValues(t, 3, seq)
}

func TestPushLoop_AtomicCursorOnFailure(t *testing.T) {
	store := newTestStore(t)
	_, err := store.InsertEntries([]core.Entry{{EntryID: "id-1", DeviceID: "L"}})
	require.NoError(t, err)

	pusher := &fakePusher{maxOK: 10, failNext: true}
	err = PushLoop(context.Background(), store, pusher, "remote", "L", 10, nil)
	require.Error(t, err)

	seq, err := store.GetLastPushedSeq("remote")
	require.NoError(t, err)
	require.EqualValues(t, 0, seq)

	pusher.failNext = false
	require.NoError(t, PushLoop(context.Background(), store, pusher, "remote", "L", 10, nil))
	require.Len(t, pusher.received, 1)
	require.Len(t, pusher.received[0], 1)
}
