package supervisor

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/rustory-sh/rustory/internal/storage"
	"github.com/rustory-sh/rustory/internal/tracker"
)

func TestEndToEnd_TrackerFallbackToPeerBook(t *testing.T) {
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.UpsertPeerBook(storage.PeerBookRow{
		PeerID:       "peer-remote",
		Addrs:        []string{"/ip4/127.0.0.1/tcp/4001"},
		UserID:       "u1",
		DeviceID:     "dev-remote",
		LastSeenUnix: time.Now().Unix(),
	}))

	opts := Options{
		Store:             store,
		LocalDeviceID:     "dev-local",
		PeerBookFreshness: 7 * 24 * time.Hour,
		Logger:            log.Root(),
		// The only configured tracker is unreachable, so every tracker
		// fails and the resolver must fall back to the peer book.
		Trackers: []*tracker.Client{tracker.NewClient("http://127.0.0.1:1", "")},
	}

	peers, err := ResolvePeers(opts)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	require.Equal(t, "peer-remote", peers[0].PeerID)
}

func TestResolvePeers_SelfFiltering(t *testing.T) {
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.UpsertPeerBook(storage.PeerBookRow{
		PeerID:       "self-peer",
		DeviceID:     "dev-local",
		LastSeenUnix: time.Now().Unix(),
	}))
	require.NoError(t, store.UpsertPeerBook(storage.PeerBookRow{
		PeerID:       "other-peer",
		DeviceID:     "dev-other",
		LastSeenUnix: time.Now().Unix(),
	}))

	opts := Options{Store: store, LocalDeviceID: "dev-local", Logger: log.Root()}
	peers, err := ResolvePeers(opts)
	require.NoError(t, err)

	var ids []string
	for _, p := range peers {
		ids = append(ids, p.PeerID)
	}
	require.NotContains(t, ids, "self-peer")
	require.Contains(t, ids, "other-peer")
}

func TestResolvePeers_ExplicitPeersWinAndAreMirrored(t *testing.T) {
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	opts := Options{
		Store:         store,
		LocalDeviceID: "dev-local",
		Logger:        log.Root(),
		ExplicitPeers: []Peer{{PeerID: "peer-x", Addrs: []string{"/ip4/1.2.3.4/tcp/1"}}},
	}
	peers, err := ResolvePeers(opts)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	require.Equal(t, "peer-x", peers[0].PeerID)

	mirrored, err := store.ListPeerBook("", 0, 0)
	require.NoError(t, err)
	require.Len(t, mirrored, 1)
	require.Equal(t, "peer-x", mirrored[0].PeerID)
}
