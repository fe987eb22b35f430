package tracker

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEndToEnd_RegisterAndListRoundTrip(t *testing.T) {
	srv := NewServer(time.Minute, "")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	client := NewClient(ts.URL, "")
	ttl, err := client.Register("peer-a", []string{"/ip4/127.0.0.1/tcp/1234"}, map[string]string{"user_id": "u1"})
	require.NoError(t, err)
	require.Equal(t, 60, ttl)

	peers, err := client.List("u1")
	require.NoError(t, err)
	require.Len(t, peers, 1)
	require.Equal(t, "peer-a", peers[0].PeerID)
	require.Equal(t, []string{"/ip4/127.0.0.1/tcp/1234"}, peers[0].Addrs)
}

func TestTTLExpiry(t *testing.T) {
	reg := newRegistry(10 * time.Second)
	base := time.Unix(1_700_000_000, 0)
	reg.now = func() time.Time { return base }

	reg.register("peer-a", []string{"/ip4/1.2.3.4/tcp/1"}, nil)
	require.Len(t, reg.list(""), 1)

	reg.now = func() time.Time { return base.Add(11 * time.Second) }
	require.Empty(t, reg.list(""))
}

func TestAuthGating(t *testing.T) {
	srv := NewServer(time.Minute, "secret")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	wrongToken := NewClient(ts.URL, "nope")
	_, err := wrongToken.Register("peer-a", nil, nil)
	require.Error(t, err)
	require.IsType(t, &ErrUnauthorized{}, err)

	rightToken := NewClient(ts.URL, "secret")
	_, err = rightToken.Register("peer-a", nil, nil)
	require.NoError(t, err)
}
