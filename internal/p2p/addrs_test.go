package p2p

import (
	"testing"

	multiaddr "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"

	"github.com/rustory-sh/rustory/internal/syncengine"
)

func mustAddr(t *testing.T, s string) multiaddr.Multiaddr {
	t.Helper()
	a, err := multiaddr.NewMultiaddr(s)
	require.NoError(t, err)
	return a
}

func TestFilterDialableAddrs(t *testing.T) {
	addrs := []multiaddr.Multiaddr{
		mustAddr(t, "/ip4/0.0.0.0/tcp/4001"),
		mustAddr(t, "/ip4/203.0.113.5/tcp/4001"),
		mustAddr(t, "/ip4/203.0.113.9/tcp/4001/p2p-circuit"),
	}

	filtered := FilterDialableAddrs(addrs)

	require.Len(t, filtered, 1)
	require.Equal(t, "/ip4/203.0.113.5/tcp/4001", filtered[0].String())
}

func TestPayloadTooLargeError_RecognisedByClassifier(t *testing.T) {
	var err error = payloadTooLargeError{}
	var ptl interface{ PayloadTooLarge() bool }
	ok := false
	if e, asserts := err.(interface{ PayloadTooLarge() bool }); asserts {
		ptl = e
		ok = true
	}
	require.True(t, ok)
	require.True(t, ptl.PayloadTooLarge())
	require.True(t, syncengine.IsPayloadTooLargeError(err))
}
