package p2p

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/libp2p/go-libp2p/core/peer"
	multiaddr "github.com/multiformats/go-multiaddr"
	madns "github.com/multiformats/go-multiaddr-dns"

	"github.com/rustory-sh/rustory/internal/tracker"
)

// announceInterval is the republish cadence spec.md §4.4 pins at 30s.
const announceInterval = 30 * time.Second

// FilterDialableAddrs strips unspecified ("0.0.0.0"/"::") and
// circuit-suffixed multiaddrs, and drops any trailing /p2p/<peer-id>
// component. Loopback addresses (127.0.0.0/8, ::1) are kept as they are.
func FilterDialableAddrs(addrs []multiaddr.Multiaddr) []multiaddr.Multiaddr {
	out := make([]multiaddr.Multiaddr, 0, len(addrs))
	for _, a := range addrs {
		if isUnspecified(a) || isCircuit(a) {
			continue
		}
		out = append(out, stripPeerIDComponent(a))
	}
	return out
}

func isUnspecified(a multiaddr.Multiaddr) bool {
	s := a.String()
	return strings.Contains(s, "/0.0.0.0/") || strings.Contains(s, "/::/") || strings.HasSuffix(s, "/0.0.0.0") || strings.HasSuffix(s, "/::")
}

func isCircuit(a multiaddr.Multiaddr) bool {
	return strings.Contains(a.String(), "/p2p-circuit")
}

func stripPeerIDComponent(a multiaddr.Multiaddr) multiaddr.Multiaddr {
	if info, err := peer.AddrInfoFromP2pAddr(a); err == nil && len(info.Addrs) > 0 {
		return info.Addrs[0]
	}
	return a
}

// AnnounceAddrs republishes h's own (filtered) listen/observed addresses to
// every configured tracker every 30 seconds and whenever ctx is cancelled
// stops cleanly. meta carries the local user_id/device_id.
func AnnounceAddrs(ctx context.Context, h *Host, trackers []*tracker.Client, meta map[string]string, logger log.Logger) {
	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()

	announce := func() {
		addrs := FilterDialableAddrs(h.Addrs())
		strs := make([]string, 0, len(addrs))
		for _, a := range addrs {
			strs = append(strs, a.Encapsulate(peerIDComponent(h.ID())).String())
		}
		for _, t := range trackers {
			if _, err := t.Register(h.ID().String(), strs, meta); err != nil {
				logger.Warn("tracker announce failed", "err", err)
			}
		}
	}

	announce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			announce()
		}
	}
}

// ResolveDNSAddrs resolves any dnsaddr/dns4/dns6 multiaddrs (e.g. a relay or
// tracker-supplied peer address given as a hostname) down to dialable IP
// multiaddrs, leaving non-DNS addresses untouched. Resolution failures are
// dropped rather than propagated: a peer can still be reached over whichever
// of its other addresses resolve.
func ResolveDNSAddrs(ctx context.Context, addrs []multiaddr.Multiaddr) []multiaddr.Multiaddr {
	out := make([]multiaddr.Multiaddr, 0, len(addrs))
	for _, a := range addrs {
		if !madns.Matches(a) {
			out = append(out, a)
			continue
		}
		resolved, err := madns.Resolve(ctx, a)
		if err != nil || len(resolved) == 0 {
			continue
		}
		out = append(out, resolved...)
	}
	return out
}

func peerIDComponent(id peer.ID) multiaddr.Multiaddr {
	ma, err := multiaddr.NewMultiaddr("/p2p/" + id.String())
	if err != nil {
		return nil
	}
	return ma
}
