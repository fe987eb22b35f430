package p2p

import (
	"fmt"

	relayv2 "github.com/libp2p/go-libp2p/p2p/protocol/circuitv2/relay"
)

// RelayServer is the standalone relay executable's role: it accepts
// reservations from relay clients and brokers circuits between peers that
// cannot dial each other directly.
type RelayServer struct {
	host *Host
	svc  *relayv2.Relay
}

// NewRelayServer builds a relay-only host (PSK-gated like every other
// participant, but with no rustory protocol handlers of its own) and starts
// the circuit-v2 relay service on it.
func NewRelayServer(cfg HostConfig) (*RelayServer, error) {
	cfg.EnableRelay = false // the relay server advertises relay.v2, not the client side
	h, err := NewHost(cfg)
	if err != nil {
		return nil, fmt.Errorf("p2p: build relay host: %w", err)
	}

	relaySvc, err := relayv2.New(h.Host)
	if err != nil {
		return nil, fmt.Errorf("p2p: start relay service: %w", err)
	}

	return &RelayServer{host: h, svc: relaySvc}, nil
}

// Host returns the relay's own libp2p host, e.g. to print its listen addrs.
func (r *RelayServer) Host() *Host { return r.host }

// Close tears down the relay service and its host.
func (r *RelayServer) Close() error {
	r.svc.Close()
	return r.host.Close()
}
