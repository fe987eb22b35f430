package p2p

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	multiaddr "github.com/multiformats/go-multiaddr"
	"golang.org/x/time/rate"

	"github.com/rustory-sh/rustory/internal/core"
	"github.com/rustory-sh/rustory/internal/metrics"
	"github.com/rustory-sh/rustory/internal/syncengine"
)

// route records which dial path last succeeded for a peer, so the next
// attempt tries it first.
type route int

const (
	routeDirect route = iota
	routeRelay
)

const routeCacheSize = 1024

// direct dial timeout schedule: base 3s, no cap, up to 3 attempts.
// relay dial timeout schedule: base 10s, capped at 30s, up to 3 attempts.
const (
	directTimeoutBase = 3 * time.Second
	relayTimeoutBase  = 10 * time.Second
	relayTimeoutCap   = 30 * time.Second
	maxDialAttempts   = 3
)

// Client dials one remote peer over the p2p overlay and speaks the
// sync-pull / entries-push protocols against it, implementing
// syncengine.Puller and syncengine.Pusher.
type Client struct {
	host     *Host
	peerID   peer.ID
	relay    peer.AddrInfo
	hasRelay bool
	limiter  *rate.Limiter
	routes   *lru.Cache
	metrics  *metrics.Registry
}

// NewClient builds a p2p client for one remote peer. directAddrs are tried
// first (filtered per spec.md §4.4 by the caller before being passed in);
// relay is used only if every direct dial fails. reg may be nil, disabling
// dial-attempt metrics for this client.
func NewClient(h *Host, peerID peer.ID, directAddrs []peer.AddrInfo, relay peer.AddrInfo, hasRelay bool, reg *metrics.Registry) (*Client, error) {
	routes, err := lru.New(routeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("p2p: build route cache: %w", err)
	}
	for _, ai := range directAddrs {
		h.Peerstore().AddAddrs(ai.ID, ai.Addrs, time.Hour)
	}
	return &Client{
		host:     h,
		peerID:   peerID,
		relay:    relay,
		hasRelay: hasRelay,
		limiter:  rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
		routes:   routes,
		metrics:  reg,
	}, nil
}

// openStream tries whichever route last worked first, then falls back to
// direct-then-relay, honoring the per-phase exponential timeout/attempt
// schedule from spec.md §4.4.
func (c *Client) openStream(ctx context.Context, protoID protocol.ID) (network.Stream, error) {
	if cached, ok := c.routes.Get(c.peerID); ok && cached.(route) == routeRelay && c.hasRelay {
		if s, err := c.dialRelay(ctx, protoID); err == nil {
			return s, nil
		}
	}

	if s, err := c.dialDirect(ctx, protoID); err == nil {
		c.routes.Add(c.peerID, routeDirect)
		return s, nil
	}

	if !c.hasRelay {
		return nil, fmt.Errorf("p2p: direct dial to %s failed and no relay configured", c.peerID)
	}
	s, err := c.dialRelay(ctx, protoID)
	if err != nil {
		return nil, fmt.Errorf("p2p: both direct and relay dial to %s failed: %w", c.peerID, err)
	}
	c.routes.Add(c.peerID, routeRelay)
	return s, nil
}

func (c *Client) dialDirect(ctx context.Context, protoID protocol.ID) (network.Stream, error) {
	return c.dialWithSchedule(ctx, protoID, directTimeoutBase, 0, "direct")
}

func (c *Client) dialRelay(ctx context.Context, protoID protocol.ID) (network.Stream, error) {
	if c.relay.ID != "" {
		c.host.Peerstore().AddAddrs(c.relay.ID, c.relay.Addrs, time.Hour)
		// Reach the target through the relay: <relay-addr>/p2p/<relay-id>/p2p-circuit.
		circuit, err := multiaddr.NewMultiaddr("/p2p/" + c.relay.ID.String() + "/p2p-circuit")
		if err != nil {
			return nil, fmt.Errorf("p2p: build relay circuit addr: %w", err)
		}
		for _, ra := range c.relay.Addrs {
			c.host.Peerstore().AddAddr(c.peerID, ra.Encapsulate(circuit), time.Hour)
		}
	}
	// A relayed connection is transient; streams over it must opt in.
	ctx = network.WithUseTransient(ctx, "rustory relay fallback")
	return c.dialWithSchedule(ctx, protoID, relayTimeoutBase, relayTimeoutCap, "relay")
}

func (c *Client) dialWithSchedule(ctx context.Context, protoID protocol.ID, base, cap time.Duration, route string) (network.Stream, error) {
	var lastErr error
	timeout := base
	for attempt := 0; attempt < maxDialAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		c.metrics.IncDialAttempt(c.peerID.String(), route)
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		s, err := c.host.NewStream(attemptCtx, c.peerID, protoID)
		cancel()
		if err == nil {
			return s, nil
		}
		lastErr = err

		timeout *= 2
		if cap > 0 && timeout > cap {
			timeout = cap
		}
	}
	return nil, fmt.Errorf("p2p: dial to %s exhausted %d attempts: %w", c.peerID, maxDialAttempts, lastErr)
}

// Pull implements syncengine.Puller over the sync-pull protocol.
func (c *Client) Pull(ctx context.Context, cursor int64, limit int) (syncengine.PullResult, error) {
	s, err := c.openStream(ctx, SyncPullProtocolID)
	if err != nil {
		return syncengine.PullResult{}, err
	}
	defer s.Close()

	if err := writeJSON(s, pullRequest{Cursor: cursor, Limit: limit}); err != nil {
		return syncengine.PullResult{}, err
	}
	// readJSON on both ends blocks until it sees EOF, so the request side
	// must half-close its write half once the request is sent — otherwise
	// the handler's readJSON never returns and the stream deadlocks.
	if err := s.CloseWrite(); err != nil {
		return syncengine.PullResult{}, fmt.Errorf("p2p: close write side: %w", err)
	}

	var resp pullResponse
	if err := readJSON(s, &resp); err != nil {
		return syncengine.PullResult{}, err
	}
	return syncengine.PullResult{Entries: resp.Entries, NextCursor: resp.NextCursor}, nil
}

// Push implements syncengine.Pusher over the entries-push protocol.
func (c *Client) Push(ctx context.Context, entries []core.Entry) error {
	s, err := c.openStream(ctx, EntriesPushProtocolID)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := writeJSON(s, pushRequest{Entries: entries}); err != nil {
		return err
	}
	if err := s.CloseWrite(); err != nil {
		return fmt.Errorf("p2p: close write side: %w", err)
	}

	var resp pushResponse
	if err := readJSON(s, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("p2p: push to %s: peer reported not ok", c.peerID)
	}
	return nil
}
