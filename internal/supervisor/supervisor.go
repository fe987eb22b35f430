// Package supervisor drives the one-shot and watched catch-up loops: it
// resolves a peer set, builds a transport per peer, and delegates to
// syncengine's pull/push loops.
package supervisor

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/hashicorp/go-multierror"
	"github.com/schollz/progressbar/v3"

	"github.com/rustory-sh/rustory/internal/metrics"
	"github.com/rustory-sh/rustory/internal/rconfig"
	"github.com/rustory-sh/rustory/internal/storage"
	"github.com/rustory-sh/rustory/internal/syncengine"
	"github.com/rustory-sh/rustory/internal/tracker"
)

// Peer is one resolved sync target.
type Peer struct {
	PeerID string
	Addrs  []string
	// DeviceID is the remote's device_id when known (from a tracker
	// record's meta or a peer-book row). Empty when the resolution path
	// has no way to learn it (e.g. a bare explicit peer address), in which
	// case that peer simply can't be self-filtered on this pass.
	DeviceID string
}

// TransportFactory builds a Puller/Pusher pair for one resolved peer. The
// supervisor owns the transport; the sync engine only holds the narrow
// capability interfaces, per spec.md §9's design note.
type TransportFactory func(peer Peer) (syncengine.Puller, syncengine.Pusher, error)

// Options configures one supervisor run.
type Options struct {
	ExplicitPeers       []Peer
	Trackers            []*tracker.Client
	Store               *storage.Store
	LocalDeviceID       string
	LocalUserFilter     string
	Push                bool
	Limit               int
	PeerBookFreshness   time.Duration
	Logger              log.Logger
	// ShowProgress renders a terminal progress bar across the resolved peer
	// set. Callers gate this on the output stream actually being a TTY;
	// RunOnce doesn't check that itself.
	ShowProgress bool
	// Metrics receives pull/push batch and ingest counts. Nil disables
	// metrics for this run.
	Metrics *metrics.Registry
}

// RunOnce resolves a peer set and runs pull (and, if opts.Push, push)
// against each one, isolating per-peer errors. It returns success (nil
// error upgraded to "at least one peer progressed") as long as any peer's
// pull/push loop completed without error; all-peer failure is reported as
// an aggregated error.
func RunOnce(ctx context.Context, opts Options, build TransportFactory) error {
	peers, err := ResolvePeers(opts)
	if err != nil {
		return fmt.Errorf("resolve peers: %w", err)
	}

	var errs *multierror.Error
	anySucceeded := false

	var bar *progressbar.ProgressBar
	if opts.ShowProgress && len(peers) > 0 {
		bar = progressbar.NewOptions(len(peers), progressbar.OptionSetDescription("syncing peers"))
	}

	for _, p := range peers {
		if bar != nil {
			_ = bar.Add(1)
		}

		puller, pusher, err := build(p)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("peer %s: build transport: %w", p.PeerID, err))
			continue
		}

		peerOK := true
		if err := syncengine.PullLoop(ctx, opts.Store, puller, p.PeerID, opts.Limit, opts.Metrics); err != nil {
			opts.Logger.Error("pull failed", "peer", p.PeerID, "err", err)
			errs = multierror.Append(errs, fmt.Errorf("peer %s: pull: %w", p.PeerID, err))
			peerOK = false
		}

		if opts.Push {
			if err := syncengine.PushLoop(ctx, opts.Store, pusher, p.PeerID, opts.LocalDeviceID, opts.Limit, opts.Metrics); err != nil {
				opts.Logger.Error("push failed", "peer", p.PeerID, "err", err)
				errs = multierror.Append(errs, fmt.Errorf("peer %s: push: %w", p.PeerID, err))
				peerOK = false
			}
		}

		if peerOK {
			anySucceeded = true
		}
	}

	if anySucceeded || len(peers) == 0 {
		return nil
	}
	return errs.ErrorOrNil()
}

// ResolvePeers implements spec.md §4.6's resolution order: explicit peers
// win outright; otherwise union every tracker's results; if every tracker
// fails, fall back to fresh peer-book rows. Self-device rows are always
// dropped, per spec.md §9's self-filtering correctness rule.
func ResolvePeers(opts Options) ([]Peer, error) {
	if len(opts.ExplicitPeers) > 0 {
		for _, p := range opts.ExplicitPeers {
			if err := opts.Store.UpsertPeerBook(storage.PeerBookRow{
				PeerID:       p.PeerID,
				Addrs:        p.Addrs,
				LastSeenUnix: time.Now().Unix(),
			}); err != nil {
				return nil, fmt.Errorf("mirror explicit peer into peer book: %w", err)
			}
		}
		return filterSelf(opts.ExplicitPeers, opts.LocalDeviceID), nil
	}

	if len(opts.Trackers) > 0 {
		union := map[string]Peer{}
		anyTrackerOK := false
		for _, t := range opts.Trackers {
			records, err := t.List(opts.LocalUserFilter)
			if err != nil {
				opts.Logger.Warn("tracker list failed, skipping", "err", err)
				continue
			}
			anyTrackerOK = true
			for _, rec := range records {
				union[rec.PeerID] = Peer{PeerID: rec.PeerID, Addrs: rec.Addrs, DeviceID: rec.Meta["device_id"]}
			}
		}
		if anyTrackerOK {
			peers := make([]Peer, 0, len(union))
			for _, p := range union {
				peers = append(peers, p)
			}
			return filterSelf(peers, opts.LocalDeviceID), nil
		}
	}

	freshness := opts.PeerBookFreshness
	if freshness <= 0 {
		freshness = rconfig.DefaultPeerBookFreshness
	}
	minLastSeen := time.Now().Add(-freshness).Unix()
	rows, err := opts.Store.ListPeerBook("", minLastSeen, 0)
	if err != nil {
		return nil, fmt.Errorf("peer book fallback: %w", err)
	}
	peers := make([]Peer, 0, len(rows))
	for _, row := range rows {
		peers = append(peers, Peer{PeerID: row.PeerID, Addrs: row.Addrs, DeviceID: row.DeviceID})
	}
	return filterSelf(peers, opts.LocalDeviceID), nil
}

// filterSelf drops any peer whose DeviceID matches the local device, per
// spec.md §9's self-filtering correctness rule. A peer with an unknown
// DeviceID (the explicit-peer path has no way to learn one) is never
// filtered here — there being nothing to compare is not the same as a match.
func filterSelf(peers []Peer, localDeviceID string) []Peer {
	if localDeviceID == "" {
		return peers
	}
	out := make([]Peer, 0, len(peers))
	for _, p := range peers {
		if p.DeviceID != "" && p.DeviceID == localDeviceID {
			continue
		}
		out = append(out, p)
	}
	return out
}

// RunWatched runs RunOnce repeatedly on intervalSec, after an optional
// random startup jitter in [0, startJitterSec]. It honors ctx cancellation
// within one second, per spec.md §4.6's "sleeps are split into one-second
// slices" requirement.
func RunWatched(ctx context.Context, opts Options, build TransportFactory, intervalSec, startJitterSec int) error {
	if startJitterSec > 0 {
		if err := sleepSliced(ctx, time.Duration(rand.Intn(startJitterSec+1))*time.Second); err != nil {
			return nil // stop signal during jitter is a clean exit, not a failure
		}
	}

	interval := time.Duration(intervalSec) * time.Second
	for {
		if err := RunOnce(ctx, opts, build); err != nil {
			opts.Logger.Error("watched sync iteration failed", "err", err)
		}

		if err := sleepSliced(ctx, interval); err != nil {
			return nil
		}
	}
}

func sleepSliced(ctx context.Context, d time.Duration) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	remaining := d
	for remaining > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			remaining -= time.Second
		}
	}
	return nil
}
