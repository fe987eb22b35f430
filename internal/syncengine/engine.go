// Package syncengine implements the cursor-driven pull and push catch-up
// loops shared by every transport.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rustory-sh/rustory/internal/core"
	"github.com/rustory-sh/rustory/internal/metrics"
	"github.com/rustory-sh/rustory/internal/storage"
)

// ErrInvalidBatch is returned when a peer violates the pull/push contract:
// it returned entries without advancing the cursor past the one requested.
var ErrInvalidBatch = errors.New("syncengine: invalid batch: cursor did not advance")

// PullResult is what a Puller returns for one request.
type PullResult struct {
	Entries    []core.Row
	NextCursor *int64
}

// Puller is the pull-direction transport capability. Implementations
// classify "payload too large" conditions themselves and return an error
// for which IsPayloadTooLargeError reports true.
type Puller interface {
	Pull(ctx context.Context, cursor int64, limit int) (PullResult, error)
}

// Pusher is the push-direction transport capability.
type Pusher interface {
	Push(ctx context.Context, entries []core.Entry) error
}

// Store is the subset of the local store the engine depends on. Both
// directions share it; each loop only calls the methods it needs.
type Store interface {
	InsertEntries(entries []core.Entry) (storage.InsertStats, error)
	GetLastCursor(peerID string) (int64, error)
	SetLastCursor(peerID string, cursor int64) error
	GetLastPushedSeq(peerID string) (int64, error)
	SetLastPushedSeq(peerID string, seq int64) error
	PullSinceCursorForDevice(cursor int64, limit int, deviceID string) (storage.PullBatch, error)
}

// payloadTooLarge is implemented by transport errors that represent a
// message-size rejection (HTTP 413, the p2p wire-size cap).
type payloadTooLarge interface {
	PayloadTooLarge() bool
}

// IsPayloadTooLargeError recognises the "payload too large" signal per
// spec: an error implementing payloadTooLarge, or one whose message
// contains "too large" (the minimum bar a transport-reported text error
// must clear).
func IsPayloadTooLargeError(err error) bool {
	if err == nil {
		return false
	}
	var ptl payloadTooLarge
	if errors.As(err, &ptl) {
		return ptl.PayloadTooLarge()
	}
	return strings.Contains(strings.ToLower(err.Error()), "too large")
}

// PullLoop runs the pull catch-up procedure against peer P until it is
// caught up, halving the batch size whenever the peer rejects a request as
// too large. reg may be nil, disabling metrics for this run.
func PullLoop(ctx context.Context, store Store, puller Puller, peerID string, limit int, reg *metrics.Registry) error {
	cursor, err := store.GetLastCursor(peerID)
	if err != nil {
		return fmt.Errorf("get last cursor for %s: %w", peerID, err)
	}
	batchLimit := limit

	for {
		result, err := puller.Pull(ctx, cursor, batchLimit)
		if err != nil {
			if IsPayloadTooLargeError(err) {
				if batchLimit == 1 {
					return fmt.Errorf("pull from %s: payload too large at limit 1: %w", peerID, err)
				}
				batchLimit = halve(batchLimit)
				continue
			}
			return fmt.Errorf("pull from %s: %w", peerID, err)
		}
		reg.IncPullBatch(peerID)

		if len(result.Entries) == 0 {
			return nil
		}

		entries := make([]core.Entry, len(result.Entries))
		for i, row := range result.Entries {
			entries[i] = row.Entry
		}
		stats, err := store.InsertEntries(entries)
		if err != nil {
			return fmt.Errorf("insert entries from %s: %w", peerID, err)
		}
		reg.IncIngested("pull", stats.Inserted)

		if result.NextCursor == nil || *result.NextCursor <= cursor {
			return fmt.Errorf("pull from %s: %w", peerID, ErrInvalidBatch)
		}
		cursor = *result.NextCursor
		if err := store.SetLastCursor(peerID, cursor); err != nil {
			return fmt.Errorf("set last cursor for %s: %w", peerID, err)
		}
	}
}

// PushLoop runs the push catch-up procedure against peer P, transmitting
// only entries originated by deviceID. reg may be nil, disabling metrics
// for this run.
func PushLoop(ctx context.Context, store Store, pusher Pusher, peerID, deviceID string, limit int, reg *metrics.Registry) error {
	cursor, err := store.GetLastPushedSeq(peerID)
	if err != nil {
		return fmt.Errorf("get last pushed seq for %s: %w", peerID, err)
	}
	batchLimit := limit

	for {
		batch, err := store.PullSinceCursorForDevice(cursor, batchLimit, deviceID)
		if err != nil {
			return fmt.Errorf("read push batch for %s: %w", peerID, err)
		}
		if len(batch.Entries) == 0 {
			return nil
		}

		entries := make([]core.Entry, len(batch.Entries))
		for i, row := range batch.Entries {
			entries[i] = row.Entry
		}

		if err := pusher.Push(ctx, entries); err != nil {
			if IsPayloadTooLargeError(err) {
				if batchLimit == 1 {
					return fmt.Errorf("push to %s: payload too large at limit 1: %w", peerID, err)
				}
				batchLimit = halve(batchLimit)
				continue
			}
			return fmt.Errorf("push to %s: %w", peerID, err)
		}
		reg.IncPushBatch(peerID)

		if batch.NextCursor == nil || *batch.NextCursor <= cursor {
			return fmt.Errorf("push to %s: %w", peerID, ErrInvalidBatch)
		}
		cursor = *batch.NextCursor
		if err := store.SetLastPushedSeq(peerID, cursor); err != nil {
			return fmt.Errorf("set last pushed seq for %s: %w", peerID, err)
		}
	}
}

func halve(n int) int {
	if n/2 < 1 {
		return 1
	}
	return n / 2
}
