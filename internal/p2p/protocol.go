package p2p

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/log"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/rustory-sh/rustory/internal/core"
	"github.com/rustory-sh/rustory/internal/metrics"
	"github.com/rustory-sh/rustory/internal/storage"
)

// Protocol IDs are pinned exactly by spec.md §6: a different framing
// requires a distinct ID to preserve interop.
const (
	SyncPullProtocolID    protocol.ID = "/rustory/sync-pull/1.0.0"
	EntriesPushProtocolID protocol.ID = "/rustory/entries-push/1.0.0"
)

// MaxWireBytes caps a single JSON request or response body, per spec.md
// §4.4's "implementers MUST enforce a maximum wire size" requirement.
const MaxWireBytes = 16 << 20

type pullRequest struct {
	Cursor int64 `json:"cursor"`
	Limit  int   `json:"limit"`
}

type pullResponse struct {
	Entries    []core.Row `json:"entries"`
	NextCursor *int64     `json:"next_cursor"`
}

type pushRequest struct {
	Entries []core.Entry `json:"entries"`
}

type pushResponse struct {
	OK bool `json:"ok"`
}

// payloadTooLargeError is recognised by syncengine.IsPayloadTooLargeError.
type payloadTooLargeError struct{}

func (payloadTooLargeError) Error() string       { return "p2p: payload too large" }
func (payloadTooLargeError) PayloadTooLarge() bool { return true }

// RegisterHandlers wires both protocols onto host h, serving reads/writes
// against store. reg may be nil, disabling ingest metrics for these handlers.
func RegisterHandlers(h *Host, store *storage.Store, logger log.Logger, reg *metrics.Registry) {
	h.SetStreamHandler(SyncPullProtocolID, makeStreamHandler(logger, func(ctx context.Context, s network.Stream) error {
		var req pullRequest
		if err := readJSON(s, &req); err != nil {
			return err
		}
		batch, err := store.PullSinceCursor(req.Cursor, req.Limit)
		if err != nil {
			return fmt.Errorf("pull_since_cursor: %w", err)
		}
		return writeJSON(s, pullResponse{Entries: batch.Entries, NextCursor: batch.NextCursor})
	}))

	h.SetStreamHandler(EntriesPushProtocolID, makeStreamHandler(logger, func(ctx context.Context, s network.Stream) error {
		var req pushRequest
		if err := readJSON(s, &req); err != nil {
			return err
		}
		stats, err := store.InsertEntries(req.Entries)
		if err != nil {
			return fmt.Errorf("insert_entries: %w", err)
		}
		reg.IncIngested("p2p_push", stats.Inserted)
		return writeJSON(s, pushResponse{OK: true})
	}))
}

func makeStreamHandler(logger log.Logger, fn func(ctx context.Context, s network.Stream) error) network.StreamHandler {
	return func(s network.Stream) {
		defer s.Close()
		if err := fn(context.Background(), s); err != nil {
			logger.Error("p2p stream handler failed", "protocol", s.Protocol(), "err", err)
			s.Reset()
		}
	}
}

// readJSON decodes a length-capped JSON value from s. It reads until EOF, so
// the writer must half-close (CloseWrite) or fully close its write side once
// its message is sent, or this blocks forever.
func readJSON(s network.Stream, v any) error {
	limited := io.LimitReader(s, MaxWireBytes+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	if len(raw) > MaxWireBytes {
		return payloadTooLargeError{}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

// writeJSON encodes v to s, refusing to send a payload over the wire cap.
func writeJSON(s network.Stream, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	if len(raw) > MaxWireBytes {
		return payloadTooLargeError{}
	}
	w := bufio.NewWriter(s)
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("write stream: %w", err)
	}
	return w.Flush()
}
