// Package status implements the read-only reporter: local head, per-peer
// cursors, and pending-push counts, rendered as JSON or a table.
package status

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"golang.org/x/exp/slices"

	"github.com/rustory-sh/rustory/internal/storage"
)

// PeerStatus is one row of the report.
type PeerStatus struct {
	PeerID         string `json:"peer_id"`
	PullCursor     int64  `json:"pull_cursor"`
	PushCursor     int64  `json:"push_cursor"`
	PendingPush    int64  `json:"pending_push"`
	LastSeenUnix   *int64 `json:"last_seen_unix,omitempty"`
}

// Report is the top-level document.
type Report struct {
	LocalHead      int64        `json:"local_head"`
	LocalDeviceID  string       `json:"local_device_id"`
	Peers          []PeerStatus `json:"peers"`
}

// Build reads store (and nothing else) to produce a report for
// localDeviceID, optionally restricted to peerFilter (empty = every peer).
func Build(store *storage.Store, localDeviceID, peerFilter string) (Report, error) {
	head, err := store.LatestIngestSeq()
	if err != nil {
		return Report{}, fmt.Errorf("read local head: %w", err)
	}

	peerIDs, err := store.PeerIDsWithCursorOrPush()
	if err != nil {
		return Report{}, fmt.Errorf("list peers: %w", err)
	}

	peerBook, err := store.ListPeerBook("", 0, 0)
	if err != nil {
		return Report{}, fmt.Errorf("list peer book: %w", err)
	}
	lastSeen := make(map[string]int64, len(peerBook))
	for _, row := range peerBook {
		lastSeen[row.PeerID] = row.LastSeenUnix
	}

	// peerIDs comes from a UNION query with no guaranteed ordering; sort it
	// so repeated runs against the same state print peers in the same order.
	slices.Sort(peerIDs)

	report := Report{LocalHead: head, LocalDeviceID: localDeviceID}
	for _, peerID := range peerIDs {
		if peerFilter != "" && peerID != peerFilter {
			continue
		}

		pullCursor, err := store.GetLastCursor(peerID)
		if err != nil {
			return Report{}, fmt.Errorf("get pull cursor for %s: %w", peerID, err)
		}
		pushCursor, err := store.GetLastPushedSeq(peerID)
		if err != nil {
			return Report{}, fmt.Errorf("get push cursor for %s: %w", peerID, err)
		}
		pending, err := store.CountPendingPushEntries(peerID, localDeviceID)
		if err != nil {
			return Report{}, fmt.Errorf("count pending push for %s: %w", peerID, err)
		}

		row := PeerStatus{
			PeerID:      peerID,
			PullCursor:  pullCursor,
			PushCursor:  pushCursor,
			PendingPush: pending,
		}
		if seen, ok := lastSeen[peerID]; ok {
			row.LastSeenUnix = &seen
		}
		report.Peers = append(report.Peers, row)
	}
	return report, nil
}

// WriteJSON renders the report as structured JSON.
func WriteJSON(w io.Writer, report Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// WriteTable renders the report as a tabular text form. maxColWidth caps
// each column's width (0 = tablewriter's default) so the PEER column doesn't
// overflow a narrow terminal.
func WriteTable(w io.Writer, report Report, maxColWidth int) {
	fmt.Fprintf(w, "local_head=%d local_device_id=%s\n", report.LocalHead, report.LocalDeviceID)

	table := tablewriter.NewWriter(w)
	if maxColWidth > 0 {
		table.SetColWidth(maxColWidth)
	}
	table.SetHeader([]string{"PEER", "PULL", "PUSH", "PENDING", "LAST SEEN"})
	for _, p := range report.Peers {
		lastSeen := "-"
		if p.LastSeenUnix != nil {
			lastSeen = fmt.Sprintf("%d", *p.LastSeenUnix)
		}
		table.Append([]string{
			p.PeerID,
			fmt.Sprintf("%d", p.PullCursor),
			fmt.Sprintf("%d", p.PushCursor),
			fmt.Sprintf("%d", p.PendingPush),
			lastSeen,
		})
	}
	table.Render()
}
