// Package historyimport parses zsh/bash shell-history files into Entry
// rows with deterministic IDs, so reimporting the same file never
// duplicates rows. No CLI verb exposes this; it backs the data-model
// property spec.md §8 calls "Import determinism".
package historyimport

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/rustory-sh/rustory/internal/core"
	"github.com/rustory-sh/rustory/internal/storage"
)

// ImportStats reports what a parse pass produced.
type ImportStats struct {
	Received int
	Inserted int
	Ignored  int
}

// Store is the subset of the local store the importer needs.
type Store interface {
	InsertEntries(entries []core.Entry) (storage.InsertStats, error)
}

// ImportZshHistory parses the zsh extended-history format
// (": <epoch>:<duration>;cmd") and inserts each line as a deterministically
// IDed entry.
func ImportZshHistory(store Store, r io.Reader, userID, deviceID, hostname string) (ImportStats, error) {
	var entries []core.Entry
	var sourceIndex uint64

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		rec, ok := parseZshLine(line)
		if !ok {
			continue
		}
		entries = append(entries, toEntry(rec, userID, deviceID, "zsh", hostname, sourceIndex))
		sourceIndex++
	}
	if err := scanner.Err(); err != nil {
		return ImportStats{}, err
	}
	return insertAll(store, entries)
}

// ImportBashHistory parses the bash `#<epoch>` + command-line format.
func ImportBashHistory(store Store, r io.Reader, userID, deviceID, hostname string) (ImportStats, error) {
	var entries []core.Entry
	var sourceIndex uint64
	var pendingTs int64
	havePending := false

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			ts, err := strconv.ParseInt(strings.TrimPrefix(line, "#"), 10, 64)
			if err == nil {
				pendingTs = ts
				havePending = true
			}
			continue
		}
		ts := pendingTs
		if !havePending {
			ts = 0
		}
		entries = append(entries, toEntry(historyRecord{ts: ts, cmd: line}, userID, deviceID, "bash", hostname, sourceIndex))
		sourceIndex++
		havePending = false
	}
	if err := scanner.Err(); err != nil {
		return ImportStats{}, err
	}
	return insertAll(store, entries)
}

type historyRecord struct {
	ts       int64
	duration int64
	cmd      string
}

// parseZshLine parses ": 1700000000:0;echo a" into its timestamp, duration,
// and command. Non-matching lines (plain history without extended markers)
// are reported as not-ok and skipped, matching how real zsh history files
// mix extended and legacy-format lines after an upgrade.
func parseZshLine(line string) (historyRecord, bool) {
	if !strings.HasPrefix(line, ": ") {
		return historyRecord{}, false
	}
	rest := strings.TrimPrefix(line, ": ")
	semi := strings.Index(rest, ";")
	if semi < 0 {
		return historyRecord{}, false
	}
	header := rest[:semi]
	cmd := rest[semi+1:]

	colon := strings.Index(header, ":")
	if colon < 0 {
		return historyRecord{}, false
	}
	ts, err := strconv.ParseInt(header[:colon], 10, 64)
	if err != nil {
		return historyRecord{}, false
	}
	dur, err := strconv.ParseInt(header[colon+1:], 10, 64)
	if err != nil {
		return historyRecord{}, false
	}
	return historyRecord{ts: ts, duration: dur, cmd: cmd}, true
}

func toEntry(rec historyRecord, userID, deviceID, shell, hostname string, sourceIndex uint64) core.Entry {
	return core.Entry{
		EntryID:    core.ImportEntryID(userID, deviceID, shell, rec.ts, sourceIndex, rec.cmd),
		DeviceID:   deviceID,
		UserID:     userID,
		Ts:         rec.ts,
		Cmd:        rec.cmd,
		DurationMs: rec.duration,
		Shell:      shell,
		Hostname:   hostname,
	}
}

func insertAll(store Store, entries []core.Entry) (ImportStats, error) {
	stats, err := store.InsertEntries(entries)
	if err != nil {
		return ImportStats{}, err
	}
	return ImportStats{Received: len(entries), Inserted: stats.Inserted, Ignored: stats.Ignored}, nil
}
