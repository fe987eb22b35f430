// Package core holds the entry model shared by storage, transport and sync.
package core

import (
	"fmt"

	"github.com/google/uuid"
)

// Entry is an immutable record of one executed command.
type Entry struct {
	EntryID    string `json:"entry_id"`
	DeviceID   string `json:"device_id"`
	UserID     string `json:"user_id"`
	Ts         int64  `json:"ts"`
	Cmd        string `json:"cmd"`
	Cwd        string `json:"cwd"`
	ExitCode   int32  `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
	Shell      string `json:"shell"`
	Hostname   string `json:"hostname"`
	Version    string `json:"version"`
}

// Row is a local log row: an Entry plus its locally-assigned ingest_seq.
type Row struct {
	IngestSeq int64 `json:"ingest_seq"`
	Entry
}

// NewEntryID returns a random entry ID for a freshly recorded command.
func NewEntryID() string {
	return uuid.New().String()
}

// importNamespace pins the UUIDv5 namespace used for deterministic import IDs.
// It is an arbitrary, fixed constant: changing it would silently change every
// previously-imported entry's ID and break import idempotence across releases.
var importNamespace = uuid.MustParse("7d8f6a3e-2b1c-4e9a-9f3d-5c6b7a8d9e0f")

// ImportEntryID derives a deterministic entry ID for an imported history
// record. The same (user, device, shell, ts, sourceIndex, cmd) tuple always
// yields the same ID, so importing the same history file twice inserts each
// row at most once.
func ImportEntryID(userID, deviceID, shell string, tsUnix int64, sourceIndex uint64, cmd string) string {
	name := fmt.Sprintf("%s\x00%s\x00%s\x00%d\x00%d\x00%s", userID, deviceID, shell, tsUnix, sourceIndex, cmd)
	return uuid.NewSHA1(importNamespace, []byte(name)).String()
}
