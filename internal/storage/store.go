// Package storage implements the local append log, sync cursors, and the
// peer-address cache backing the replication subsystem.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rustory-sh/rustory/internal/core"
)

// DefaultDBPath is where a local store lives when the caller does not
// override it.
const DefaultDBPath = "~/.rustory/history.db"

const busyTimeout = 5 * time.Second

// PullBatch is the result of a cursor-bounded read: the rows found, in
// ascending ingest_seq order, and the cursor to resume from (nil when empty).
type PullBatch struct {
	Entries    []core.Row
	NextCursor *int64
}

// InsertStats reports the outcome of InsertEntries.
type InsertStats struct {
	Inserted int
	Ignored  int
}

// PeerBookRow is one address-cache record.
type PeerBookRow struct {
	PeerID       string
	Addrs        []string
	UserID       string
	DeviceID     string
	LastSeenUnix int64
}

// Store is the local relational store: append log, pull/push cursors, and
// the peer-address cache. A single writer connection serializes mutations;
// a separate pooled connection serves concurrent reads (an in-memory store
// reads over its writer connection).
type Store struct {
	write *sql.DB
	read  *sql.DB
}

// Open opens (and, if needed, creates and migrates) the local store at path.
// "~/" is expanded against $HOME; ":memory:" opens a private in-memory store.
func Open(path string) (*Store, error) {
	expanded, err := expandHome(path)
	if err != nil {
		return nil, err
	}
	if expanded != ":memory:" {
		if dir := filepath.Dir(expanded); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL", expanded, busyTimeout.Milliseconds())

	write, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite (write): %w", err)
	}
	write.SetMaxOpenConns(1)

	// Every connection to ":memory:" gets its own empty database, so an
	// in-memory store serves its reads over the single write connection.
	read := write
	if expanded != ":memory:" {
		read, err = sql.Open("sqlite3", dsn)
		if err != nil {
			write.Close()
			return nil, fmt.Errorf("open sqlite (read): %w", err)
		}
	}

	s := &Store{write: write, read: read}
	if err := s.initSchema(); err != nil {
		write.Close()
		read.Close()
		return nil, err
	}
	return s, nil
}

// Close releases both connections.
func (s *Store) Close() error {
	err1 := s.write.Close()
	err2 := s.read.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func expandHome(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		return filepath.Join(home, rest), nil
	}
	return path, nil
}

func (s *Store) initSchema() error {
	_, err := s.write.Exec(`
CREATE TABLE IF NOT EXISTS entries (
  ingest_seq  INTEGER PRIMARY KEY AUTOINCREMENT,
  entry_id    TEXT NOT NULL UNIQUE,
  device_id   TEXT NOT NULL,
  user_id     TEXT NOT NULL,
  ts          INTEGER NOT NULL,
  cmd         TEXT NOT NULL,
  cwd         TEXT NOT NULL,
  exit_code   INTEGER NOT NULL,
  duration_ms INTEGER NOT NULL,
  shell       TEXT NOT NULL,
  hostname    TEXT NOT NULL,
  version     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entries_ts ON entries(ts);
CREATE INDEX IF NOT EXISTS idx_entries_device_id ON entries(device_id);

CREATE TABLE IF NOT EXISTS peer_state (
  peer_id     TEXT PRIMARY KEY,
  last_cursor INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS peer_push_state (
  peer_id         TEXT PRIMARY KEY,
  last_pushed_seq INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS peer_book (
  peer_id    TEXT PRIMARY KEY,
  addrs_json TEXT NOT NULL,
  user_id    TEXT,
  device_id  TEXT,
  last_seen  INTEGER NOT NULL
);
`)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// InsertEntries atomically inserts a batch, skipping rows whose entry_id
// already exists. Duplicate entry_id is not an error.
func (s *Store) InsertEntries(entries []core.Entry) (InsertStats, error) {
	if len(entries) == 0 {
		return InsertStats{}, nil
	}

	tx, err := s.write.Begin()
	if err != nil {
		return InsertStats{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
INSERT OR IGNORE INTO entries (
  entry_id, device_id, user_id, ts, cmd, cwd, exit_code, duration_ms, shell, hostname, version
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return InsertStats{}, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	var stats InsertStats
	for _, e := range entries {
		res, err := stmt.Exec(e.EntryID, e.DeviceID, e.UserID, e.Ts, e.Cmd, e.Cwd, e.ExitCode, e.DurationMs, e.Shell, e.Hostname, e.Version)
		if err != nil {
			return InsertStats{}, fmt.Errorf("insert entry %s: %w", e.EntryID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return InsertStats{}, fmt.Errorf("rows affected: %w", err)
		}
		if n > 0 {
			stats.Inserted++
		} else {
			stats.Ignored++
		}
	}

	if err := tx.Commit(); err != nil {
		return InsertStats{}, fmt.Errorf("commit tx: %w", err)
	}
	return stats, nil
}

// ListRecent returns the limit most-recent entries, newest first, with
// device_id/entry_id as deterministic tie-breakers.
func (s *Store) ListRecent(limit int) ([]core.Entry, error) {
	rows, err := s.read.Query(`
SELECT entry_id, device_id, user_id, ts, cmd, cwd, exit_code, duration_ms, shell, hostname, version
FROM entries
ORDER BY ts DESC, device_id ASC, entry_id ASC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query list_recent: %w", err)
	}
	defer rows.Close()

	var out []core.Entry
	for rows.Next() {
		var e core.Entry
		if err := rows.Scan(&e.EntryID, &e.DeviceID, &e.UserID, &e.Ts, &e.Cmd, &e.Cwd, &e.ExitCode, &e.DurationMs, &e.Shell, &e.Hostname, &e.Version); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PullSinceCursor returns rows with ingest_seq > cursor, ascending, up to limit.
func (s *Store) PullSinceCursor(cursor int64, limit int) (PullBatch, error) {
	return s.pullSinceCursor(cursor, limit, "")
}

// PullSinceCursorForDevice is PullSinceCursor filtered to one device_id, used
// by push to avoid re-gossiping entries a device did not originate.
func (s *Store) PullSinceCursorForDevice(cursor int64, limit int, deviceID string) (PullBatch, error) {
	return s.pullSinceCursor(cursor, limit, deviceID)
}

func (s *Store) pullSinceCursor(cursor int64, limit int, deviceFilter string) (PullBatch, error) {
	query := `
SELECT ingest_seq, entry_id, device_id, user_id, ts, cmd, cwd, exit_code, duration_ms, shell, hostname, version
FROM entries
WHERE ingest_seq > ?`
	args := []any{cursor}
	if deviceFilter != "" {
		query += " AND device_id = ?"
		args = append(args, deviceFilter)
	}
	query += " ORDER BY ingest_seq ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.read.Query(query, args...)
	if err != nil {
		return PullBatch{}, fmt.Errorf("query pull_since_cursor: %w", err)
	}
	defer rows.Close()

	var batch PullBatch
	var lastSeq int64
	for rows.Next() {
		var row core.Row
		if err := rows.Scan(&row.IngestSeq, &row.EntryID, &row.DeviceID, &row.UserID, &row.Ts, &row.Cmd, &row.Cwd, &row.ExitCode, &row.DurationMs, &row.Shell, &row.Hostname, &row.Version); err != nil {
			return PullBatch{}, fmt.Errorf("scan row: %w", err)
		}
		batch.Entries = append(batch.Entries, row)
		lastSeq = row.IngestSeq
	}
	if err := rows.Err(); err != nil {
		return PullBatch{}, err
	}
	if len(batch.Entries) > 0 {
		batch.NextCursor = &lastSeq
	}
	return batch, nil
}

// GetLastCursor returns the largest remote ingest_seq already absorbed from peerID.
func (s *Store) GetLastCursor(peerID string) (int64, error) {
	var v int64
	err := s.read.QueryRow(`SELECT last_cursor FROM peer_state WHERE peer_id = ?`, peerID).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query peer_state: %w", err)
	}
	return v, nil
}

// SetLastCursor upserts the pull cursor for peerID.
func (s *Store) SetLastCursor(peerID string, cursor int64) error {
	_, err := s.write.Exec(`
INSERT INTO peer_state(peer_id, last_cursor) VALUES (?, ?)
ON CONFLICT(peer_id) DO UPDATE SET last_cursor = excluded.last_cursor`, peerID, cursor)
	if err != nil {
		return fmt.Errorf("upsert peer_state: %w", err)
	}
	return nil
}

// GetLastPushedSeq returns the largest local ingest_seq already shipped to peerID.
func (s *Store) GetLastPushedSeq(peerID string) (int64, error) {
	var v int64
	err := s.read.QueryRow(`SELECT last_pushed_seq FROM peer_push_state WHERE peer_id = ?`, peerID).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query peer_push_state: %w", err)
	}
	return v, nil
}

// SetLastPushedSeq upserts the push cursor for peerID.
func (s *Store) SetLastPushedSeq(peerID string, seq int64) error {
	_, err := s.write.Exec(`
INSERT INTO peer_push_state(peer_id, last_pushed_seq) VALUES (?, ?)
ON CONFLICT(peer_id) DO UPDATE SET last_pushed_seq = excluded.last_pushed_seq`, peerID, seq)
	if err != nil {
		return fmt.Errorf("upsert peer_push_state: %w", err)
	}
	return nil
}

// UpsertPeerBook refreshes the address cache for one peer.
func (s *Store) UpsertPeerBook(row PeerBookRow) error {
	addrsJSON, err := json.Marshal(row.Addrs)
	if err != nil {
		return fmt.Errorf("marshal addrs: %w", err)
	}
	_, err = s.write.Exec(`
INSERT INTO peer_book(peer_id, addrs_json, user_id, device_id, last_seen) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(peer_id) DO UPDATE SET
  addrs_json = excluded.addrs_json,
  user_id    = excluded.user_id,
  device_id  = excluded.device_id,
  last_seen  = excluded.last_seen`,
		row.PeerID, string(addrsJSON), nullableString(row.UserID), nullableString(row.DeviceID), row.LastSeenUnix)
	if err != nil {
		return fmt.Errorf("upsert peer_book: %w", err)
	}
	return nil
}

// ListPeerBook returns peer-book rows newer than minLastSeen, optionally
// filtered to one user, newest first, capped at limit (0 = unlimited).
func (s *Store) ListPeerBook(userFilter string, minLastSeen int64, limit int) ([]PeerBookRow, error) {
	query := `SELECT peer_id, addrs_json, user_id, device_id, last_seen FROM peer_book WHERE last_seen >= ?`
	args := []any{minLastSeen}
	if userFilter != "" {
		query += " AND user_id = ?"
		args = append(args, userFilter)
	}
	query += " ORDER BY last_seen DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.read.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query peer_book: %w", err)
	}
	defer rows.Close()

	var out []PeerBookRow
	for rows.Next() {
		var (
			row       PeerBookRow
			addrsJSON string
			userID    sql.NullString
			deviceID  sql.NullString
		)
		if err := rows.Scan(&row.PeerID, &addrsJSON, &userID, &deviceID, &row.LastSeenUnix); err != nil {
			return nil, fmt.Errorf("scan peer_book row: %w", err)
		}
		if err := json.Unmarshal([]byte(addrsJSON), &row.Addrs); err != nil {
			return nil, fmt.Errorf("unmarshal addrs: %w", err)
		}
		row.UserID = userID.String
		row.DeviceID = deviceID.String
		out = append(out, row)
	}
	return out, rows.Err()
}

// CountPendingPushEntries counts rows with ingest_seq > last_pushed_seq(peerID)
// filtered to sourceDeviceID, driving the status reporter's pending-push count.
func (s *Store) CountPendingPushEntries(peerID, sourceDeviceID string) (int64, error) {
	pushed, err := s.GetLastPushedSeq(peerID)
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.read.QueryRow(`SELECT COUNT(*) FROM entries WHERE ingest_seq > ? AND device_id = ?`, pushed, sourceDeviceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending push: %w", err)
	}
	return n, nil
}

// LatestIngestSeq returns the local head, 0 when the log is empty.
func (s *Store) LatestIngestSeq() (int64, error) {
	var v sql.NullInt64
	err := s.read.QueryRow(`SELECT MAX(ingest_seq) FROM entries`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("query latest_ingest_seq: %w", err)
	}
	return v.Int64, nil
}

// PeerIDsWithCursorOrPush returns the union of peer IDs present in either
// cursor table, used by the status reporter.
func (s *Store) PeerIDsWithCursorOrPush() ([]string, error) {
	rows, err := s.read.Query(`
SELECT peer_id FROM peer_state
UNION
SELECT peer_id FROM peer_push_state`)
	if err != nil {
		return nil, fmt.Errorf("query peer ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
