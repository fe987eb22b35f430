// Package rconfig loads rustory's configuration with flag > env > file >
// default precedence, including the paths of the on-disk swarm-key and
// identity-key files the P2P transport loads (reading and generating those
// keys happens in the p2p package).
package rconfig

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultPeerBookFreshness is the supervisor's peer-book fallback window.
// spec.md §9 flags this as a tunable (unlike the clock-skew question,
// which it says not to invent a fix for) — so it lives here as an
// overridable default rather than a literal in the supervisor.
const DefaultPeerBookFreshness = 7 * 24 * time.Hour

// Config holds every core-behavior setting from spec.md §6.
type Config struct {
	Peers               []string `toml:"peers"`
	Limit               int      `toml:"limit"`
	Push                bool     `toml:"push"`
	Watch               bool     `toml:"watch"`
	IntervalSec         int      `toml:"interval_sec"`
	StartJitterSec      int      `toml:"start_jitter_sec"`
	ReqAttempts         int      `toml:"req_attempts"`
	ReqTimeoutBaseSec   int      `toml:"req_timeout_base_sec"`
	ReqTimeoutCapSec    int      `toml:"req_timeout_cap_sec"`
	ReqBackoffBaseMs    int      `toml:"req_backoff_base_ms"`
	SwarmKeyPath        string   `toml:"swarm_key"`
	IdentityKeyPath     string   `toml:"identity_key"`
	Relay               string   `toml:"relay"`
	Trackers            []string `toml:"trackers"`
	TrackerToken        string   `toml:"tracker_token"`
	TTLSec              int      `toml:"ttl_sec"`
	Bind                string   `toml:"bind"`
	Listen              []string `toml:"listen"`
	DBPath              string   `toml:"db_path"`
	PeerBookFreshnessSec int     `toml:"peer_book_freshness_sec"`
}

// Default returns the config baseline every load starts from.
func Default() Config {
	return Config{
		Limit:                100,
		IntervalSec:          60,
		StartJitterSec:       0,
		ReqAttempts:          3,
		ReqTimeoutBaseSec:    3,
		ReqTimeoutCapSec:     30,
		ReqBackoffBaseMs:     200,
		SwarmKeyPath:         "~/.rustory/swarm.key",
		IdentityKeyPath:      "~/.rustory/identity.key",
		TTLSec:               300,
		Bind:                 "127.0.0.1:8080",
		DBPath:               "~/.rustory/history.db",
		PeerBookFreshnessSec: int(DefaultPeerBookFreshness.Seconds()),
	}
}

// Load builds a Config starting from Default(), applying a TOML file (if
// path is non-empty and exists), then RUSTORY_-prefixed environment
// variables, then explicit flag overrides — each layer overriding the one
// before it, per spec.md §6.
func Load(path string, env map[string]string, flags Config, flagsSet map[string]bool) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return Config{}, err
			}
		}
	}

	applyEnv(&cfg, env)
	applyFlags(&cfg, flags, flagsSet)

	return cfg, nil
}

func applyEnv(cfg *Config, env map[string]string) {
	if v, ok := env["RUSTORY_PEERS"]; ok {
		cfg.Peers = splitCSV(v)
	}
	if v, ok := env["RUSTORY_LIMIT"]; ok {
		cfg.Limit = atoiOr(v, cfg.Limit)
	}
	if v, ok := env["RUSTORY_PUSH"]; ok {
		cfg.Push = v == "1" || v == "true"
	}
	if v, ok := env["RUSTORY_WATCH"]; ok {
		cfg.Watch = v == "1" || v == "true"
	}
	if v, ok := env["RUSTORY_INTERVAL_SEC"]; ok {
		cfg.IntervalSec = atoiOr(v, cfg.IntervalSec)
	}
	if v, ok := env["RUSTORY_START_JITTER_SEC"]; ok {
		cfg.StartJitterSec = atoiOr(v, cfg.StartJitterSec)
	}
	if v, ok := env["RUSTORY_REQ_ATTEMPTS"]; ok {
		cfg.ReqAttempts = atoiOr(v, cfg.ReqAttempts)
	}
	if v, ok := env["RUSTORY_REQ_TIMEOUT_BASE_SEC"]; ok {
		cfg.ReqTimeoutBaseSec = atoiOr(v, cfg.ReqTimeoutBaseSec)
	}
	if v, ok := env["RUSTORY_REQ_TIMEOUT_CAP_SEC"]; ok {
		cfg.ReqTimeoutCapSec = atoiOr(v, cfg.ReqTimeoutCapSec)
	}
	if v, ok := env["RUSTORY_REQ_BACKOFF_BASE_MS"]; ok {
		cfg.ReqBackoffBaseMs = atoiOr(v, cfg.ReqBackoffBaseMs)
	}
	if v, ok := env["RUSTORY_SWARM_KEY"]; ok {
		cfg.SwarmKeyPath = v
	}
	if v, ok := env["RUSTORY_IDENTITY_KEY"]; ok {
		cfg.IdentityKeyPath = v
	}
	if v, ok := env["RUSTORY_RELAY"]; ok {
		cfg.Relay = v
	}
	if v, ok := env["RUSTORY_TRACKERS"]; ok {
		cfg.Trackers = splitCSV(v)
	}
	if v, ok := env["RUSTORY_TRACKER_TOKEN"]; ok {
		cfg.TrackerToken = v
	}
	if v, ok := env["RUSTORY_TTL_SEC"]; ok {
		cfg.TTLSec = atoiOr(v, cfg.TTLSec)
	}
	if v, ok := env["RUSTORY_BIND"]; ok {
		cfg.Bind = v
	}
	if v, ok := env["RUSTORY_LISTEN"]; ok {
		cfg.Listen = splitCSV(v)
	}
	if v, ok := env["RUSTORY_DB_PATH"]; ok {
		cfg.DBPath = v
	}
	if v, ok := env["RUSTORY_PEER_BOOK_FRESHNESS_SEC"]; ok {
		cfg.PeerBookFreshnessSec = atoiOr(v, cfg.PeerBookFreshnessSec)
	}
}

// applyFlags overlays only the fields flagsSet marks as explicitly passed,
// so an unset flag's zero value never clobbers an env/file setting.
func applyFlags(cfg *Config, flags Config, flagsSet map[string]bool) {
	set := func(name string) bool { return flagsSet[name] }

	if set("peers") {
		cfg.Peers = flags.Peers
	}
	if set("limit") {
		cfg.Limit = flags.Limit
	}
	if set("push") {
		cfg.Push = flags.Push
	}
	if set("watch") {
		cfg.Watch = flags.Watch
	}
	if set("interval-sec") {
		cfg.IntervalSec = flags.IntervalSec
	}
	if set("start-jitter-sec") {
		cfg.StartJitterSec = flags.StartJitterSec
	}
	if set("req-attempts") {
		cfg.ReqAttempts = flags.ReqAttempts
	}
	if set("req-timeout-base-sec") {
		cfg.ReqTimeoutBaseSec = flags.ReqTimeoutBaseSec
	}
	if set("req-timeout-cap-sec") {
		cfg.ReqTimeoutCapSec = flags.ReqTimeoutCapSec
	}
	if set("req-backoff-base-ms") {
		cfg.ReqBackoffBaseMs = flags.ReqBackoffBaseMs
	}
	if set("swarm-key") {
		cfg.SwarmKeyPath = flags.SwarmKeyPath
	}
	if set("identity-key") {
		cfg.IdentityKeyPath = flags.IdentityKeyPath
	}
	if set("relay") {
		cfg.Relay = flags.Relay
	}
	if set("trackers") {
		cfg.Trackers = flags.Trackers
	}
	if set("tracker-token") {
		cfg.TrackerToken = flags.TrackerToken
	}
	if set("ttl-sec") {
		cfg.TTLSec = flags.TTLSec
	}
	if set("bind") {
		cfg.Bind = flags.Bind
	}
	if set("listen") {
		cfg.Listen = flags.Listen
	}
	if set("db-path") {
		cfg.DBPath = flags.DBPath
	}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func atoiOr(s string, fallback int) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}
