package httptransport

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"

	"github.com/rustory-sh/rustory/internal/core"
	"github.com/rustory-sh/rustory/internal/metrics"
	"github.com/rustory-sh/rustory/internal/storage"
)

// DefaultMaxBodyBytes is the production body cap (16 MiB); tests use a much
// smaller cap to exercise the 413 path without large fixtures.
const DefaultMaxBodyBytes int64 = 16 << 20

// Server is the HTTP peer endpoint: GET/POST /api/v1/entries, GET /api/v1/ping.
type Server struct {
	store        *storage.Store
	maxBodyBytes int64
	metrics      *metrics.Registry
}

// NewServer builds the peer-sync HTTP handler over store. maxBodyBytes <= 0
// uses DefaultMaxBodyBytes. reg may be nil, disabling ingest metrics.
func NewServer(store *storage.Store, maxBodyBytes int64, reg *metrics.Registry) *Server {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &Server{store: store, maxBodyBytes: maxBodyBytes, metrics: reg}
}

// Router returns the mux.Router serving this peer's /api/v1 routes. It has
// no auth: spec.md §6 deliberately leaves the HTTP peer surface unauthenticated,
// pushing trust onto network placement or the P2P overlay instead.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/entries", s.handlePull).Methods(http.MethodGet)
	api.HandleFunc("/entries", s.handlePush).Methods(http.MethodPost)
	api.HandleFunc("/ping", s.handlePing).Methods(http.MethodGet)
	return r
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	cursor, err := parseInt64Query(r, "cursor", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cursor")
		return
	}
	limit, err := parseInt64Query(r, "limit", 100)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	batch, err := s.store.PullSinceCursor(cursor, int(limit))
	if err != nil {
		log.Error("pull_since_cursor failed", "err", err)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	writeJSON(w, http.StatusOK, pullResponse{Entries: batch.Entries, NextCursor: batch.NextCursor})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	raw, err := io.ReadAll(body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	entries, err := decodePushBody(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid entries payload")
		return
	}

	stats, err := s.store.InsertEntries(entries)
	if err != nil {
		log.Error("insert_entries failed", "err", err)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	s.metrics.IncIngested("http_push", stats.Inserted)
	writeJSON(w, http.StatusOK, pushResponse{OK: true, Inserted: stats.Inserted, Ignored: stats.Ignored})
}

func decodePushBody(raw []byte) ([]core.Entry, error) {
	var asArray []core.Entry
	if err := json.Unmarshal(raw, &asArray); err == nil {
		return asArray, nil
	}
	var asEnvelope pushRequestEnvelope
	if err := json.Unmarshal(raw, &asEnvelope); err != nil {
		return nil, err
	}
	return asEnvelope.Entries, nil
}

func parseInt64Query(r *http.Request, key string, fallback int64) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
