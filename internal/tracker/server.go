package tracker

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

// DefaultTTL is used when a server is built without an explicit --ttl-sec.
const DefaultTTL = 5 * time.Minute

// Server is the tracker's HTTP registry.
type Server struct {
	reg   *registry
	token string
}

// NewServer builds a tracker server. An empty token disables auth.
func NewServer(ttl time.Duration, token string) *Server {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Server{reg: newRegistry(ttl), token: token}
}

// Router returns the mux.Router serving /api/v1/peers/register, /api/v1/peers, /api/v1/ping.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/peers/register", s.authed(s.handleRegister)).Methods(http.MethodPost)
	api.HandleFunc("/peers", s.authed(s.handleList)).Methods(http.MethodGet)
	api.HandleFunc("/ping", s.handlePing).Methods(http.MethodGet)
	return r
}

// authed wraps a handler with token-gating, per spec.md §4.5: a request must
// carry the configured token as Authorization: Bearer <t> or
// X-Rustory-Token: <t>, else 401. Disabled entirely when no token is set.
func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next(w, r)
			return
		}
		if bearerToken(r) == s.token || r.Header.Get("X-Rustory-Token") == s.token {
			next(w, r)
			return
		}
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(auth, prefix) {
		return strings.TrimPrefix(auth, prefix)
	}
	return ""
}

type registerRequest struct {
	PeerID string            `json:"peer_id"`
	Addrs  []string          `json:"addrs"`
	Meta   map[string]string `json:"meta,omitempty"`
}

type registerResponse struct {
	OK     bool `json:"ok"`
	TTLSec int  `json:"ttl_sec"`
}

type listResponse struct {
	Peers []Record `json:"peers"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if req.PeerID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empty peer_id"})
		return
	}
	ttl := s.reg.register(req.PeerID, req.Addrs, req.Meta)
	writeJSON(w, http.StatusOK, registerResponse{OK: true, TTLSec: ttl})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	userFilter := r.URL.Query().Get("user_id")
	writeJSON(w, http.StatusOK, listResponse{Peers: s.reg.list(userFilter)})
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
