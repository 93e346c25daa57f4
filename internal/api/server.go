package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xornet-io/xornet/internal/cache"
	"github.com/xornet-io/xornet/internal/routing"
)

// Server exposes node status over HTTP: a JSON status document, the
// peer list, group lookups and the Prometheus metrics endpoint.
type Server struct {
	logger *zap.Logger
	router *routing.Router
	cache  *cache.Manager // nil when caching is off

	httpServer *http.Server
	started    time.Time
}

// NewServer builds the HTTP server; Start binds it.
func NewServer(addr string, router *routing.Router, cacheManager *cache.Manager, logger *zap.Logger) *Server {
	s := &Server{
		logger:  logger.Named("api"),
		router:  router,
		cache:   cacheManager,
		started: time.Now(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/peers", s.handlePeers).Methods(http.MethodGet)
	v1.HandleFunc("/group/{id}", s.handleGroup).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Stop. Blocks.
func (s *Server) Start() error {
	s.logger.Info("api listening", zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type statusResponse struct {
	NodeID          string `json:"node_id"`
	ClientMode      bool   `json:"client_mode"`
	Uptime          string `json:"uptime"`
	TableSize       int    `json:"table_size"`
	ClientTableSize int    `json:"client_table_size"`
	AcksOutstanding int    `json:"acks_outstanding"`
	PendingRequests int    `json:"pending_requests"`
	AverageDistance string `json:"average_distance"`

	CacheEntries string `json:"cache_entries,omitempty"`
	CacheHits    string `json:"cache_hits,omitempty"`
	CacheMisses  string `json:"cache_misses,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.router.NetworkStatus()
	resp := statusResponse{
		NodeID:          st.LocalID.Hex(),
		ClientMode:      st.ClientMode,
		Uptime:          humanize.Time(s.started),
		TableSize:       st.TableSize,
		ClientTableSize: st.ClientTableSize,
		AcksOutstanding: st.AcksOutstanding,
		PendingRequests: st.PendingRequests,
		AverageDistance: st.AverageDistance.Hex(),
	}
	if s.cache != nil {
		hits, misses, _, entries := s.cache.Snapshot()
		resp.CacheEntries = humanize.Comma(int64(entries))
		resp.CacheHits = humanize.Comma(int64(hits))
		resp.CacheMisses = humanize.Comma(int64(misses))
	}
	writeJSON(w, http.StatusOK, resp)
}

type peerResponse struct {
	NodeID    string `json:"node_id"`
	Endpoint  string `json:"endpoint,omitempty"`
	Client    bool   `json:"client,omitempty"`
	Connected bool   `json:"connected"`
}

func (s *Server) handlePeers(w http.ResponseWriter, _ *http.Request) {
	peers := s.router.Table().Peers()
	out := make([]peerResponse, 0, len(peers))
	for _, p := range peers {
		out = append(out, peerResponse{
			NodeID:    p.NodeID.Hex(),
			Endpoint:  p.Endpoint,
			Client:    p.Client,
			Connected: p.Connected(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGroup(w http.ResponseWriter, r *http.Request) {
	id, err := routing.ParseNodeID(mux.Vars(r)["id"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid node id"})
		return
	}
	group := s.router.GetGroupLocal(id)
	out := make([]string, 0, len(group))
	for _, g := range group {
		out = append(out, g.Hex())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"group_id": id.Hex(),
		"nodes":    out,
		"range":    rangeStatusString(s.router.IsNodeInGroupRange(id)),
	})
}

func rangeStatusString(s routing.GroupRangeStatus) string {
	switch s {
	case routing.InRange:
		return "in_range"
	case routing.Proximal:
		return "proximal"
	default:
		return "out_of_range"
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
