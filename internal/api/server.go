// Package api exposes PgCrab's admin/observability HTTP surface: shard
// status and stats, drain, health, and Prometheus metrics, built on
// gorilla/mux and promhttp. The shard list itself is config-owned, not
// API-mutable, so there is no create/update/delete or pause/resume here —
// only read and drain.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pgcrab/internal/config"
	"pgcrab/internal/health"
	"pgcrab/internal/metrics"
	"pgcrab/internal/registry"
	"pgcrab/internal/shardpool"
)

// Server is the REST API and metrics server.
type Server struct {
	reg         *registry.Registry
	pools       *shardpool.Manager
	healthCheck *health.Checker
	metrics     *metrics.Collector
	httpServer  *http.Server
	startTime   time.Time
	listenCfg   config.ListenConfig
	logger      *slog.Logger
}

// NewServer creates a new API server.
func NewServer(reg *registry.Registry, pools *shardpool.Manager, hc *health.Checker, mx *metrics.Collector, lc config.ListenConfig, logger *slog.Logger) *Server {
	return &Server{
		reg:         reg,
		pools:       pools,
		healthCheck: hc,
		metrics:     mx,
		startTime:   time.Now(),
		listenCfg:   lc,
		logger:      logger,
	}
}

// Start starts the HTTP API server in the background.
func (s *Server) Start() error {
	r := mux.NewRouter()

	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/shards", s.listShards).Methods("GET")
	r.HandleFunc("/shards/{name}/stats", s.shardStats).Methods("GET")
	r.HandleFunc("/shards/{name}/drain", s.drainShard).Methods("POST")
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")
	r.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf("%s:%d", s.listenCfg.APIBind, s.listenCfg.APIPort)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.logger.Info("admin API listening", "addr", addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

type shardResponse struct {
	Name   string              `json:"name"`
	Host   string              `json:"host"`
	Port   int                 `json:"port"`
	Stats  *shardpool.Stats    `json:"stats,omitempty"`
	Health *health.ShardHealth `json:"health,omitempty"`
}

func (s *Server) listShards(w http.ResponseWriter, r *http.Request) {
	shards := s.reg.Shards()
	result := make([]shardResponse, 0, len(shards))
	pools := s.pools.All()
	for _, sh := range shards {
		sr := shardResponse{Name: sh.Name, Host: sh.Host, Port: sh.Port}
		if pool, ok := pools[sh.Name]; ok {
			stats := pool.Stats()
			sr.Stats = &stats
		}
		if s.healthCheck != nil {
			h := s.healthCheck.GetStatus(sh.Name)
			sr.Health = &h
		}
		result = append(result, sr)
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) shardStats(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if _, ok := s.reg.Shard(name); !ok {
		writeError(w, http.StatusNotFound, "shard not found")
		return
	}
	pool, ok := s.pools.All()[name]
	if !ok {
		writeJSON(w, http.StatusOK, shardpool.Stats{})
		return
	}
	writeJSON(w, http.StatusOK, pool.Stats())
}

func (s *Server) drainShard(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if _, ok := s.reg.Shard(name); !ok {
		writeError(w, http.StatusNotFound, "shard not found")
		return
	}
	pool, ok := s.pools.All()[name]
	if !ok {
		writeError(w, http.StatusNotFound, "shard has no active pool")
		return
	}
	pool.Drain()
	s.logger.Info("shard drained via api", "shard", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "drained", "shard": name})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.healthCheck == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "unknown"})
		return
	}
	statuses := s.healthCheck.GetAllStatuses()
	allHealthy := s.healthCheck.OverallHealthy()

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"status": boolToStatus(allHealthy),
		"shards": statuses,
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	shards := s.reg.Shards()
	if len(shards) == 0 || s.healthCheck == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	for _, sh := range shards {
		if s.healthCheck.IsHealthy(sh.Name) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"num_shards":     len(s.reg.Shards()),
		"listen": map[string]int{
			"port":     s.listenCfg.Port,
			"api_port": s.listenCfg.APIPort,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "unhealthy"
}
