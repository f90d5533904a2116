package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"pgcrab/internal/config"
	"pgcrab/internal/health"
	"pgcrab/internal/metrics"
	"pgcrab/internal/registry"
	"pgcrab/internal/shardpool"
)

func newTestServer() (*Server, *mux.Router) {
	shard := registry.ShardRecord{
		Name: "shard0", Host: "localhost", Port: 5432,
		User: "pgcrab", Password: "x", MaxConnections: 10,
	}
	reg := registry.New([]registry.ShardRecord{shard}, nil)
	pools := shardpool.NewManager(slog.Default())
	mx := metrics.New()
	hc := health.NewChecker(reg, pools, mx, slog.Default(), time.Hour, 3, time.Second)

	s := NewServer(reg, pools, hc, mx, config.ListenConfig{APIBind: "127.0.0.1", APIPort: 0}, slog.Default())

	mr := mux.NewRouter()
	mr.HandleFunc("/status", s.statusHandler).Methods("GET")
	mr.HandleFunc("/shards", s.listShards).Methods("GET")
	mr.HandleFunc("/shards/{name}/stats", s.shardStats).Methods("GET")
	mr.HandleFunc("/shards/{name}/drain", s.drainShard).Methods("POST")
	mr.HandleFunc("/health", s.healthHandler).Methods("GET")
	mr.HandleFunc("/ready", s.readyHandler).Methods("GET")
	return s, mr
}

func TestListShards(t *testing.T) {
	_, mr := newTestServer()

	req := httptest.NewRequest("GET", "/shards", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var shards []shardResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &shards); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(shards) != 1 || shards[0].Name != "shard0" {
		t.Fatalf("unexpected shards: %+v", shards)
	}
}

func TestShardStatsNotFound(t *testing.T) {
	_, mr := newTestServer()

	req := httptest.NewRequest("GET", "/shards/missing/stats", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestDrainShardNoPool(t *testing.T) {
	_, mr := newTestServer()

	req := httptest.NewRequest("POST", "/shards/shard0/drain", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	// No pool has been created yet (no Acquire call was ever made).
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when no pool exists, got %d", rr.Code)
	}
}

func TestReadyWithNoShards(t *testing.T) {
	reg := registry.New(nil, nil)
	pools := shardpool.NewManager(slog.Default())
	mx := metrics.New()
	hc := health.NewChecker(reg, pools, mx, slog.Default(), time.Hour, 3, time.Second)
	s := NewServer(reg, pools, hc, mx, config.ListenConfig{}, slog.Default())

	req := httptest.NewRequest("GET", "/ready", nil)
	rr := httptest.NewRecorder()
	s.readyHandler(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 when no shards configured, got %d", rr.Code)
	}
}

func TestStatusHandler(t *testing.T) {
	_, mr := newTestServer()

	req := httptest.NewRequest("GET", "/status", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if int(body["num_shards"].(float64)) != 1 {
		t.Errorf("expected num_shards=1, got %v", body["num_shards"])
	}
}
