package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// healthReport is the JSON body of /health.
type healthReport struct {
	Status       string            `json:"status"`
	Dependencies map[string]string `json:"dependencies"`
	CacheEntries int               `json:"cache_entries"`
}

// handleHealth reports healthy, degraded (policy store down but the
// cache can still answer), or unhealthy (down with no fallback).
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := healthReport{
		Dependencies: map[string]string{"policy_store": "up"},
		CacheEntries: g.cache.Size(),
	}
	status := http.StatusOK
	report.Status = "healthy"

	if g.storeDown.Load() {
		report.Dependencies["policy_store"] = "down"
		status = http.StatusServiceUnavailable
		if report.CacheEntries > 0 {
			report.Status = "degraded"
		} else {
			report.Status = "unhealthy"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(report)
}

// handleStats serves the gateway counters plus nested cache and
// replay-defense stats.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	snapshot := g.stats.snapshot()
	snapshot.Cache = g.cache.Stats()
	if g.deps.Replay != nil {
		snapshot.Replay = g.deps.Replay.Stats()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snapshot)
}

// handleMetrics serves Prometheus exposition when a registry is
// installed, and a plaintext placeholder otherwise.
func (g *Gateway) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if g.promReg == nil {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("# metrics collection not configured\n"))
		return
	}
	promhttp.HandlerFor(g.promReg, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}
