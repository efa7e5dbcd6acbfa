package httpapi

import "net/http"

// handlePerfLatency exposes the rolling per-turn stage latency window so a
// load test can read p50/p95 without scraping Prometheus.
func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotTurnStages())
}
