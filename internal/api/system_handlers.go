package api

import (
	"net/http"
	"time"
)

// handleHealth returns basic liveness. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusResponse summarizes the running system for the dashboard.
type statusResponse struct {
	UptimeSeconds  int `json:"uptime_seconds"`
	ActiveCalls    int `json:"active_calls"`
	Registrations  int `json:"registrations"`
	ActiveRelays   int `json:"active_relays"`
	AllocatedPorts int `json:"allocated_rtp_pairs"`
	RTPCapacity    int `json:"rtp_pair_capacity"`
	BlockedSources int `json:"blocked_sources"`
}

// handleStatus returns live counters for every subsystem.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		UptimeSeconds:  int(time.Since(s.startTime).Seconds()),
		ActiveCalls:    s.calls.ActiveCount(),
		Registrations:  s.registrar.Count(),
		ActiveRelays:   s.relays.Count(),
		AllocatedPorts: s.allocator.AllocatedCount(),
		RTPCapacity:    s.allocator.Capacity(),
		BlockedSources: len(s.guard.BlockedIPs()),
	})
}
