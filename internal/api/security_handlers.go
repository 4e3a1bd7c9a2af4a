package api

import (
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleListBlocked returns the sources currently blocked by the
// brute-force guard.
func (s *Server) handleListBlocked(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.guard.BlockedIPs())
}

// handleUnblock lifts a block manually.
func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	if net.ParseIP(ip) == nil {
		writeError(w, http.StatusBadRequest, "invalid ip address")
		return
	}

	if !s.guard.UnblockIP(ip) {
		writeError(w, http.StatusNotFound, "ip is not blocked")
		return
	}

	s.logger.Info("ip unblocked by operator", "ip", ip)
	w.WriteHeader(http.StatusNoContent)
}
