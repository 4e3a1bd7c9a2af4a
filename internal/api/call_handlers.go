package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wirepbx/wirepbx/internal/call"
)

// handleActiveCalls returns a snapshot of every call in progress.
func (s *Server) handleActiveCalls(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.calls.Active())
}

// handleCallHistory returns the recent ended calls, newest last.
func (s *Server) handleCallHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.calls.History())
}

// handleHangup force-ends a call by Call-ID. The phones learn of the
// hangup when their next in-dialog request gets 481.
func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")

	c := s.calls.Get(callID)
	if c == nil || !c.Active() {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}

	s.calls.End(c, call.DispositionCancelled)
	s.logger.Info("call ended by operator", "call_id", callID)
	w.WriteHeader(http.StatusNoContent)
}

// handleListRegistrations returns the current SIP bindings.
func (s *Server) handleListRegistrations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registrar.Bindings())
}
