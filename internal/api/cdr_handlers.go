package api

import (
	"net/http"
	"time"

	"github.com/wirepbx/wirepbx/internal/database/models"
)

// cdrResponse is the JSON view of one call detail record.
type cdrResponse struct {
	ID          int64  `json:"id"`
	CallID      string `json:"call_id"`
	FromExt     string `json:"from"`
	ToExt       string `json:"to"`
	StartTime   string `json:"start_time"`
	AnswerTime  string `json:"answer_time,omitempty"`
	EndTime     string `json:"end_time,omitempty"`
	Duration    int    `json:"duration_seconds"`
	Disposition string `json:"disposition"`
}

func toCDRResponse(c *models.CDR) cdrResponse {
	resp := cdrResponse{
		ID:          c.ID,
		CallID:      c.CallID,
		FromExt:     c.FromExt,
		ToExt:       c.ToExt,
		StartTime:   c.StartTime.Format(time.RFC3339),
		Duration:    c.Duration,
		Disposition: c.Disposition,
	}
	if c.AnswerTime.Valid {
		resp.AnswerTime = c.AnswerTime.Time.Format(time.RFC3339)
	}
	if c.EndTime.Valid {
		resp.EndTime = c.EndTime.Time.Format(time.RFC3339)
	}
	return resp
}

// handleListCDRs returns the most recent records, newest first.
func (s *Server) handleListCDRs(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	cdrs, err := s.repos.CDRs.ListRecent(r.Context(), pg.Limit)
	if err != nil {
		s.logger.Error("list cdrs", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]cdrResponse, len(cdrs))
	for i := range cdrs {
		items[i] = toCDRResponse(&cdrs[i])
	}
	writeJSON(w, http.StatusOK, items)
}

// handleCDRStats returns call totals grouped by disposition.
func (s *Server) handleCDRStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.repos.CDRs.CountByDisposition(r.Context())
	if err != nil {
		s.logger.Error("cdr stats", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, counts)
}
