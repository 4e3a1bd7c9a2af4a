package api

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wirepbx/wirepbx/internal/database/models"
)

// voicemailResponse is the JSON view of a stored message.
type voicemailResponse struct {
	ID         int64  `json:"id"`
	Extension  string `json:"extension"`
	CallerID   string `json:"caller_id"`
	Duration   int    `json:"duration_seconds"`
	Listened   bool   `json:"listened"`
	ListenedAt string `json:"listened_at,omitempty"`
	ReceivedAt string `json:"received_at"`
}

func toVoicemailResponse(m *models.VoicemailMessage) voicemailResponse {
	resp := voicemailResponse{
		ID:         m.ID,
		Extension:  m.Extension,
		CallerID:   m.CallerID,
		Duration:   m.Duration,
		Listened:   m.Listened,
		ReceivedAt: m.ReceivedAt.Format(time.RFC3339),
	}
	if m.ListenedAt.Valid {
		resp.ListenedAt = m.ListenedAt.Time.Format(time.RFC3339)
	}
	return resp
}

// handleListVoicemail returns an extension's messages, oldest first.
// ?unread=true restricts to messages not yet listened to.
func (s *Server) handleListVoicemail(w http.ResponseWriter, r *http.Request) {
	ext, ok := s.lookupExtension(w, r)
	if !ok {
		return
	}

	unreadOnly := r.URL.Query().Get("unread") == "true"
	msgs, err := s.repos.Voicemail.ListByExtension(r.Context(), ext.Extension, unreadOnly)
	if err != nil {
		s.logger.Error("list voicemail", "error", err, "extension", ext.Extension)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]voicemailResponse, len(msgs))
	for i := range msgs {
		items[i] = toVoicemailResponse(&msgs[i])
	}
	writeJSON(w, http.StatusOK, items)
}

// handleMarkVoicemailRead flags a message as listened.
func (s *Server) handleMarkVoicemailRead(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.lookupVoicemail(w, r)
	if !ok {
		return
	}
	if err := s.repos.Voicemail.MarkListened(r.Context(), msg.ID); err != nil {
		s.logger.Error("mark voicemail read", "error", err, "message_id", msg.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMarkVoicemailUnread restores a message to unread.
func (s *Server) handleMarkVoicemailUnread(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.lookupVoicemail(w, r)
	if !ok {
		return
	}
	if err := s.repos.Voicemail.MarkUnread(r.Context(), msg.ID); err != nil {
		s.logger.Error("mark voicemail unread", "error", err, "message_id", msg.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleVoicemailAudio streams the message WAV.
func (s *Server) handleVoicemailAudio(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.lookupVoicemail(w, r)
	if !ok {
		return
	}

	f, err := os.Open(msg.FilePath)
	if err != nil {
		s.logger.Error("open voicemail audio", "error", err, "message_id", msg.ID)
		writeError(w, http.StatusNotFound, "audio file missing")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "audio/wav")
	http.ServeContent(w, r, "message.wav", msg.ReceivedAt, f)
}

// handleDeleteVoicemail removes the message row and its WAV file.
func (s *Server) handleDeleteVoicemail(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.lookupVoicemail(w, r)
	if !ok {
		return
	}

	if err := s.repos.Voicemail.Delete(r.Context(), msg.ID); err != nil {
		s.logger.Error("delete voicemail", "error", err, "message_id", msg.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := os.Remove(msg.FilePath); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("removing voicemail file", "error", err, "path", msg.FilePath)
	}

	s.logger.Info("voicemail deleted", "message_id", msg.ID, "extension", msg.Extension)
	w.WriteHeader(http.StatusNoContent)
}

// lookupVoicemail resolves the {id} URL parameter to a stored message.
func (s *Server) lookupVoicemail(w http.ResponseWriter, r *http.Request) (*models.VoicemailMessage, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return nil, false
	}

	msg, err := s.repos.Voicemail.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("voicemail lookup", "error", err, "message_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	if msg == nil {
		writeError(w, http.StatusNotFound, "message not found")
		return nil, false
	}
	return msg, true
}
