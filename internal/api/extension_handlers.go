package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wirepbx/wirepbx/internal/database"
	"github.com/wirepbx/wirepbx/internal/database/models"
)

// extensionRequest is the JSON body for creating or updating an
// extension. The SIP password and voicemail PIN are write-only.
type extensionRequest struct {
	Extension    string `json:"extension"`
	Name         string `json:"name"`
	SIPPassword  string `json:"sip_password"`
	VoicemailPIN string `json:"voicemail_pin"`
}

// extensionResponse is the JSON view of an extension. Credentials are
// never returned.
type extensionResponse struct {
	ID           int64  `json:"id"`
	Extension    string `json:"extension"`
	Name         string `json:"name"`
	HasPIN       bool   `json:"has_voicemail_pin"`
	GreetingFile string `json:"greeting_file,omitempty"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

func toExtensionResponse(e *models.Extension) extensionResponse {
	return extensionResponse{
		ID:           e.ID,
		Extension:    e.Extension,
		Name:         e.Name,
		HasPIN:       e.VoicemailPIN != "",
		GreetingFile: e.GreetingFile,
		CreatedAt:    e.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    e.UpdatedAt.Format(time.RFC3339),
	}
}

// handleListExtensions returns all extensions with pagination.
func (s *Server) handleListExtensions(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	exts, err := s.repos.Extensions.List(r.Context())
	if err != nil {
		s.logger.Error("list extensions", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	all := make([]extensionResponse, len(exts))
	for i := range exts {
		all[i] = toExtensionResponse(&exts[i])
	}

	total := len(all)
	start := min(pg.Offset, total)
	end := min(start+pg.Limit, total)

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  all[start:end],
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// handleCreateExtension provisions a new extension.
func (s *Server) handleCreateExtension(w http.ResponseWriter, r *http.Request) {
	var req extensionRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateExtensionRequest(req, true); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	existing, err := s.repos.Extensions.GetByExtension(r.Context(), req.Extension)
	if err != nil {
		s.logger.Error("create extension: lookup", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "extension already exists")
		return
	}

	ext := &models.Extension{
		Extension:   req.Extension,
		Name:        req.Name,
		SIPPassword: req.SIPPassword,
	}
	if req.VoicemailPIN != "" {
		hash, err := database.HashPIN(req.VoicemailPIN)
		if err != nil {
			s.logger.Error("create extension: hashing pin", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		ext.VoicemailPIN = hash
	}

	if err := s.repos.Extensions.Create(r.Context(), ext); err != nil {
		s.logger.Error("create extension: insert", "error", err, "extension", req.Extension)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	created, err := s.repos.Extensions.GetByExtension(r.Context(), req.Extension)
	if err != nil || created == nil {
		s.logger.Error("create extension: re-fetch", "error", err, "extension", req.Extension)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("extension created", "extension", created.Extension, "id", created.ID)
	writeJSON(w, http.StatusCreated, toExtensionResponse(created))
}

// handleGetExtension returns one extension by number.
func (s *Server) handleGetExtension(w http.ResponseWriter, r *http.Request) {
	ext, ok := s.lookupExtension(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toExtensionResponse(ext))
}

// handleUpdateExtension updates name and, when provided, credentials.
func (s *Server) handleUpdateExtension(w http.ResponseWriter, r *http.Request) {
	ext, ok := s.lookupExtension(w, r)
	if !ok {
		return
	}

	var req extensionRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateExtensionRequest(req, false); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if req.Name != "" {
		ext.Name = req.Name
	}
	if req.SIPPassword != "" {
		ext.SIPPassword = req.SIPPassword
	}
	if req.VoicemailPIN != "" {
		hash, err := database.HashPIN(req.VoicemailPIN)
		if err != nil {
			s.logger.Error("update extension: hashing pin", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		ext.VoicemailPIN = hash
	}

	if err := s.repos.Extensions.Update(r.Context(), ext); err != nil {
		s.logger.Error("update extension", "error", err, "extension", ext.Extension)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	updated, err := s.repos.Extensions.GetByExtension(r.Context(), ext.Extension)
	if err != nil || updated == nil {
		s.logger.Error("update extension: re-fetch", "error", err, "extension", ext.Extension)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("extension updated", "extension", updated.Extension)
	writeJSON(w, http.StatusOK, toExtensionResponse(updated))
}

// handleDeleteExtension removes an extension.
func (s *Server) handleDeleteExtension(w http.ResponseWriter, r *http.Request) {
	ext, ok := s.lookupExtension(w, r)
	if !ok {
		return
	}

	if err := s.repos.Extensions.Delete(r.Context(), ext.ID); err != nil {
		s.logger.Error("delete extension", "error", err, "extension", ext.Extension)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("extension deleted", "extension", ext.Extension)
	w.WriteHeader(http.StatusNoContent)
}

// lookupExtension resolves the {extension} URL parameter. On failure the
// error response has been written.
func (s *Server) lookupExtension(w http.ResponseWriter, r *http.Request) (*models.Extension, bool) {
	number := chi.URLParam(r, "extension")
	if errMsg := validateExtensionNumber("extension", number); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return nil, false
	}

	ext, err := s.repos.Extensions.GetByExtension(r.Context(), number)
	if err != nil {
		s.logger.Error("extension lookup", "error", err, "extension", number)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	if ext == nil {
		writeError(w, http.StatusNotFound, "extension not found")
		return nil, false
	}
	return ext, true
}
