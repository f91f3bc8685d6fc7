package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"crmflipbook/pkg/domain"
	"crmflipbook/services/flipbook/internal/app"
)

type createAnnotationRequest struct {
	UserIdentifier string           `json:"userIdentifier"`
	Type           string           `json:"type"`
	Range          domain.TextRange `json:"range"`
	Content        string           `json:"content"`
}

func (s *Server) handleCreateAnnotation(w http.ResponseWriter, r *http.Request) {
	n, err := intParam(r, "n")
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	var req createAnnotationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	user := strings.TrimSpace(req.UserIdentifier)
	if user == "" {
		user = strings.TrimSpace(r.Header.Get(UserHeader))
	}
	ann, err := s.app.CreateAnnotation(r.Context(), app.CreateAnnotationInput{
		FlipbookID:     chi.URLParam(r, "id"),
		PageNumber:     n,
		UserIdentifier: user,
		Type:           domain.AnnotationType(req.Type),
		Range:          req.Range,
		Content:        req.Content,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ann)
}

func (s *Server) handleListAnnotations(w http.ResponseWriter, r *http.Request) {
	n, err := intParam(r, "n")
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	items, err := s.app.ListAnnotations(r.Context(), chi.URLParam(r, "id"), n)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGetAnnotation(w http.ResponseWriter, r *http.Request) {
	ann, err := s.app.GetAnnotation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ann)
}

func (s *Server) handleDeleteAnnotation(w http.ResponseWriter, r *http.Request) {
	err := s.app.DeleteAnnotation(r.Context(), chi.URLParam(r, "id"), r.Header.Get(UserHeader))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
