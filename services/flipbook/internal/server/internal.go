package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"crmflipbook/pkg/domain"
)

// maxAssetBytes caps a single derived asset pushed by the rendering collaborator.
const maxAssetBytes = 64 << 20

func (s *Server) handleDeriveOptimized(w http.ResponseWriter, r *http.Request) {
	attempt, err := intParam(r, "attempt")
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	data, err := readBody(r, maxAssetBytes)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	f, err := s.app.DeriveOptimized(r.Context(), chi.URLParam(r, "id"), attempt, data)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (s *Server) handleDerivePage(w http.ResponseWriter, r *http.Request) {
	attempt, err := intParam(r, "attempt")
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	n, err := intParam(r, "n")
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	data, err := readBody(r, maxAssetBytes)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	p, err := s.app.DerivePage(r.Context(), chi.URLParam(r, "id"), attempt, n, data)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

type recordAssetRequest struct {
	Type       string `json:"type"`
	URL        string `json:"url"`
	Size       int64  `json:"size"`
	PageNumber int    `json:"pageNumber"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

// handleRecordAsset registers an asset the collaborator stored itself.
func (s *Server) handleRecordAsset(w http.ResponseWriter, r *http.Request) {
	attempt, err := intParam(r, "attempt")
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	var req recordAssetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	switch strings.ToLower(strings.TrimSpace(req.Type)) {
	case "optimized":
		f, err := s.app.RecordOptimized(r.Context(), id, attempt, req.URL, req.Size)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, f)
	case "page":
		p, err := s.app.RecordPage(r.Context(), id, attempt, req.PageNumber, req.URL, req.Width, req.Height)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, p)
	default:
		writeAppError(w, r, domain.Validationf("asset type must be optimized or page"))
	}
}

func (s *Server) handleCompleteness(w http.ResponseWriter, r *http.Request) {
	expected, err := strconv.Atoi(r.URL.Query().Get("pages"))
	if err != nil {
		writeAppError(w, r, domain.Validationf("pages must be an integer"))
		return
	}
	complete, err := s.app.IsComplete(r.Context(), chi.URLParam(r, "id"), expected)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"complete": complete, "expectedPages": expected})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	fb, err := s.app.CompleteProcessing(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fb)
}

type failRequest struct {
	Cause string `json:"cause"`
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	fb, err := s.app.FailProcessing(r.Context(), chi.URLParam(r, "id"), req.Cause)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fb)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Rollback(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rolled_back"})
}
