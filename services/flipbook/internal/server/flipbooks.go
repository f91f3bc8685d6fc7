package server

import (
	"errors"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"crmflipbook/pkg/domain"
	"crmflipbook/services/flipbook/internal/app"
)

// handleCreateFlipbook accepts either a JSON begin-upload request for an original the
// upload collaborator already stored, or a multipart upload carrying the file itself.
func (s *Server) handleCreateFlipbook(w http.ResponseWriter, r *http.Request) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		s.handleUploadOriginal(w, r)
		return
	}
	var in app.BeginUploadInput
	if err := decodeJSON(r, &in); err != nil {
		writeAppError(w, r, err)
		return
	}
	fb, err := s.app.BeginUpload(r.Context(), in)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, fb)
}

func (s *Server) handleUploadOriginal(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+(1<<20))
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, string(domain.CodeValidation), "file too large")
			return
		}
		writeAppError(w, r, domain.Validationf("invalid multipart form"))
		return
	}
	defer r.MultipartForm.RemoveAll()
	file, header, err := r.FormFile("file")
	if err != nil {
		writeAppError(w, r, domain.Validationf("file is required"))
		return
	}
	defer file.Close()
	if header.Size > s.maxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, string(domain.CodeValidation), "file too large")
		return
	}
	fb, err := s.app.UploadOriginal(r.Context(), r.FormValue("title"), header.Filename, file, header.Size)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if strings.EqualFold(r.FormValue("process"), "true") {
		if fb, err = s.app.StartProcessing(r.Context(), fb.ID); err != nil {
			writeAppError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, fb)
}

func (s *Server) handleListFlipbooks(w http.ResponseWriter, r *http.Request) {
	items, err := s.app.ListFlipbooks(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		want, ok := domain.ParseFlipbookStatus(status)
		if !ok {
			writeAppError(w, r, domain.Validationf("unknown status %q", status))
			return
		}
		filtered := items[:0]
		for _, fb := range items {
			if fb.Status == want {
				filtered = append(filtered, fb)
			}
		}
		items = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (s *Server) handleGetFlipbook(w http.ResponseWriter, r *http.Request) {
	fb, err := s.app.GetFlipbook(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fb)
}

func (s *Server) handleDeleteFlipbook(w http.ResponseWriter, r *http.Request) {
	if err := s.app.DeleteFlipbook(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleStartProcessing(w http.ResponseWriter, r *http.Request) {
	fb, err := s.app.StartProcessing(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, fb)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	fb, err := s.app.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, fb)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.app.ListFiles(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": files})
}

func (s *Server) handleOriginal(w http.ResponseWriter, r *http.Request) {
	url, err := s.app.OriginalURL(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleListPages(w http.ResponseWriter, r *http.Request) {
	pages, err := s.app.ListPages(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": pages})
}

// handlePageImage redirects to a presigned URL for the page image.
func (s *Server) handlePageImage(w http.ResponseWriter, r *http.Request) {
	n, err := intParam(r, "n")
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	url, err := s.app.PageImageURL(r.Context(), chi.URLParam(r, "id"), n)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}
