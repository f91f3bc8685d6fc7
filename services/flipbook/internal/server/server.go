package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"crmflipbook/internal/collabtoken"
	"crmflipbook/internal/ratelimit"
	"crmflipbook/internal/util"
	"crmflipbook/pkg/domain"
	"crmflipbook/services/flipbook/internal/app"
)

// InternalAudience is the token audience accepted on /internal routes.
const InternalAudience = "flipbook"

// UserHeader carries the CRM user on annotation writes and deletes.
const UserHeader = "X-User-Identifier"

const maxJSONBytes = 1 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App      *app.App
	Verifier *collabtoken.Verifier
	// Limiter throttles analytics ingest per client IP; nil disables throttling.
	Limiter            *ratelimit.FixedWindowLimiter
	TrustedProxies     *util.TrustedProxies
	MaxUploadBytes     int64
	CORSAllowedOrigins []string
}

// Server exposes HTTP endpoints for the flipbook service.
type Server struct {
	app            *app.App
	verifier       *collabtoken.Verifier
	limiter        *ratelimit.FixedWindowLimiter
	trusted        *util.TrustedProxies
	maxUploadBytes int64
	router         chi.Router
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app is required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("internal token verifier is required")
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 200 << 20
	}
	s := &Server{
		app:            cfg.App,
		verifier:       cfg.Verifier,
		limiter:        cfg.Limiter,
		trusted:        cfg.TrustedProxies,
		maxUploadBytes: maxUploadBytes,
	}
	s.routes(cfg.CORSAllowedOrigins)
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) routes(origins []string) {
	r := chi.NewRouter()
	r.Use(util.WithRequestID)
	r.Use(func(next http.Handler) http.Handler { return util.WithRequestLog("flipbook", next) })
	r.Use(util.WithSecurityHeaders)
	if len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Content-Type", UserHeader, util.RequestIDHeader},
			ExposedHeaders:   []string{util.RequestIDHeader},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) { methodNotAllowed(w) })
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) { notFound(w, "not found") })

	r.Get("/healthz", s.handleHealth)

	r.Route("/flipbooks", func(r chi.Router) {
		r.Post("/", s.handleCreateFlipbook)
		r.Get("/", s.handleListFlipbooks)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetFlipbook)
			r.Delete("/", s.handleDeleteFlipbook)
			r.Post("/processing", s.handleStartProcessing)
			r.Post("/retry", s.handleRetry)
			r.Get("/files", s.handleListFiles)
			r.Get("/original", s.handleOriginal)
			r.Get("/pages", s.handleListPages)
			r.Get("/pages/{n}/image", s.handlePageImage)
			r.Get("/pages/{n}/annotations", s.handleListAnnotations)
			r.Post("/pages/{n}/annotations", s.handleCreateAnnotation)
			r.Post("/events", s.handleRecordEvent)
			r.Get("/sessions/{sessionId}/events", s.handleExportEvents)
		})
	})
	r.Get("/annotations/{id}", s.handleGetAnnotation)
	r.Delete("/annotations/{id}", s.handleDeleteAnnotation)

	r.Route("/internal/flipbooks/{id}", func(r chi.Router) {
		r.Use(s.withInternal)
		r.Put("/attempts/{attempt}/optimized", s.handleDeriveOptimized)
		r.Put("/attempts/{attempt}/pages/{n}", s.handleDerivePage)
		r.Post("/attempts/{attempt}/assets", s.handleRecordAsset)
		r.Get("/completeness", s.handleCompleteness)
		r.Post("/complete", s.handleComplete)
		r.Post("/fail", s.handleFail)
		r.Post("/rollback", s.handleRollback)
	})
	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) withInternal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := collabtoken.BearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
			return
		}
		if _, err := s.verifier.Verify(token); err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, string(domain.CodeNotFound), msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Details   any    `json:"details,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: strings.TrimSpace(w.Header().Get(util.RequestIDHeader)),
	})
}

// writeAppError maps domain errors to their HTTP status; anything else is a 500 whose
// cause stays in the log.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		util.LoggerFromContext(r.Context()).Error("request_failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, string(domain.CodeInternal), "internal error")
		return
	}
	status := de.Code.HTTPStatus()
	msg := de.Message
	if status >= http.StatusInternalServerError {
		util.LoggerFromContext(r.Context()).Warn("request_failed", "path", r.URL.Path, "code", de.Code, "err", err)
	}
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      string(de.Code),
		Details:   de.Details,
		RequestID: strings.TrimSpace(w.Header().Get(util.RequestIDHeader)),
	})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBytes))
	if err := dec.Decode(dst); err != nil {
		return domain.Validationf("invalid JSON body")
	}
	return nil
}

// decodeOptionalJSON is decodeJSON for requests whose body may be absent.
func decodeOptionalJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return domain.Validationf("invalid JSON body")
	}
	return nil
}

func intParam(r *http.Request, name string) (int, error) {
	raw := chi.URLParam(r, name)
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.Validationf("%s must be an integer, got %q", name, raw)
	}
	return n, nil
}

func readBody(r *http.Request, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, domain.Validationf("body exceeds %d bytes", limit)
	}
	return data, nil
}
