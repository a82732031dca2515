// Package api exposes the operator HTTP interface: website registry,
// job progress, URL status counts, and the error log.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dmaraist/newsgather/internal/metrics"
	"github.com/dmaraist/newsgather/internal/pipeline"
	"github.com/dmaraist/newsgather/internal/store"
)

// Server wires HTTP handlers to the store.
type Server struct {
	router chi.Router
	store  store.Store
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(st store.Store, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:  st,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/websites", func(r chi.Router) {
			r.Get("/", s.listWebsites)
			r.Post("/", s.createWebsite)
			r.Route("/{website_id}", func(r chi.Router) {
				r.Get("/", s.getWebsite)
				r.Get("/urls", s.urlCounts)
				r.Get("/jobs", s.listJobs)
				r.Get("/checkpoint", s.getCheckpoint)
			})
		})
		r.Route("/jobs/{job_id}", func(r chi.Router) {
			r.Get("/", s.getJob)
			r.Get("/errors", s.listErrors)
		})
		r.Patch("/errors/{error_id}", s.resolveError)
		r.Get("/articles", s.getArticle)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.ListWebsites(r.Context(), false); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listWebsites(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	sites, err := s.store.ListWebsites(r.Context(), activeOnly)
	if err != nil {
		s.logger.Error("list websites failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if sites == nil {
		sites = []pipeline.Website{}
	}
	writeJSON(w, http.StatusOK, sites)
}

type createWebsiteRequest struct {
	Name       string `json:"name"`
	BaseURL    string `json:"base_url"`
	SitemapURL string `json:"sitemap_url"`
	RSSURL     string `json:"rss_url"`
	Active     *bool  `json:"active"`
}

func (s *Server) createWebsite(w http.ResponseWriter, r *http.Request) {
	var req createWebsiteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" || req.BaseURL == "" {
		writeError(w, http.StatusBadRequest, "name and base_url are required")
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	id, err := s.store.CreateWebsite(r.Context(), pipeline.Website{
		Name:       req.Name,
		BaseURL:    req.BaseURL,
		SitemapURL: req.SitemapURL,
		RSSURL:     req.RSSURL,
		Active:     active,
	})
	if err != nil {
		s.logger.Error("create website failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	site, err := s.store.GetWebsite(r.Context(), id)
	if err != nil {
		s.logger.Error("load created website failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusCreated, site)
}

func (s *Server) getWebsite(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(w, r, "website_id")
	if !ok {
		return
	}
	site, err := s.store.GetWebsite(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "website not found")
		return
	}
	if err != nil {
		s.logger.Error("get website failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, site)
}

func (s *Server) urlCounts(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(w, r, "website_id")
	if !ok {
		return
	}
	counts, err := s.store.CountURLs(r.Context(), id)
	if err != nil {
		s.logger.Error("count urls failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	out := make(map[string]int, len(counts))
	for status, n := range counts {
		out[string(status)] = n
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(w, r, "website_id")
	if !ok {
		return
	}
	jobs, err := s.store.ListJobs(r.Context(), id)
	if err != nil {
		s.logger.Error("list jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if jobs == nil {
		jobs = []pipeline.ScrapingJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) getCheckpoint(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(w, r, "website_id")
	if !ok {
		return
	}
	cp, err := s.store.GetCheckpoint(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no checkpoint")
		return
	}
	if err != nil {
		s.logger.Error("get checkpoint failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) listErrors(w http.ResponseWriter, r *http.Request) {
	unresolvedOnly := r.URL.Query().Get("unresolved") == "true"
	entries, err := s.store.ListErrors(r.Context(), chi.URLParam(r, "job_id"), unresolvedOnly)
	if err != nil {
		s.logger.Error("list errors failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if entries == nil {
		entries = []pipeline.ScrapingError{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type resolveErrorRequest struct {
	Resolution string `json:"resolution"`
}

func (s *Server) resolveError(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(w, r, "error_id")
	if !ok {
		return
	}
	var req resolveErrorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Resolution == "" {
		writeError(w, http.StatusBadRequest, "resolution is required")
		return
	}
	err := s.store.ResolveError(r.Context(), id, req.Resolution)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "error entry not found")
		return
	}
	if err != nil {
		s.logger.Error("resolve error failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (s *Server) getArticle(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, http.StatusBadRequest, "url query parameter is required")
		return
	}
	article, err := s.store.GetArticleByURL(r.Context(), url)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "article not found")
		return
	}
	if err != nil {
		s.logger.Error("get article failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, article)
}

func pathInt64(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFromContext returns the request id set by the middleware.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
