// Package httpapi exposes the service over a JSON HTTP surface. The
// handlers only translate between wire shapes and service calls; all
// decisions live in the service layer.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/junhma/Manatan/internal/service"
)

type Server struct {
	svc    *service.Service
	logger zerolog.Logger

	router chi.Router
	server *http.Server
}

func NewServer(svc *service.Service, logger zerolog.Logger) *Server {
	s := &Server{
		svc:    svc,
		logger: logger,
		router: chi.NewRouter(),
	}
	s.router.Use(chimw.RequestID)
	s.router.Use(chimw.RealIP)
	s.router.Use(chimw.Recoverer)
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	s.router.Get("/", s.handleStatus)
	s.router.Get("/ocr", s.handleOCR)
	s.router.Post("/preprocess-chapter", s.handlePreprocessChapter)
	s.router.Get("/chapter-status", s.handleChapterStatusGet)
	s.router.Post("/chapter-status", s.handleChapterStatusPost)
	s.router.Post("/chapter-status/batch", s.handleChapterStatusBatch)
	s.router.Post("/delete-chapter", s.handleDeleteChapter)
	s.router.Post("/purge-cache", s.handlePurgeCache)
	s.router.Get("/export-cache", s.handleExportCache)
	s.router.Post("/import-cache", s.handleImportCache)
}
