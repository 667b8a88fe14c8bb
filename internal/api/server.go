// Copyright (c) 2025, the orbit contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/orbit-app/orbit/internal/api/handlers"
	"github.com/orbit-app/orbit/internal/buildinfo"
	"github.com/orbit-app/orbit/internal/domain"
	"github.com/orbit-app/orbit/internal/models"
	"github.com/orbit-app/orbit/internal/update"
)

// Server hosts the HTTP API for the update pipeline.
type Server struct {
	config    *domain.Config
	checker   *update.Checker
	installer *update.Installer
	rollback  *update.RollbackManager
	history   *models.UpdateHistoryStore
	source    update.ReleaseSource
	versions  *update.VersionResolver

	httpServer *http.Server
}

func NewServer(config *domain.Config, checker *update.Checker, installer *update.Installer, rollback *update.RollbackManager, history *models.UpdateHistoryStore, source update.ReleaseSource, versions *update.VersionResolver) *Server {
	return &Server{
		config:    config,
		checker:   checker,
		installer: installer,
		rollback:  rollback,
		history:   history,
		source:    source,
		versions:  versions,
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/version", s.version)

		updatesHandler := handlers.NewUpdatesHandler(s.checker, s.installer, s.rollback, s.history, s.source)
		updatesHandler.RegisterRoutes(r)
	})

	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) version(w http.ResponseWriter, r *http.Request) {
	info := s.versions.Current()
	handlers.RespondJSON(w, http.StatusOK, map[string]any{
		"version":   info.Version,
		"commit":    info.Commit,
		"branch":    info.Branch,
		"buildDate": info.BuildDate,
		"userAgent": buildinfo.UserAgent,
	})
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, fmt.Sprintf("%d", s.config.Port))

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "HTTP server failed")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown failed")
	}

	log.Info().Msg("HTTP server stopped")
	return nil
}
