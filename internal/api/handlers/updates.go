// Copyright (c) 2025, the orbit contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/orbit-app/orbit/internal/models"
	"github.com/orbit-app/orbit/internal/update"
)

type updateChecker interface {
	CheckNow(ctx context.Context, forceRefresh bool) *update.CheckResult
	Status() *update.CheckResult
}

type updateInstaller interface {
	InstallUpdate(ctx context.Context, release *update.ReleaseDescriptor) error
	CancelInstallation() bool
	IsInstalling() bool
}

type rollbackService interface {
	Rollback(ctx context.Context, backupPath string) error
	ListBackups() ([]update.BackupInfo, error)
}

type historyReader interface {
	GetHistory(ctx context.Context, limit int) ([]*models.UpdateHistoryEntry, error)
	GetHistoryByVersion(ctx context.Context, version string) ([]*models.UpdateHistoryEntry, error)
}

type releaseFetcher interface {
	FetchLatest(ctx context.Context, forceRefresh bool) (*update.ReleaseDescriptor, error)
	FetchByVersion(ctx context.Context, version string) (*update.ReleaseDescriptor, error)
}

// UpdatesHandler exposes the update pipeline over HTTP: checking, install,
// rollback, history, and backup listing.
type UpdatesHandler struct {
	checker   updateChecker
	installer updateInstaller
	rollback  rollbackService
	history   historyReader
	source    releaseFetcher
}

func NewUpdatesHandler(checker updateChecker, installer updateInstaller, rollback rollbackService, history historyReader, source releaseFetcher) *UpdatesHandler {
	return &UpdatesHandler{
		checker:   checker,
		installer: installer,
		rollback:  rollback,
		history:   history,
		source:    source,
	}
}

// RegisterRoutes configures update routes under /updates.
func (h *UpdatesHandler) RegisterRoutes(r chi.Router) {
	r.Route("/updates", func(r chi.Router) {
		r.Get("/check", h.check)
		r.Get("/latest", h.latest)
		r.Get("/status", h.status)
		r.Get("/history", h.getHistory)
		r.Get("/backups", h.listBackups)
		r.Post("/install", h.install)
		r.Post("/cancel", h.cancel)
		r.Post("/rollback", h.doRollback)
	})
}

// check triggers an immediate update check. ?force=true bypasses the release
// cache.
func (h *UpdatesHandler) check(w http.ResponseWriter, r *http.Request) {
	result := h.checker.CheckNow(r.Context(), ParseQueryBool(r, "force"))
	if result == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	RespondJSON(w, http.StatusOK, result)
}

func (h *UpdatesHandler) latest(w http.ResponseWriter, r *http.Request) {
	release, err := h.source.FetchLatest(r.Context(), false)
	if err != nil {
		log.Error().Err(err).Msg("failed to fetch latest release")
		RespondError(w, http.StatusBadGateway, "Failed to fetch latest release")
		return
	}
	if release == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	RespondJSON(w, http.StatusOK, release)
}

// status returns the result of the most recent check without triggering a
// new one.
func (h *UpdatesHandler) status(w http.ResponseWriter, r *http.Request) {
	result := h.checker.Status()
	if result == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	RespondJSON(w, http.StatusOK, result)
}

func (h *UpdatesHandler) getHistory(w http.ResponseWriter, r *http.Request) {
	if v := r.URL.Query().Get("version"); v != "" {
		entries, err := h.history.GetHistoryByVersion(r.Context(), v)
		if err != nil {
			log.Error().Err(err).Str("version", v).Msg("failed to load update history")
			RespondError(w, http.StatusInternalServerError, "Failed to load update history")
			return
		}
		RespondJSON(w, http.StatusOK, entries)
		return
	}

	limit := ParseQueryInt(r, "limit", 50)
	entries, err := h.history.GetHistory(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("failed to load update history")
		RespondError(w, http.StatusInternalServerError, "Failed to load update history")
		return
	}

	RespondJSON(w, http.StatusOK, entries)
}

func (h *UpdatesHandler) listBackups(w http.ResponseWriter, r *http.Request) {
	backups, err := h.rollback.ListBackups()
	if err != nil {
		log.Error().Err(err).Msg("failed to list backups")
		RespondError(w, http.StatusInternalServerError, "Failed to list backups")
		return
	}

	RespondJSON(w, http.StatusOK, backups)
}

// InstallRequest selects which release to install. An empty version means
// the latest.
type InstallRequest struct {
	Version string `json:"version"`
}

func (h *UpdatesHandler) install(w http.ResponseWriter, r *http.Request) {
	var req InstallRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	var (
		release *update.ReleaseDescriptor
		err     error
	)
	if req.Version == "" {
		release, err = h.source.FetchLatest(r.Context(), false)
	} else {
		release, err = h.source.FetchByVersion(r.Context(), req.Version)
	}
	if err != nil {
		log.Error().Err(err).Str("version", req.Version).Msg("failed to resolve release for install")
		RespondError(w, http.StatusBadGateway, "Failed to resolve release")
		return
	}
	if release == nil {
		RespondError(w, http.StatusNotFound, "Release not found")
		return
	}

	// The install continues past the request; the client follows progress
	// through the status endpoint.
	if err := h.installer.InstallUpdate(r.Context(), release); err != nil {
		switch {
		case errors.Is(err, update.ErrInstallInProgress):
			RespondError(w, http.StatusConflict, "An installation is already in progress")
		case errors.Is(err, update.ErrUnsupportedEnvironment):
			RespondError(w, http.StatusForbidden, "Self-update is not supported in this environment")
		case errors.Is(err, update.ErrChecksumMismatch):
			RespondError(w, http.StatusBadGateway, "Downloaded archive failed checksum verification")
		default:
			log.Error().Err(err).Str("version", release.Version).Msg("installation failed")
			RespondError(w, http.StatusInternalServerError, "Installation failed: "+err.Error())
		}
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{
		"status":  "installed",
		"version": release.Version,
	})
}

func (h *UpdatesHandler) cancel(w http.ResponseWriter, r *http.Request) {
	if !h.installer.CancelInstallation() {
		RespondError(w, http.StatusConflict, "No installation in progress")
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// RollbackRequest names the backup directory to restore from.
type RollbackRequest struct {
	BackupPath string `json:"backupPath"`
}

func (h *UpdatesHandler) doRollback(w http.ResponseWriter, r *http.Request) {
	var req RollbackRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.BackupPath == "" {
		RespondError(w, http.StatusBadRequest, "backupPath is required")
		return
	}

	if err := h.rollback.Rollback(r.Context(), req.BackupPath); err != nil {
		switch {
		case errors.Is(err, update.ErrRollbackInProgress):
			RespondError(w, http.StatusConflict, "A rollback is already in progress")
		case errors.Is(err, update.ErrInvalidBackup):
			RespondError(w, http.StatusUnprocessableEntity, "Backup failed verification")
		default:
			log.Error().Err(err).Str("backup", req.BackupPath).Msg("rollback failed")
			RespondError(w, http.StatusInternalServerError, "Rollback failed: "+err.Error())
		}
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{"status": "rolled_back"})
}
