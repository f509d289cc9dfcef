package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/user/download-manager/internal/delivery/http/request"
	"github.com/user/download-manager/internal/delivery/http/response"
	"github.com/user/download-manager/internal/entity"
	"github.com/user/download-manager/internal/executor"
	"github.com/user/download-manager/internal/repository"
	"github.com/user/download-manager/internal/usecase"
	"go.uber.org/zap"
)

// DownloadManager is the part of usecase.Manager served over HTTP.
type DownloadManager interface {
	ScheduleOne(ctx context.Context, rawURL string, opts usecase.ScheduleOptions) (*entity.Download, error)
	ScheduleMany(ctx context.Context, urls []string, opts usecase.ScheduleOptions) ([]*entity.Download, error)
	ScheduleRecurring(ctx context.Context, rawURL string, frequency time.Duration, opts usecase.ScheduleOptions) (*entity.Download, error)
	Get(ctx context.Context, id int64) (*entity.Download, error)
	Delete(ctx context.Context, id int64) (bool, error)
	Kill(ctx context.Context, id int64) error
	Renew(ctx context.Context, id int64, resetAttempts bool) (*entity.Download, error)
	ListOnce(ctx context.Context, limit int) ([]*entity.Download, error)
	ListRecurring(ctx context.Context, limit int) ([]*entity.Download, error)
	DeleteCompleted(ctx context.Context) (int64, error)
	DeleteFailed(ctx context.Context) (int64, error)
	Executors() []executor.Info

	Status(ctx context.Context) (*usecase.ManagerStatus, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	KillAll(ctx context.Context) error
	Enable(ctx context.Context) error

	SkipURLs(urls ...string) error
	UnskipURLs(urls ...string) error
	SkippedURLs() []string
}

// HealthCheck probes one dependency.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Handler struct {
	manager     DownloadManager
	stopTimeout time.Duration
	checks      []HealthCheck
	logger      *zap.Logger
}

func NewHandler(manager DownloadManager, stopTimeout time.Duration, logger *zap.Logger, checks ...HealthCheck) *Handler {
	return &Handler{
		manager:     manager,
		stopTimeout: stopTimeout,
		checks:      checks,
		logger:      logger.Named("api"),
	}
}

func (h *Handler) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := response.Health{Status: "ok", Components: make(map[string]string)}
	for _, c := range h.checks {
		if err := c.Check(ctx); err != nil {
			h.logger.Error("Health check failed", zap.String("component", c.Name), zap.Error(err))
			resp.Components[c.Name] = "unhealthy"
			resp.Status = "degraded"
			continue
		}
		resp.Components[c.Name] = "healthy"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, resp)
}

func (h *Handler) HandleSchedule(w http.ResponseWriter, r *http.Request) {
	var req request.ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	opts := usecase.ScheduleOptions{
		Executor:      req.Executor,
		SubExecutor:   req.SubExecutor,
		ResetAttempts: req.ResetAttempts,
	}

	switch {
	case len(req.URLs) > 0:
		if req.URL != "" || req.FrequencySeconds != 0 {
			h.writeJSONError(w, "urls cannot be combined with url or frequency", http.StatusBadRequest)
			return
		}
		downloads, err := h.manager.ScheduleMany(r.Context(), req.URLs, opts)
		if err != nil {
			h.writeManagerError(w, err)
			return
		}
		h.writeJSON(w, http.StatusCreated, response.Downloads{Downloads: downloads, Count: len(downloads)})
	case req.FrequencySeconds != 0:
		d, err := h.manager.ScheduleRecurring(r.Context(), req.URL, time.Duration(req.FrequencySeconds)*time.Second, opts)
		if err != nil {
			h.writeManagerError(w, err)
			return
		}
		h.writeJSON(w, http.StatusCreated, d)
	default:
		d, err := h.manager.ScheduleOne(r.Context(), req.URL, opts)
		if err != nil {
			h.writeManagerError(w, err)
			return
		}
		h.writeJSON(w, http.StatusCreated, d)
	}
}

// HandleList lists one-time downloads, or recurring ones with
// ?kind=recurring.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.writeJSONError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	var (
		downloads []*entity.Download
		err       error
	)
	switch kind := r.URL.Query().Get("kind"); kind {
	case "", "once":
		downloads, err = h.manager.ListOnce(r.Context(), limit)
	case "recurring":
		downloads, err = h.manager.ListRecurring(r.Context(), limit)
	default:
		h.writeJSONError(w, "kind must be once or recurring", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.writeManagerError(w, err)
		return
	}
	if downloads == nil {
		downloads = []*entity.Download{}
	}
	h.writeJSON(w, http.StatusOK, response.Downloads{Downloads: downloads, Count: len(downloads)})
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.downloadID(w, r)
	if !ok {
		return
	}
	d, err := h.manager.Get(r.Context(), id)
	if err != nil {
		h.writeManagerError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, d)
}

func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.downloadID(w, r)
	if !ok {
		return
	}
	deleted, err := h.manager.Delete(r.Context(), id)
	if err != nil {
		h.writeManagerError(w, err)
		return
	}
	if !deleted {
		h.writeJSONError(w, "Download not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleKill(w http.ResponseWriter, r *http.Request) {
	id, ok := h.downloadID(w, r)
	if !ok {
		return
	}
	if err := h.manager.Kill(r.Context(), id); err != nil {
		h.writeManagerError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) HandleRenew(w http.ResponseWriter, r *http.Request) {
	id, ok := h.downloadID(w, r)
	if !ok {
		return
	}
	var req request.RenewRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeJSONError(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}
	d, err := h.manager.Renew(r.Context(), id, req.ResetAttempts)
	if err != nil {
		h.writeManagerError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, d)
}

func (h *Handler) HandleClearCompleted(w http.ResponseWriter, r *http.Request) {
	n, err := h.manager.DeleteCompleted(r.Context())
	if err != nil {
		h.writeManagerError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, response.Deleted{Deleted: n})
}

func (h *Handler) HandleClearFailed(w http.ResponseWriter, r *http.Request) {
	n, err := h.manager.DeleteFailed(r.Context())
	if err != nil {
		h.writeManagerError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, response.Deleted{Deleted: n})
}

func (h *Handler) HandleExecutors(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, response.Executors{Executors: h.manager.Executors()})
}

func (h *Handler) HandleManagerStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.manager.Status(r.Context())
	if err != nil {
		h.writeManagerError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// HandleManagerAction runs start, stop, kill or enable.
func (h *Handler) HandleManagerAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	switch action := chi.URLParam(r, "action"); action {
	case "start":
		err = h.manager.Start(ctx)
	case "enable":
		err = h.manager.Enable(ctx)
	case "stop", "kill":
		stopCtx, cancel := context.WithTimeout(ctx, h.stopTimeout)
		defer cancel()
		if action == "stop" {
			err = h.manager.Stop(stopCtx)
		} else {
			err = h.manager.KillAll(stopCtx)
		}
	default:
		h.writeJSONError(w, "Unknown action "+strconv.Quote(action), http.StatusNotFound)
		return
	}
	if err != nil {
		h.writeManagerError(w, err)
		return
	}
	h.HandleManagerStatus(w, r)
}

func (h *Handler) HandleSkipList(w http.ResponseWriter, r *http.Request) {
	urls := h.manager.SkippedURLs()
	if urls == nil {
		urls = []string{}
	}
	h.writeJSON(w, http.StatusOK, response.SkipList{URLs: urls})
}

func (h *Handler) HandleSkipAdd(w http.ResponseWriter, r *http.Request) {
	h.updateSkipList(w, r, h.manager.SkipURLs)
}

func (h *Handler) HandleSkipRemove(w http.ResponseWriter, r *http.Request) {
	h.updateSkipList(w, r, h.manager.UnskipURLs)
}

func (h *Handler) updateSkipList(w http.ResponseWriter, r *http.Request, apply func(...string) error) {
	var req request.SkipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.URLs) == 0 {
		h.writeJSONError(w, "Request body must list urls", http.StatusBadRequest)
		return
	}
	if err := apply(req.URLs...); err != nil {
		h.writeManagerError(w, err)
		return
	}
	h.HandleSkipList(w, r)
}

func (h *Handler) downloadID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeJSONError(w, "Invalid download id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (h *Handler) writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, usecase.ErrInvalidURL),
		errors.Is(err, usecase.ErrInvalidFrequency),
		errors.Is(err, executor.ErrUnknownExecutor):
		h.writeJSONError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, executor.ErrNoExecutor):
		h.writeJSONError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, usecase.ErrSkipListed),
		errors.Is(err, usecase.ErrInFlight),
		errors.Is(err, usecase.ErrDisabled):
		h.writeJSONError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, repository.ErrNotFound):
		h.writeJSONError(w, "Download not found", http.StatusNotFound)
	default:
		h.logger.Error("Request failed", zap.Error(err))
		h.writeJSONError(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to write JSON response", zap.Error(err))
	}
}

func (h *Handler) writeJSONError(w http.ResponseWriter, message string, status int) {
	h.writeJSON(w, status, response.Error{Error: message})
}
