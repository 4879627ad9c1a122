package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"camrelay/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

// Handler exposes the registry over HTTP using go-chi.
type Handler struct {
	reg         *Registry
	log         *slog.Logger
	metrics     *metrics.Metrics
	stopTimeout time.Duration
	shutdown    func()
}

// NewHandler returns a Handler for reg. Metrics may be nil to disable metric
// recording (e.g. in tests). shutdown is invoked by POST /admin/shutdown; it may
// be nil, in which case that endpoint answers 501.
func NewHandler(reg *Registry, log *slog.Logger, m *metrics.Metrics, stopTimeout time.Duration, shutdown func()) *Handler {
	return &Handler{reg: reg, log: log, metrics: m, stopTimeout: stopTimeout, shutdown: shutdown}
}

// Routes mounts the admin endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/sessions", h.ListSessions)
	r.Route("/sessions/{cam_id}", func(r chi.Router) {
		r.Get("/", h.GetSession)
		r.Put("/", h.ActivateSession)
		r.Delete("/", h.DeactivateSession)
	})
	r.Post("/admin/shutdown", h.Shutdown)
}

// activateRequest is the body of PUT /sessions/{cam_id}.
type activateRequest struct {
	Source string `json:"cam_url"`
}

// ListSessions handles GET /sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.reg.List())
}

// GetSession handles GET /sessions/{cam_id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := CameraID(chi.URLParam(r, "cam_id"))
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	info, ok := h.reg.Get(id)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// ActivateSession handles PUT /sessions/{cam_id}.
// Body: { "cam_url": "rtsp://camera/stream" }.
func (h *Handler) ActivateSession(w http.ResponseWriter, r *http.Request) {
	id := CameraID(chi.URLParam(r, "cam_id"))
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var req activateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Source == "" {
		h.log.Debug("invalid activate body", slog.String("cam_id", string(id)))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	info, err := h.reg.Activate(r.Context(), id, req.Source)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, info)
	case errors.Is(err, ErrAlreadyActive):
		writeJSON(w, http.StatusConflict, info)
	case errors.Is(err, ErrSourceOpen):
		h.log.Warn("activation failed",
			slog.String("cam_id", string(id)),
			slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadGateway)
	case errors.Is(err, ErrRegistryClosed):
		w.WriteHeader(http.StatusServiceUnavailable)
	default:
		h.log.Error("activation failed", slog.String("cam_id", string(id)), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
	}
}

// DeactivateSession handles DELETE /sessions/{cam_id}. It returns once the
// session's buffered frames have been relayed and the camera is inactive.
func (h *Handler) DeactivateSession(w http.ResponseWriter, r *http.Request) {
	id := CameraID(chi.URLParam(r, "cam_id"))
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if h.stopTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.stopTimeout)
		defer cancel()
	}

	if err := h.reg.Deactivate(ctx, id); err != nil {
		h.log.Warn("deactivation still in progress",
			slog.String("cam_id", string(id)),
			slog.String("error", err.Error()))
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Shutdown handles POST /admin/shutdown: it asks the process to deactivate
// every camera, close control connections and exit.
func (h *Handler) Shutdown(w http.ResponseWriter, r *http.Request) {
	if h.shutdown == nil {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	h.log.Info("shutdown requested", slog.String("remote", r.RemoteAddr))
	w.WriteHeader(http.StatusAccepted)
	h.shutdown()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
