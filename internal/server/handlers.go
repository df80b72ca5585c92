package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/ltm/internal/model"
	"github.com/ashita-ai/ltm/internal/reservation"
	"github.com/ashita-ai/ltm/internal/service/episodes"
	"github.com/ashita-ai/ltm/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	svc                 *episodes.Service
	redis               *reservation.Redis
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Redis is optional and only reported on /health.
type HandlersDeps struct {
	EpisodeSvc          *episodes.Service
	Redis               *reservation.Redis
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		svc:                 d.EpisodeSvc,
		redis:               d.Redis,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleRegister handles POST /v1/episodes/register.
func (h *Handlers) HandleRegister(w http.ResponseWriter, r *http.Request) {
	uid, err := h.svc.Register(r.Context())
	if err != nil {
		if errors.Is(err, episodes.ErrExhausted) {
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeExhausted, "no episode uids left")
			return
		}
		h.writeInternalError(w, r, "failed to register episode", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.RegisterResponse{UID: uid})
}

// HandleAddEpisodes handles POST /v1/episodes.
func (h *Handlers) HandleAddEpisodes(w http.ResponseWriter, r *http.Request) {
	var req model.AddEpisodesRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	res, err := h.svc.Add(r.Context(), req.Episodes, req.Update)
	switch {
	case errors.Is(err, episodes.ErrInvalid):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	case errors.Is(err, storage.ErrExists):
		writeErrorDetails(w, r, http.StatusConflict, model.ErrCodeConflict,
			"episodes already stored", map[string]any{"conflicts": res.Conflicts})
		return
	case err != nil:
		h.writeInternalError(w, r, "failed to add episodes", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.AddEpisodesResponse{
		Added:     res.Added,
		Updated:   res.Updated,
		Conflicts: res.Conflicts,
	})
}

// HandleUpdateTree handles POST /v1/episodes/{uid}/update-tree.
func (h *Handlers) HandleUpdateTree(w http.ResponseWriter, r *http.Request) {
	uid, err := strconv.ParseInt(r.PathValue("uid"), 10, 64)
	if err != nil || uid <= 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "uid must be a positive integer")
		return
	}

	ep, visited, err := h.svc.UpdateTree(r.Context(), uid)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
		return
	case errors.Is(err, episodes.ErrInvalid):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	case err != nil:
		h.writeInternalError(w, r, "failed to update tree", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.UpdateTreeResponse{Episode: ep, Visited: visited})
}

// HandleStatus handles GET /v1/status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Status(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to read status", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.StatusResponse{
		Entries:  st.Entries,
		Reserved: st.Reserved,
		Capacity: st.Capacity,
	})
}

// HandleDrop handles DELETE /v1/episodes.
func (h *Handlers) HandleDrop(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.Drop(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to drop episodes", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.DropResponse{Deleted: n})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK
	storeName, _ := h.svc.Backends()

	resp := model.HealthResponse{
		Version: h.version,
		Storage: storeName,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}

	storeStatus := "connected"
	if err := h.svc.Ping(r.Context()); err != nil {
		h.logger.Warn("health: storage ping failed", "error", err)
		storeStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}
	if storeName == "postgres" {
		resp.Postgres = storeStatus
	}

	if h.redis != nil {
		resp.Redis = "connected"
		if err := h.redis.Ping(r.Context()); err != nil {
			resp.Redis = "disconnected"
			if status == "healthy" {
				status = "degraded"
			}
		}
	}

	resp.Status = status
	writeJSON(w, r, httpStatus, resp)
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}
