package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/psantana5/genbatch/pkg/logging"
	"github.com/psantana5/genbatch/pkg/models"
	"github.com/psantana5/genbatch/pkg/orchestrator"
)

// HealthChecker reports whether a backing service is reachable
type HealthChecker interface {
	HealthCheck() error
}

// CreateBatchRequest is the body of POST /batches
type CreateBatchRequest struct {
	Name    string              `json:"name"`
	Configs []models.JobConfig  `json:"configs"`
	Options models.BatchOptions `json:"options"`
}

// BatchHandler serves the batch API
type BatchHandler struct {
	orch   *orchestrator.Orchestrator
	health HealthChecker
	logger *logging.Logger

	// runCtx is the parent context of runs started over HTTP. It outlives
	// individual requests.
	runCtx context.Context
}

// NewBatchHandler creates a handler. Runs started through the API are bound
// to runCtx; health may be nil.
func NewBatchHandler(runCtx context.Context, orch *orchestrator.Orchestrator, health HealthChecker, logger *logging.Logger) *BatchHandler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &BatchHandler{
		orch:   orch,
		health: health,
		logger: logger,
		runCtx: runCtx,
	}
}

// RegisterRoutes registers all API routes
func (h *BatchHandler) RegisterRoutes(r *mux.Router) {
	// register specific routes before parameterized routes
	r.HandleFunc("/batches/prune", h.PruneBatches).Methods("POST")
	r.HandleFunc("/batches", h.CreateBatch).Methods("POST")
	r.HandleFunc("/batches", h.ListBatches).Methods("GET")
	r.HandleFunc("/batches/{id}", h.GetBatch).Methods("GET")
	r.HandleFunc("/batches/{id}", h.DeleteBatch).Methods("DELETE")
	r.HandleFunc("/batches/{id}/start", h.StartBatch).Methods("POST")
	r.HandleFunc("/batches/{id}/cancel", h.CancelBatch).Methods("POST")
	r.HandleFunc("/batches/{id}/retry", h.RetryBatch).Methods("POST")

	r.HandleFunc("/health", h.Health).Methods("GET")
}

// CreateBatch stores a new pending batch
func (h *BatchHandler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req CreateBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	batch, err := h.orch.CreateBatch(r.Context(), req.Name, req.Configs, req.Options)
	if err != nil {
		h.writeError(w, "create batch", err)
		return
	}
	writeJSON(w, http.StatusCreated, batch)
}

// ListBatches returns all batches, newest first
func (h *BatchHandler) ListBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := h.orch.List(r.Context())
	if err != nil {
		h.writeError(w, "list batches", err)
		return
	}

	if status := r.URL.Query().Get("status"); status != "" {
		filtered := batches[:0]
		for _, b := range batches {
			if string(b.Status) == status {
				filtered = append(filtered, b)
			}
		}
		batches = filtered
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"batches": batches,
		"count":   len(batches),
	})
}

// GetBatch returns one batch
func (h *BatchHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := h.orch.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, "get batch", err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

// StartBatch claims the batch and runs it in the background. A batch that is
// already running is rejected here rather than inside the background run.
func (h *BatchHandler) StartBatch(w http.ResponseWriter, r *http.Request) {
	run, err := h.orch.BeginStart(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, "start batch", err)
		return
	}

	go h.runInBackground("start", run)

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":   "started",
		"batch_id": run.BatchID(),
	})
}

// RetryBatch re-runs the failed configs of a finished batch in the background
func (h *BatchHandler) RetryBatch(w http.ResponseWriter, r *http.Request) {
	run, err := h.orch.BeginRetry(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, "retry batch", err)
		return
	}

	go h.runInBackground("retry", run)

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":   "retrying",
		"batch_id": run.BatchID(),
		"configs":  len(run.Configs()),
	})
}

func (h *BatchHandler) runInBackground(op string, run *orchestrator.Run) {
	if err := run.Execute(h.runCtx); err != nil {
		h.logger.Error("Background batch run failed", map[string]interface{}{
			"batch_id":  run.BatchID(),
			"operation": op,
			"error":     err.Error(),
		})
	}
}

// CancelBatch stops further dispatch for a batch
func (h *BatchHandler) CancelBatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.orch.Cancel(r.Context(), id); err != nil {
		h.writeError(w, "cancel batch", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "cancelled",
		"batch_id": id,
	})
}

// DeleteBatch removes a batch that is not running
func (h *BatchHandler) DeleteBatch(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.orch.Delete(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, "delete batch", err)
		return
	}
	if !deleted {
		http.Error(w, "Batch not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PruneBatches deletes finished batches older than ?days=N
func (h *BatchHandler) PruneBatches(w http.ResponseWriter, r *http.Request) {
	days, err := strconv.Atoi(r.URL.Query().Get("days"))
	if err != nil || days < 0 {
		http.Error(w, "days must be a non-negative integer", http.StatusBadRequest)
		return
	}

	pruned, err := h.orch.PruneOlderThan(r.Context(), days)
	if err != nil {
		h.writeError(w, "prune batches", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"pruned": pruned})
}

// Health reports service and store health
func (h *BatchHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.HealthCheck(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"active_runs": h.orch.ActiveCount(),
	})
}

func (h *BatchHandler) writeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrNotFound):
		http.Error(w, "Batch not found", http.StatusNotFound)
	case errors.Is(err, orchestrator.ErrInvalidBatch):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, orchestrator.ErrAlreadyRunning),
		errors.Is(err, orchestrator.ErrNoFailures),
		errors.Is(err, models.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		h.logger.Error("Request failed", map[string]interface{}{
			"operation": op,
			"error":     err.Error(),
		})
		http.Error(w, "Failed to "+op, http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
