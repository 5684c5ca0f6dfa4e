// Package api implements the HTTP API of the orchestrator: health, status,
// live prover config updates, block ingress for block producers and the job
// source protocol used by out-of-process agents.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/rollupkit/orchestrator/config"
	"github.com/rollupkit/orchestrator/log"
	"github.com/rollupkit/orchestrator/metrics"
	"github.com/rollupkit/orchestrator/prover"
	"github.com/rollupkit/orchestrator/prover/job"
)

const (
	moduleName = "api"

	// maxBodyBytes bounds request bodies; job results carry proofs.
	maxBodyBytes = 64 << 20
)

// Handler serves the API of a block prover.
type Handler struct {
	client prover.Client
	router *chi.Mux
	logger *log.Logger
}

// NewHandler creates the API handler for client.
func NewHandler(client prover.Client, cfg *config.ServerConfig, l *log.Logger) *Handler {
	logger := l.WithModule(moduleName)
	h := &Handler{
		client: client,
		router: chi.NewRouter(),
		logger: logger,
	}

	var allowedOrigins []string
	if cfg != nil {
		allowedOrigins = cfg.CORSAllowedOrigins
	}
	h.router.Use(MetricsMiddleware(metrics.NewDefaultRequestMetrics(moduleName), logger))
	h.router.Use(CorsMiddleware(allowedOrigins))
	h.router.Use(middleware.Recoverer)
	if cfg != nil && cfg.RequestTimeout != nil {
		h.router.Use(middleware.Timeout(*cfg.RequestTimeout))
	}
	h.RegisterRoutes(h.router)
	return h
}

// RegisterRoutes registers the API routes on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.getHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", h.getStatus)
		r.Patch("/config", h.patchConfig)
		r.Post("/blocks", h.addBlock)
		r.Get("/blocks/{number}", h.getBlock)
		r.Delete("/blocks/{number}", h.cancelBlock)
		r.Post("/blocks/{number}/build", h.buildBlock)
		r.Post("/jobs/claim", h.claimJob)
		r.Post("/jobs/{id}/result", h.resolveJob)
		r.Get("/jobs/{id}", h.getJob)
	})
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("error writing response", "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if HttpCodeForError(err) >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", r.URL.Path, "err", err)
	}
	HumanReadableJsonErrorHandler(w, r, err)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed body: %s", ErrBadRequest, err)
	}
	return nil
}

func jobID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("%w: malformed job id: %s", ErrBadRequest, err)
	}
	return id, nil
}

func (h *Handler) getHealth(w http.ResponseWriter, r *http.Request) {
	status := h.client.Status()
	h.writeJSON(w, http.StatusOK, HealthResponse{
		Status:      "ok",
		Agents:      status.LiveAgents,
		PendingJobs: status.PendingJobs,
	})
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.client.Status())
}

func (h *Handler) patchConfig(w http.ResponseWriter, r *http.Request) {
	var update config.ProverConfigUpdate
	if err := decodeBody(w, r, &update); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.client.UpdateProverConfig(r.Context(), update); err != nil {
		// Updates only fail validation.
		h.writeError(w, r, fmt.Errorf("%w: %s", ErrBadRequest, err))
		return
	}
	h.writeJSON(w, http.StatusOK, h.client.Status().Config)
}

func blockNumber(r *http.Request) (uint64, error) {
	number, err := strconv.ParseUint(chi.URLParam(r, "number"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed block number: %s", ErrBadRequest, err)
	}
	return number, nil
}

// addBlock starts proving a block. The proof is collected with buildBlock.
func (h *Handler) addBlock(w http.ResponseWriter, r *http.Request) {
	var block prover.Block
	if err := decodeBody(w, r, &block); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.client.AddTransactions(r.Context(), block); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("location", fmt.Sprintf("/v1/blocks/%d", block.Number))
	w.WriteHeader(http.StatusAccepted)
}

// buildBlock returns the proof of a fully proven block. A block still
// proving answers 409 and can be built later.
func (h *Handler) buildBlock(w http.ResponseWriter, r *http.Request) {
	number, err := blockNumber(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	proof, err := h.client.BuildBlock(r.Context(), number)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, proof)
}

func (h *Handler) cancelBlock(w http.ResponseWriter, r *http.Request) {
	number, err := blockNumber(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.client.CancelBlock(number); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getBlock(w http.ResponseWriter, r *http.Request) {
	number, err := blockNumber(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status, err := h.client.BlockStatus(r.Context(), number)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

func (h *Handler) claimJob(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.AgentID == "" {
		h.writeError(w, r, fmt.Errorf("%w: missing agentId", ErrBadRequest))
		return
	}
	j, err := h.client.ProvingJobSource().ClaimNext(r.Context(), req.AgentID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if j == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.logger.Debug("job claimed by remote agent", "job_id", j.ID, "kind", j.Kind, "agent_id", req.AgentID)
	h.writeJSON(w, http.StatusOK, j)
}

func (h *Handler) resolveJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var result job.Result
	if err := decodeBody(w, r, &result); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.client.ProvingJobSource().Resolve(r.Context(), id, result); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	cancelled, err := h.client.ProvingJobSource().Cancelled(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, CancelledResponse{Cancelled: cancelled})
}
