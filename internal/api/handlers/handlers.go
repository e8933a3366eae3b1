// Package handlers implements the HTTP handlers for the AgentFleet control
// plane. Every long-running operation is submitted to the shared worker pool
// and the handler waits on its future within the request context.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/agentoven/agentfleet/control-plane/internal/coordination"
	"github.com/agentoven/agentfleet/control-plane/internal/deployment"
	"github.com/agentoven/agentfleet/control-plane/internal/failover"
	"github.com/agentoven/agentfleet/control-plane/internal/invoker"
	"github.com/agentoven/agentfleet/control-plane/internal/notify"
	"github.com/agentoven/agentfleet/control-plane/internal/recovery"
	"github.com/agentoven/agentfleet/control-plane/internal/workerpool"
	"github.com/agentoven/agentfleet/control-plane/pkg/contracts"
	"github.com/agentoven/agentfleet/control-plane/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Registry     contracts.AgentRegistry
	Coordination *coordination.Engine
	Deployments  *deployment.Manager
	Failover     *failover.Manager
	Recovery     *recovery.Manager
	Notify       *notify.Service

	// AgentClient is used for agents registered over HTTP.
	AgentClient *http.Client
}

// New creates a Handlers instance with all dependencies.
func New(reg contracts.AgentRegistry, coord *coordination.Engine, dep *deployment.Manager, fo *failover.Manager, rec *recovery.Manager, ns *notify.Service) *Handlers {
	return &Handlers{
		Registry:     reg,
		Coordination: coord,
		Deployments:  dep,
		Failover:     fo,
		Recovery:     rec,
		Notify:       ns,
		AgentClient:  &http.Client{Timeout: 30 * time.Second},
	}
}

// ══════════════════════════════════════════════════════════════
// ── Agent Handlers ───────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.Registry.ListAgents(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	if agents == nil {
		agents = []models.AgentDescriptor{}
	}
	respondJSON(w, http.StatusOK, agents)
}

// RegisterAgent registers a remote agent reachable at its endpoint.
func (h *Handlers) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var desc models.AgentDescriptor
	if err := json.NewDecoder(r.Body).Decode(&desc); err != nil {
		respondError(w, http.StatusBadRequest, models.CodeValidation, "Invalid request body")
		return
	}
	if desc.Endpoint == "" {
		respondErr(w, &models.ValidationError{Field: "endpoint", Message: "agent endpoint is required"})
		return
	}

	agent := invoker.NewHTTPAgent(desc.ID, desc.Endpoint, h.AgentClient)
	if err := h.Coordination.Register(r.Context(), desc, agent); err != nil {
		respondErr(w, err)
		return
	}
	stored, err := h.Registry.GetRegisteredAgent(r.Context(), desc.ID)
	if err != nil {
		respondErr(w, err)
		return
	}
	log.Info().Str("agent_id", desc.ID).Str("endpoint", desc.Endpoint).Msg("Agent registered over HTTP")
	respondJSON(w, http.StatusCreated, stored)
}

func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.Registry.GetRegisteredAgent(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, agent)
}

func (h *Handlers) DeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.Coordination.Unregister(r.Context(), chi.URLParam(r, "agentID")); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Helpers ──────────────────────────────────────────────────

type errorBody struct {
	Error  string           `json:"error"`
	Code   models.ErrorCode `json:"code"`
	Result any              `json:"result,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code models.ErrorCode, message string) {
	respondJSON(w, status, errorBody{Error: message, Code: code})
}

// respondErr maps a typed error to its status code.
func respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workerpool.ErrPoolFull), errors.Is(err, workerpool.ErrPoolClosed):
		respondError(w, http.StatusServiceUnavailable, models.CodeUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		respondError(w, http.StatusGatewayTimeout, models.CodeUnavailable, err.Error())
	default:
		code := models.CodeOf(err)
		respondError(w, statusFor(code), code, err.Error())
	}
}

// respondResult writes a successful operation result, or the failure body
// with the result attached so callers still see rollback details.
func respondResult(w http.ResponseWriter, okStatus int, success bool, message string, code models.ErrorCode, result any) {
	if success {
		respondJSON(w, okStatus, result)
		return
	}
	respondJSON(w, statusFor(code), errorBody{Error: message, Code: code, Result: result})
}

func statusFor(code models.ErrorCode) int {
	switch code {
	case models.CodeValidation:
		return http.StatusBadRequest
	case models.CodeNotFound:
		return http.StatusNotFound
	case models.CodePolicyDenied:
		return http.StatusForbidden
	case models.CodeRejected:
		return http.StatusConflict
	case models.CodeHealthCheck, models.CodeUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// await waits for a submitted operation within the request context.
func await[T any](w http.ResponseWriter, r *http.Request, f *workerpool.Future[T], submitErr error) (T, bool) {
	var zero T
	if submitErr != nil {
		respondErr(w, submitErr)
		return zero, false
	}
	v, err := f.Wait(r.Context())
	if err != nil {
		respondErr(w, err)
		return zero, false
	}
	return v, true
}

// decodeOptional decodes the body into dst, leaving dst untouched when the
// body is empty.
func decodeOptional(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
