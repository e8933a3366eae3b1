package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/agentoven/agentfleet/control-plane/pkg/models"
	"github.com/go-chi/chi/v5"
)

// ══════════════════════════════════════════════════════════════
// ── Coordination Handlers ────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// Coordinate submits a request. By default it answers 202 with the
// coordination id; ?wait=true blocks for the result.
func (h *Handlers) Coordinate(w http.ResponseWriter, r *http.Request) {
	var req models.AgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, models.CodeValidation, "Invalid request body")
		return
	}

	if r.URL.Query().Get("wait") == "true" {
		f, err := h.Coordination.SubmitWait(r.Context(), &req)
		res, ok := await(w, r, f, err)
		if !ok {
			return
		}
		respondResult(w, http.StatusOK, res.Success, res.ErrorMessage, res.ErrorCode, res)
		return
	}

	id, _, err := h.Coordination.Enqueue(r.Context(), &req)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"coordination_id": id,
		"request_id":      req.ID,
		"status":          "accepted",
	})
}

func (h *Handlers) GetCoordination(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "coordinationID")
	f, ok := h.Coordination.Lookup(id)
	if !ok {
		respondErr(w, &models.NotFoundError{Entity: "Coordination", Key: id})
		return
	}
	select {
	case <-f.Done():
	default:
		respondJSON(w, http.StatusAccepted, map[string]string{"coordination_id": id, "status": "running"})
		return
	}
	res, err := f.Get()
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *Handlers) ListRules(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Coordination.Rules())
}

func (h *Handlers) AddRule(w http.ResponseWriter, r *http.Request) {
	var spec models.CoordinationRuleSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		respondError(w, http.StatusBadRequest, models.CodeValidation, "Invalid request body")
		return
	}
	if err := h.Coordination.AddRule(spec); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, spec)
}

func (h *Handlers) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "ruleID")
	if !h.Coordination.RemoveRule(id) {
		respondErr(w, &models.NotFoundError{Entity: "Rule", Key: id})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) CoordinationStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Coordination.Statistics(r.Context()))
}
