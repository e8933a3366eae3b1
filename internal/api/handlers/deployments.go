package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/agentoven/agentfleet/control-plane/pkg/models"
	"github.com/go-chi/chi/v5"
)

// ══════════════════════════════════════════════════════════════
// ── Package & Deployment Handlers ────────────────────────────
// ══════════════════════════════════════════════════════════════

type packageRequest struct {
	AgentID string                   `json:"agent_id"`
	Options *models.PackagingOptions `json:"options,omitempty"`
}

func (h *Handlers) CreatePackage(w http.ResponseWriter, r *http.Request) {
	var req packageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, models.CodeValidation, "Invalid request body")
		return
	}
	opts := models.DefaultPackagingOptions()
	if req.Options != nil {
		opts = *req.Options
	}

	f, err := h.Deployments.PackageAgent(r.Context(), req.AgentID, opts)
	res, ok := await(w, r, f, err)
	if !ok {
		return
	}
	respondResult(w, http.StatusCreated, res.Success, res.ErrorMessage, res.ErrorCode, res)
}

func (h *Handlers) ListPackages(w http.ResponseWriter, r *http.Request) {
	pkgs := h.Deployments.ListPackages(r.URL.Query().Get("agent_id"))
	if pkgs == nil {
		pkgs = []*models.AgentPackage{}
	}
	respondJSON(w, http.StatusOK, pkgs)
}

func (h *Handlers) GetPackage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "packageID")
	pkg, ok := h.Deployments.GetPackage(id)
	if !ok {
		respondErr(w, &models.NotFoundError{Entity: "Package", Key: id})
		return
	}
	respondJSON(w, http.StatusOK, pkg)
}

type deployRequest struct {
	PackageID     string                    `json:"package_id"`
	WorkspaceID   string                    `json:"workspace_id"`
	EnvironmentID string                    `json:"environment_id"`
	Options       *models.DeploymentOptions `json:"options,omitempty"`
}

func (h *Handlers) CreateDeployment(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, models.CodeValidation, "Invalid request body")
		return
	}
	opts := models.DefaultDeploymentOptions()
	if req.Options != nil {
		opts = *req.Options
	}

	f, err := h.Deployments.DeployAgent(r.Context(), req.PackageID, req.WorkspaceID, req.EnvironmentID, opts)
	res, ok := await(w, r, f, err)
	if !ok {
		return
	}
	respondResult(w, http.StatusCreated, res.Success, res.ErrorMessage, res.ErrorCode, res)
}

func (h *Handlers) ListDeployments(w http.ResponseWriter, r *http.Request) {
	var out []*models.DeployedAgent
	switch q := r.URL.Query(); {
	case q.Get("environment") != "":
		out = h.Deployments.InstancesIn(q.Get("environment"))
	case q.Get("workspace") != "":
		out = h.Deployments.InstancesInWorkspace(q.Get("workspace"))
	default:
		out = h.Deployments.ListDeployments()
	}
	if out == nil {
		out = []*models.DeployedAgent{}
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *Handlers) GetDeployment(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	inst, ok := h.Deployments.GetDeployment(agentID)
	if !ok {
		respondErr(w, &models.NotDeployedError{AgentID: agentID})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"instance":    inst,
		"transitions": h.Deployments.Transitions(agentID),
	})
}

type updateRequest struct {
	PackageID string                `json:"package_id"`
	Options   *models.UpdateOptions `json:"options,omitempty"`
}

func (h *Handlers) UpdateDeployment(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, models.CodeValidation, "Invalid request body")
		return
	}
	opts := models.DefaultUpdateOptions()
	if req.Options != nil {
		opts = *req.Options
	}

	f, err := h.Deployments.UpdateAgent(r.Context(), chi.URLParam(r, "agentID"), req.PackageID, opts)
	res, ok := await(w, r, f, err)
	if !ok {
		return
	}
	respondResult(w, http.StatusOK, res.Success, res.ErrorMessage, res.ErrorCode, res)
}

// DeleteDeployment uninstalls the agent. ?keep_registration=true leaves it
// in the registry.
func (h *Handlers) DeleteDeployment(w http.ResponseWriter, r *http.Request) {
	opts := models.DefaultUninstallOptions()
	if r.URL.Query().Get("keep_registration") == "true" {
		opts.RemoveFromRegistry = false
	}

	f, err := h.Deployments.UninstallAgent(r.Context(), chi.URLParam(r, "agentID"), opts)
	res, ok := await(w, r, f, err)
	if !ok {
		return
	}
	respondResult(w, http.StatusOK, res.Success, res.ErrorMessage, res.ErrorCode, res)
}

func (h *Handlers) DeploymentHealth(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	rec, ok := h.Deployments.GetHealth(agentID)
	if !ok {
		respondErr(w, &models.NotDeployedError{AgentID: agentID})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"health":   rec,
		"severity": rec.Severity(time.Now()),
	})
}

func (h *Handlers) DeploymentStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Deployments.Statistics())
}

// RedeployAgent puts a backup snapshot (as returned by an update) back into
// service.
func (h *Handlers) RedeployAgent(w http.ResponseWriter, r *http.Request) {
	var backup models.DeployedAgent
	if err := json.NewDecoder(r.Body).Decode(&backup); err != nil {
		respondError(w, http.StatusBadRequest, models.CodeValidation, "Invalid request body")
		return
	}
	if id := chi.URLParam(r, "agentID"); backup.AgentID != id {
		respondErr(w, &models.ValidationError{Field: "agent_id", Message: "backup belongs to " + backup.AgentID + ", not " + id})
		return
	}

	f, err := h.Deployments.Redeploy(r.Context(), &backup)
	res, ok := await(w, r, f, err)
	if !ok {
		return
	}
	respondResult(w, http.StatusOK, res.Success, res.ErrorMessage, res.ErrorCode, res)
}
