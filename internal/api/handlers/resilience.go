package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/agentoven/agentfleet/control-plane/pkg/models"
	"github.com/go-chi/chi/v5"
)

// ══════════════════════════════════════════════════════════════
// ── Failover Handlers ────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// TriggerFailover fails the agent over. An empty body uses the default
// options.
func (h *Handlers) TriggerFailover(w http.ResponseWriter, r *http.Request) {
	opts := models.DefaultFailoverOptions()
	if err := decodeOptional(r, &opts); err != nil {
		respondError(w, http.StatusBadRequest, models.CodeValidation, "Invalid request body")
		return
	}

	f, err := h.Failover.TriggerFailover(r.Context(), chi.URLParam(r, "agentID"), opts)
	res, ok := await(w, r, f, err)
	if !ok {
		return
	}
	respondResult(w, http.StatusOK, res.Success, res.ErrorMessage, res.ErrorCode, res)
}

func (h *Handlers) FailoverHistory(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	history := h.Failover.History(agentID)
	if history == nil {
		history = []models.FailoverHistoryEntry{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"agent_id": agentID,
		"state":    h.Failover.State(agentID),
		"history":  history,
	})
}

// ══════════════════════════════════════════════════════════════
// ── Recovery & Backup Handlers ───────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) InitiateRecovery(w http.ResponseWriter, r *http.Request) {
	var opts models.DisasterRecoveryOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		respondError(w, http.StatusBadRequest, models.CodeValidation, "Invalid request body")
		return
	}

	f, err := h.Recovery.InitiateRecovery(r.Context(), opts)
	res, ok := await(w, r, f, err)
	if !ok {
		return
	}
	respondResult(w, http.StatusOK, res.Success, res.ErrorMessage, res.ErrorCode, res)
}

func (h *Handlers) RecoveryObjectives(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Recovery.MeetsRecoveryObjectives())
}

func (h *Handlers) RecoveryStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Recovery.Statistics())
}

func (h *Handlers) CreateBackup(w http.ResponseWriter, r *http.Request) {
	opts := models.DefaultBackupOptions()
	if err := decodeOptional(r, &opts); err != nil {
		respondError(w, http.StatusBadRequest, models.CodeValidation, "Invalid request body")
		return
	}

	f, err := h.Recovery.CreateBackup(r.Context(), opts)
	res, ok := await(w, r, f, err)
	if !ok {
		return
	}
	respondResult(w, http.StatusCreated, res.Success, res.ErrorMessage, res.ErrorCode, res)
}

func (h *Handlers) ListBackups(w http.ResponseWriter, r *http.Request) {
	backups, err := h.Recovery.ListBackups(r.Context(), r.URL.Query().Get("agent_id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	if backups == nil {
		backups = []models.BackupRecord{}
	}
	respondJSON(w, http.StatusOK, backups)
}

func (h *Handlers) RestoreBackup(w http.ResponseWriter, r *http.Request) {
	opts := models.DefaultRestoreOptions()
	if err := decodeOptional(r, &opts); err != nil {
		respondError(w, http.StatusBadRequest, models.CodeValidation, "Invalid request body")
		return
	}

	f, err := h.Recovery.RestoreFromBackup(r.Context(), chi.URLParam(r, "backupID"), opts)
	res, ok := await(w, r, f, err)
	if !ok {
		return
	}
	respondResult(w, http.StatusOK, res.Success, res.ErrorMessage, res.ErrorCode, res)
}

// ══════════════════════════════════════════════════════════════
// ── Notification Channel Handlers ────────────────────────────
// ══════════════════════════════════════════════════════════════

// channelView hides the webhook secret.
type channelView struct {
	models.NotificationChannel
	Secret    string `json:"secret,omitempty"`
	HasSecret bool   `json:"has_secret"`
}

func viewOf(ch models.NotificationChannel) channelView {
	return channelView{NotificationChannel: ch, HasSecret: ch.Secret != ""}
}

func (h *Handlers) ListChannels(w http.ResponseWriter, r *http.Request) {
	channels := h.Notify.Channels()
	out := make([]channelView, 0, len(channels))
	for _, ch := range channels {
		out = append(out, viewOf(ch))
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *Handlers) AddChannel(w http.ResponseWriter, r *http.Request) {
	ch := models.NotificationChannel{Active: true}
	if err := json.NewDecoder(r.Body).Decode(&ch); err != nil {
		respondError(w, http.StatusBadRequest, models.CodeValidation, "Invalid request body")
		return
	}
	if err := h.Notify.AddChannel(ch); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, viewOf(ch))
}

func (h *Handlers) DeleteChannel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !h.Notify.RemoveChannel(name) {
		respondErr(w, &models.NotFoundError{Entity: "Notification channel", Key: name})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
