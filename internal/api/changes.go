package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/saferun/saferun/internal/change"
	"github.com/saferun/saferun/internal/saferunerr"
	"github.com/saferun/saferun/internal/store"
	"github.com/saferun/saferun/internal/tenant"
)

// handleRegister implements POST /auth/register.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	rec, err := s.Tenant.Register(r.Context(), req.Email)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"api_key": rec.APIKey,
		"email":   rec.Email,
	})
}

// handleAuthStatus implements GET /auth/status.
func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	apiKey, _ := tenant.FromContext(r.Context())
	rec, err := s.Tenant.Validate(r.Context(), apiKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"email":       rec.Email,
		"is_active":   rec.IsActive,
		"usage_count": rec.UsageCount,
		"created_at":  rec.CreatedAt,
	})
}

// handleDryRun implements POST /dry-run/{provider}.{op}. The op path segment
// is advisory only — detectOperation in internal/change derives the real
// operation from the target kind and reason text — but it is folded into
// Reason when the caller left reason blank, so a bare "github.archive" call
// still classifies correctly.
func (s *Server) handleDryRun(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var body struct {
		TargetID   string `json:"target_id"`
		Credential string `json:"credential"`
		Reason     string `json:"reason"`
		WebhookURL string `json:"webhook_url"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.TargetID == "" {
		writeError(w, saferunerr.Field("target_id", "target_id is required"))
		return
	}
	if body.Credential == "" {
		writeError(w, saferunerr.Field("credential", "credential is required"))
		return
	}
	reason := body.Reason
	if reason == "" {
		reason = vars["op"]
	}

	apiKey, _ := tenant.FromContext(r.Context())
	res, err := s.Engine.DryRun(r.Context(), change.DryRunRequest{
		Provider:   vars["provider"],
		TargetID:   body.TargetID,
		Credential: body.Credential,
		Reason:     reason,
		APIKey:     apiKey,
		WebhookURL: body.WebhookURL,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	Observability().ChangesTotal.WithLabelValues(string(res.Change.Status), res.Change.Provider).Inc()
	Observability().RiskScore.Observe(res.Change.RiskScore)
	writeJSON(w, http.StatusCreated, dryRunResponse(res))
}

func dryRunResponse(res *change.DryRunResult) map[string]any {
	return map[string]any{
		"change_id":         res.Change.ChangeID,
		"status":            res.Change.Status,
		"requires_approval": res.Change.RequiresApproval,
		"risk_score":        res.Change.RiskScore,
		"reasons":           res.Change.Reasons,
		"approve_url":       res.ApproveURL,
		"human_preview":     res.HumanPreview,
	}
}

// handleApply implements POST /apply: the CLI/SDK path where the caller
// already holds the API key and states its own approval decision, distinct
// from the approval-link flow's one-time token.
func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ChangeID string `json:"change_id"`
		Approved bool   `json:"approved"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.ChangeID == "" {
		writeError(w, saferunerr.Field("change_id", "change_id is required"))
		return
	}
	apiKey, _ := tenant.FromContext(r.Context())
	start := time.Now()
	c, err := s.Engine.Apply(r.Context(), body.ChangeID, apiKey, body.Approved)
	if err != nil {
		writeError(w, err)
		return
	}
	Observability().ApplyDuration.WithLabelValues(c.Provider).Observe(time.Since(start).Seconds())
	Observability().ChangesTotal.WithLabelValues(string(c.Status), c.Provider).Inc()
	writeJSON(w, http.StatusOK, changeResponse(c))
}

// handleRevertByKey implements POST /revert: the API-key-authenticated
// revert path, as opposed to the bare-token out-of-band webhook route.
func (s *Server) handleRevertByKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ChangeID   string `json:"change_id"`
		Credential string `json:"credential"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.ChangeID == "" {
		writeError(w, saferunerr.Field("change_id", "change_id is required"))
		return
	}
	apiKey, _ := tenant.FromContext(r.Context())
	c, err := s.Engine.Revert(r.Context(), body.ChangeID, "", apiKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, changeResponse(c))
}

// handleGetChange implements GET /changes/{id}.
func (s *Server) handleGetChange(w http.ResponseWriter, r *http.Request) {
	changeID := mux.Vars(r)["id"]
	c, err := s.Engine.Store.GetChange(r.Context(), changeID)
	if err != nil {
		writeError(w, err)
		return
	}
	if c == nil {
		writeError(w, saferunerr.New(saferunerr.NotFound, "change not found"))
		return
	}
	apiKey, _ := tenant.FromContext(r.Context())
	if c.APIKey != "" && c.APIKey != apiKey {
		writeError(w, saferunerr.New(saferunerr.NotFound, "change not found"))
		return
	}
	writeJSON(w, http.StatusOK, changeResponse(c))
}

func changeResponse(c *store.Change) map[string]any {
	return map[string]any{
		"change_id":    c.ChangeID,
		"status":       c.Status,
		"risk_score":   c.RiskScore,
		"reasons":      c.Reasons,
		"target_id":    c.TargetID,
		"revert_token": c.RevertToken,
	}
}
