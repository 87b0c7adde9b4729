package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/saferun/saferun/internal/saferunerr"
)

// handleGitHubEvent implements POST /webhooks/github/event: C8's Level 3
// protection path. Signature verification happens against the raw body
// before any JSON decoding, matching the HMAC scheme GitHub itself uses.
func (s *Server) handleGitHubEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, saferunerr.Wrap(saferunerr.BadRequest, "could not read request body", err))
		return
	}
	if !s.Ingress.VerifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		writeError(w, saferunerr.New(saferunerr.Unauthorized, "invalid webhook signature"))
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, saferunerr.Wrap(saferunerr.BadRequest, "invalid event payload", err))
		return
	}

	res, err := s.Ingress.HandleEvent(r.Context(), r.Header.Get("X-GitHub-Event"), payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleGitHubInstall implements POST /webhooks/github/install: app
// installation lifecycle events, same signature scheme as HandleEvent.
func (s *Server) handleGitHubInstall(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, saferunerr.Wrap(saferunerr.BadRequest, "could not read request body", err))
		return
	}
	if !s.Ingress.VerifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		writeError(w, saferunerr.New(saferunerr.Unauthorized, "invalid webhook signature"))
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, saferunerr.Wrap(saferunerr.BadRequest, "invalid event payload", err))
		return
	}

	res, err := s.Ingress.HandleInstallation(r.Context(), payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleSlackInteractions implements POST /slack/interactions: it dispatches
// the approve_change, reject_change and revert_change block actions. The
// chat UI itself (message formatting, modals) is out of scope (spec.md §1);
// the notifier's own Slack messages carry links, not these buttons.
func (s *Server) handleSlackInteractions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, saferunerr.Wrap(saferunerr.BadRequest, "could not read request body", err))
		return
	}
	if !verifySlackSignature(s.SlackSigningSecret, body, r.Header.Get("X-Slack-Request-Timestamp"), r.Header.Get("X-Slack-Signature")) {
		writeError(w, saferunerr.New(saferunerr.Unauthorized, "invalid slack signature"))
		return
	}

	if err := r.ParseForm(); err != nil {
		writeError(w, saferunerr.Wrap(saferunerr.BadRequest, "invalid form payload", err))
		return
	}
	payloadJSON := r.PostFormValue("payload")
	if payloadJSON == "" {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	var payload struct {
		Type    string `json:"type"`
		Actions []struct {
			ActionID string `json:"action_id"`
			Value    string `json:"value"`
		} `json:"actions"`
		User struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		writeError(w, saferunerr.Wrap(saferunerr.BadRequest, "invalid interaction payload", err))
		return
	}
	if payload.Type != "block_actions" || len(payload.Actions) == 0 {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}
	if !s.adminAllowed(payload.User.ID) {
		writeJSON(w, http.StatusOK, map[string]string{"text": "not authorized to act on SafeRun changes"})
		return
	}

	action := payload.Actions[0]
	ctx := r.Context()
	var actionErr error
	switch action.ActionID {
	case "approve_change":
		_, actionErr = s.Gateway.Approve(ctx, action.Value, "")
	case "reject_change":
		_, actionErr = s.Gateway.Reject(ctx, action.Value)
	case "revert_change":
		_, actionErr = s.Gateway.Revert(ctx, action.Value, "", "")
	}
	if actionErr != nil {
		writeJSON(w, http.StatusOK, map[string]string{"text": saferunerr.As(actionErr).Message})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleSlackEvents implements POST /slack/events: the Events API surface,
// whose only traffic SafeRun cares about today is the one-time URL
// verification handshake performed when a subscription is configured.
func (s *Server) handleSlackEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, saferunerr.Wrap(saferunerr.BadRequest, "could not read request body", err))
		return
	}
	if !verifySlackSignature(s.SlackSigningSecret, body, r.Header.Get("X-Slack-Request-Timestamp"), r.Header.Get("X-Slack-Signature")) {
		writeError(w, saferunerr.New(saferunerr.Unauthorized, "invalid slack signature"))
		return
	}

	var payload struct {
		Type      string `json:"type"`
		Challenge string `json:"challenge"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, saferunerr.Wrap(saferunerr.BadRequest, "invalid event payload", err))
		return
	}
	if payload.Type == "url_verification" {
		writeJSON(w, http.StatusOK, map[string]string{"challenge": payload.Challenge})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) adminAllowed(userID string) bool {
	if len(s.AdminAllowlist) == 0 {
		return true
	}
	for _, id := range s.AdminAllowlist {
		if id == userID {
			return true
		}
	}
	return false
}
