package api

import (
	"net/http"
	"time"

	"github.com/saferun/saferun/internal/saferunerr"
	"github.com/saferun/saferun/internal/tenant"
)

// oauthSessionTTL bounds how long a minted state survives before the
// Slack/GitHub redirect must complete the callback.
const oauthSessionTTL = 10 * time.Minute

// handleStartOAuthSession implements POST /v1/auth/session/start: mints the
// CSRF-protecting state both the Slack and GitHub install flows redirect
// through before landing on their respective callbacks below. The caller
// already holds the tenant's API key (validated by requireAPIKey), which is
// what CompleteSlackOAuth/CompleteGitHubInstallation attach the finished
// connection back onto once the provider redirects with this state.
func (s *Server) handleStartOAuthSession(w http.ResponseWriter, r *http.Request) {
	apiKey, _ := tenant.FromContext(r.Context())
	state, err := s.Engine.Store.CreateOAuthSession(r.Context(), apiKey, oauthSessionTTL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": state})
}

// handleSlackOAuthCallback implements GET /auth/slack/callback: the
// Slack-side half of the unified install flow (spec.md §3's OAuth setup
// session). The actual OAuth code exchange against Slack's token endpoint,
// and any installation-success HTML, are out of scope (spec.md §1) — this
// completes the CSRF-protected state exchange the store already guards.
func (s *Server) handleSlackOAuthCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	botToken := r.URL.Query().Get("bot_token")
	channel := r.URL.Query().Get("channel")
	if state == "" {
		writeError(w, saferunerr.Field("state", "state is required"))
		return
	}
	apiKey, err := s.Engine.Store.CompleteSlackOAuth(r.Context(), state, botToken, channel)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "slack_connected", "api_key": apiKey})
}

// handleGitHubOAuthCallback implements GET /auth/github/callback.
func (s *Server) handleGitHubOAuthCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	installationID := r.URL.Query().Get("installation_id")
	if state == "" {
		writeError(w, saferunerr.Field("state", "state is required"))
		return
	}
	apiKey, err := s.Engine.Store.CompleteGitHubInstallation(r.Context(), state, installationID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "github_connected", "api_key": apiKey})
}
