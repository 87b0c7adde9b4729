package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/saferun/saferun/internal/saferunerr"
)

// handleGetApproval implements GET /approvals/{id}: renders the reviewer's
// landing-page view model as JSON. A human-facing template would sit in
// front of this in a fuller deployment; the JSON body is what the approve
// button's fetch() call and any CLI poller both consume.
func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	changeID := mux.Vars(r)["id"]
	view, err := s.Gateway.GetApproval(r.Context(), changeID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleApprove implements POST /approvals/{id}/approve. The one-time token
// is accepted as a query parameter, matching the link minted in the
// dry-run's approve_url.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	changeID := mux.Vars(r)["id"]
	token := r.URL.Query().Get("token")
	res, err := s.Gateway.Approve(r.Context(), changeID, token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleReject implements POST /approvals/{id}/reject.
func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	changeID := mux.Vars(r)["id"]
	res, err := s.Gateway.Reject(r.Context(), changeID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleWebhookRevert implements POST /webhooks/github/revert/{id}: the
// out-of-band revert route reachable either with the one-time revert token
// (query param, from a notification link) or an API key (X-API-Key header,
// for automated callers).
func (s *Server) handleWebhookRevert(w http.ResponseWriter, r *http.Request) {
	changeID := mux.Vars(r)["id"]
	token := r.URL.Query().Get("token")
	apiKey := strings.TrimSpace(r.Header.Get("X-API-Key"))

	if token == "" && apiKey == "" {
		writeError(w, saferunerr.New(saferunerr.Unauthorized, "revert token or X-API-Key is required"))
		return
	}

	// The request body is not read: the engine always reverts with the
	// credential captured at dry-run time. An API key is validated here
	// before the engine's ownership check.
	if apiKey != "" {
		if _, err := s.Tenant.Validate(r.Context(), apiKey); err != nil {
			writeError(w, err)
			return
		}
	}

	res, err := s.Gateway.Revert(r.Context(), changeID, token, apiKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
