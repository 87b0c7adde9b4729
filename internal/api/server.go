// Package api wires every SafeRun component onto the HTTP surface of
// spec.md §6: mux routing, CORS, API-key auth and rate limiting, and the
// thin request/response shaping each handler needs around its component.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/saferun/saferun/internal/approval"
	"github.com/saferun/saferun/internal/change"
	"github.com/saferun/saferun/internal/notify"
	"github.com/saferun/saferun/internal/tenant"
	"github.com/saferun/saferun/internal/webhook"
)

// Server is the composition point every cmd/server wiring step hands its
// finished component to; nothing here constructs a dependency itself.
type Server struct {
	Engine    *change.Engine
	Gateway   *approval.Gateway
	Ingress   *webhook.Ingress
	Notifier  *notify.Dispatcher
	Tenant    *tenant.Service
	RateLimit *tenant.RateLimiter

	BaseURL            string
	SlackSigningSecret string
	AdminAllowlist     []string

	httpServer *http.Server
}

// Router builds the full mux tree. Exposed separately from Start so tests
// can exercise it with httptest without binding a real listener.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(cors)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/auth/register", s.handleRegister).Methods(http.MethodPost, http.MethodOptions)
	v1.HandleFunc("/auth/status", s.requireAPIKey(s.handleAuthStatus)).Methods(http.MethodGet)
	v1.HandleFunc("/dry-run/{provider}.{op}", s.requireAPIKey(s.handleDryRun)).Methods(http.MethodPost, http.MethodOptions)
	v1.HandleFunc("/apply", s.requireAPIKey(s.handleApply)).Methods(http.MethodPost, http.MethodOptions)
	v1.HandleFunc("/revert", s.requireAPIKey(s.handleRevertByKey)).Methods(http.MethodPost, http.MethodOptions)
	v1.HandleFunc("/changes/{id}", s.requireAPIKey(s.handleGetChange)).Methods(http.MethodGet)
	v1.HandleFunc("/auth/session/start", s.requireAPIKey(s.handleStartOAuthSession)).Methods(http.MethodPost, http.MethodOptions)

	r.HandleFunc("/approvals/{id}", s.handleGetApproval).Methods(http.MethodGet)
	r.HandleFunc("/approvals/{id}/approve", s.handleApprove).Methods(http.MethodPost)
	r.HandleFunc("/approvals/{id}/reject", s.handleReject).Methods(http.MethodPost)

	r.HandleFunc("/webhooks/github/event", s.handleGitHubEvent).Methods(http.MethodPost)
	r.HandleFunc("/webhooks/github/install", s.handleGitHubInstall).Methods(http.MethodPost)
	r.HandleFunc("/webhooks/github/revert/{id}", s.handleWebhookRevert).Methods(http.MethodPost)

	r.HandleFunc("/slack/interactions", s.handleSlackInteractions).Methods(http.MethodPost)
	r.HandleFunc("/slack/events", s.handleSlackEvents).Methods(http.MethodPost)

	r.HandleFunc("/auth/slack/callback", s.handleSlackOAuthCallback).Methods(http.MethodGet)
	r.HandleFunc("/auth/github/callback", s.handleGitHubOAuthCallback).Methods(http.MethodGet)

	r.Handle("/metrics", metricsHandler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)

	return r
}

// Start runs the HTTP server until the process is killed; ctx cancellation
// triggers a graceful shutdown.
func (s *Server) Start(ctx context.Context, port string, readTimeout, writeTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%s", port),
		Handler:      s.Router(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("api: listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
