package api

import (
	"net/http"
	"strings"

	"github.com/saferun/saferun/internal/saferunerr"
	"github.com/saferun/saferun/internal/tenant"
)

// cors mirrors the teacher's permissive-by-default CORS middleware: SafeRun
// has no browser-side session, so credentials are never shared across
// origins and a wildcard is safe.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAPIKey extracts X-API-Key, validates it against the tenant store,
// and stashes the validated key on the request context. Handlers
// read back via tenant.FromContext rather than the header directly, so the
// validation step can never be bypassed by a handler reaching for r.Header
// itself.
func (s *Server) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apiKey := strings.TrimSpace(r.Header.Get("X-API-Key"))
		if apiKey == "" {
			writeError(w, saferunerr.New(saferunerr.Unauthorized, "missing X-API-Key header"))
			return
		}
		rec, err := s.Tenant.Validate(r.Context(), apiKey)
		if err != nil {
			writeError(w, err)
			return
		}
		if !s.RateLimit.Allow(apiKey) {
			writeError(w, saferunerr.New(saferunerr.RateLimited, "rate limit exceeded"))
			return
		}
		ctx := tenant.WithAPIKey(r.Context(), rec.APIKey)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}
