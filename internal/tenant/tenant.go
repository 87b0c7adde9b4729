// Package tenant implements C11: API-key issuance and validation, and the
// tenant boundary every owning operation in C6/C7 enforces.
package tenant

import (
	"context"
	"strings"

	"github.com/saferun/saferun/internal/saferunerr"
	"github.com/saferun/saferun/internal/store"
)

// Service issues and validates API keys, grounded on the teacher's
// multitenancy.TenantManager but simplified to spec.md §4.11's single
// opaque-key model: no key-id/secret split, no bcrypt hash — the key itself
// is the credential, looked up by direct equality with an atomic usage
// counter increment on every successful validation.
type Service struct {
	store store.Store
}

func New(s store.Store) *Service {
	return &Service{store: s}
}

const keyPrefix = "sr_"

// Register issues a new API key for an email: the store mints it as the
// `sr_` prefix plus a random UUID string. The key is not a 32-byte
// urlsafe-base64 secret.
func (s *Service) Register(ctx context.Context, email string) (*store.APIKeyRecord, error) {
	if email == "" || !strings.Contains(email, "@") {
		return nil, saferunerr.Field("email", "a valid email is required")
	}
	rec, err := s.store.CreateAPIKey(ctx, email)
	if err != nil {
		return nil, saferunerr.As(err)
	}
	return rec, nil
}

// Validate looks up an API key, enforces it is active, and atomically bumps
// its usage counter. Returns Unauthorized for unknown/inactive keys — anti-
// enumeration applies at C6/C7, not here, since this IS the lookup.
func (s *Service) Validate(ctx context.Context, apiKey string) (*store.APIKeyRecord, error) {
	if !strings.HasPrefix(apiKey, keyPrefix) {
		return nil, saferunerr.New(saferunerr.Unauthorized, "invalid api key")
	}
	rec, err := s.store.GetAPIKey(ctx, apiKey)
	if err != nil {
		return nil, saferunerr.As(err)
	}
	if rec == nil || !rec.IsActive {
		return nil, saferunerr.New(saferunerr.Unauthorized, "invalid api key")
	}
	if err := s.store.IncrementAPIKeyUsage(ctx, apiKey); err != nil {
		return nil, saferunerr.As(err)
	}
	return rec, nil
}

type contextKey string

const apiKeyContextKey contextKey = "saferun_api_key"

// WithAPIKey stores the caller's validated API key in ctx for downstream
// handlers, mirroring the teacher's multitenancy.WithTenant.
func WithAPIKey(ctx context.Context, apiKey string) context.Context {
	return context.WithValue(ctx, apiKeyContextKey, apiKey)
}

// FromContext extracts the API key stashed by WithAPIKey.
func FromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(apiKeyContextKey).(string)
	return v, ok && v != ""
}
