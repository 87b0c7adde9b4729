package tenant

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saferun/saferun/internal/store"
)

type fakeStore struct {
	store.Store
	keys  map[string]*store.APIKeyRecord
	usage map[string]int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{keys: map[string]*store.APIKeyRecord{}, usage: map[string]int64{}}
}

func (f *fakeStore) CreateAPIKey(ctx context.Context, email string) (*store.APIKeyRecord, error) {
	rec := &store.APIKeyRecord{APIKey: "sr_" + email + "_key", Email: email, IsActive: true}
	f.keys[rec.APIKey] = rec
	return rec, nil
}

func (f *fakeStore) GetAPIKey(ctx context.Context, apiKey string) (*store.APIKeyRecord, error) {
	return f.keys[apiKey], nil
}

func (f *fakeStore) IncrementAPIKeyUsage(ctx context.Context, apiKey string) error {
	f.usage[apiKey]++
	return nil
}

func TestService_RegisterAndValidate(t *testing.T) {
	s := New(newFakeStore())
	rec, err := s.Register(context.Background(), "dev@acme.io")
	require.NoError(t, err)
	assert.Contains(t, rec.APIKey, "sr_")

	validated, err := s.Validate(context.Background(), rec.APIKey)
	require.NoError(t, err)
	assert.Equal(t, rec.APIKey, validated.APIKey)
}

func TestService_RegisterRejectsInvalidEmail(t *testing.T) {
	s := New(newFakeStore())
	_, err := s.Register(context.Background(), "not-an-email")
	require.Error(t, err)
}

func TestService_ValidateRejectsUnknownKey(t *testing.T) {
	s := New(newFakeStore())
	_, err := s.Validate(context.Background(), "sr_does_not_exist")
	require.Error(t, err)
}

func TestService_ValidateRejectsWrongPrefix(t *testing.T) {
	s := New(newFakeStore())
	_, err := s.Validate(context.Background(), "ocx_legacy_key")
	require.Error(t, err)
}

func TestService_ValidateIncrementsUsage(t *testing.T) {
	fs := newFakeStore()
	s := New(fs)
	rec, _ := s.Register(context.Background(), "ops@acme.io")
	_, err := s.Validate(context.Background(), rec.APIKey)
	require.NoError(t, err)
	assert.Equal(t, int64(1), fs.usage[rec.APIKey])
}

func TestContext_WithAPIKeyRoundtrip(t *testing.T) {
	ctx := WithAPIKey(context.Background(), "sr_abc")
	key, ok := FromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "sr_abc", key)

	_, ok = FromContext(context.Background())
	assert.False(t, ok)
}

func TestRateLimiter_AllowsUnderLimitAndBlocksOverLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 3, BurstSize: 3})
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("sr_tenant"))
	}
	assert.False(t, rl.Allow("sr_tenant"))
}

func TestRateLimiter_TracksKeysIndependently(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 1, BurstSize: 1})
	defer rl.Stop()

	assert.True(t, rl.Allow("sr_a"))
	assert.True(t, rl.Allow("sr_b"))
	assert.False(t, rl.Allow("sr_a"))
}
