package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saferun/saferun/internal/store"
)

type settingsStub struct {
	settings map[string]*store.Settings
}

func (s *settingsStub) UpsertChange(ctx context.Context, c *store.Change) error { return nil }
func (s *settingsStub) GetChange(ctx context.Context, changeID string) (*store.Change, error) {
	return nil, nil
}
func (s *settingsStub) GetChangeByRevertToken(ctx context.Context, plaintext string) (*store.Change, error) {
	return nil, nil
}
func (s *settingsStub) SetChangeStatus(ctx context.Context, changeID string, status store.Status) error {
	return nil
}
func (s *settingsStub) SetRevertToken(ctx context.Context, changeID, revertToken string) error {
	return nil
}
func (s *settingsStub) UpdateSummaryJSON(ctx context.Context, changeID string, summary map[string]any) error {
	return nil
}
func (s *settingsStub) SetChangeApproved(ctx context.Context, changeID string, approved bool) error {
	return nil
}
func (s *settingsStub) CreateApprovalToken(ctx context.Context, changeID string, kind store.TokenKind, ttl time.Duration) (string, error) {
	return "", nil
}
func (s *settingsStub) VerifyAndConsumeToken(ctx context.Context, changeID, token string) (bool, error) {
	return false, nil
}
func (s *settingsStub) GetApprovalTokenInfo(ctx context.Context, token string) (*store.ApprovalToken, error) {
	return nil, nil
}
func (s *settingsStub) InsertAudit(ctx context.Context, changeID, event string, meta map[string]any) error {
	return nil
}
func (s *settingsStub) CompleteSlackOAuth(ctx context.Context, state, botToken, channel string) (string, error) {
	return "", nil
}
func (s *settingsStub) CompleteGitHubInstallation(ctx context.Context, state, installationID string) (string, error) {
	return "", nil
}
func (s *settingsStub) CreateOAuthSession(ctx context.Context, apiKey string, ttl time.Duration) (string, error) {
	return "", nil
}
func (s *settingsStub) GetAPIKey(ctx context.Context, apiKey string) (*store.APIKeyRecord, error) {
	return nil, nil
}
func (s *settingsStub) CreateAPIKey(ctx context.Context, email string) (*store.APIKeyRecord, error) {
	return nil, nil
}
func (s *settingsStub) IncrementAPIKeyUsage(ctx context.Context, apiKey string) error { return nil }
func (s *settingsStub) GetProviderInstallation(ctx context.Context, installationID string) (*store.ProviderInstallation, error) {
	return nil, nil
}
func (s *settingsStub) UpsertProviderInstallation(ctx context.Context, inst *store.ProviderInstallation) error {
	return nil
}
func (s *settingsStub) DeleteProviderInstallation(ctx context.Context, installationID string) error {
	return nil
}
func (s *settingsStub) RecentChanges(ctx context.Context, targetSubstr string, statuses []store.Status, since time.Time, limit int) ([]*store.Change, error) {
	return nil, nil
}
func (s *settingsStub) GetSettings(ctx context.Context, tenantID string) (*store.Settings, error) {
	return s.settings[tenantID], nil
}
func (s *settingsStub) UpsertSettings(ctx context.Context, set *store.Settings) error { return nil }
func (s *settingsStub) MigrateTokensToEncrypted(ctx context.Context) (int, error)     { return 0, nil }
func (s *settingsStub) GCExpired(ctx context.Context) ([]string, error)              { return nil, nil }
func (s *settingsStub) Close() error                                                 { return nil }

func TestDispatcher_SendsSignedGenericWebhook(t *testing.T) {
	var mu sync.Mutex
	var gotSig, gotEvent string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotSig = r.Header.Get("X-SafeRun-Signature")
		gotEvent = r.Header.Get("X-SafeRun-Event")
		gotBody, _ = readAll(r)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := &settingsStub{settings: map[string]*store.Settings{
		"sr_tenant": {TenantID: "sr_tenant", GenericWebhookURL: srv.URL, GenericWebhookSecret: "whsec"},
	}}
	d := New(s, Config{Timeout: time.Second, Workers: 1})
	defer d.Shutdown()

	c := &store.Change{ChangeID: "chg_1", TargetID: "acme/svc", Status: store.StatusExecuted, APIKey: "sr_tenant"}
	d.Publish(context.Background(), "executed", c, nil)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotEvent != ""
	}, 2*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "executed", gotEvent)
	assert.Equal(t, "sha256="+sign(gotBody, "whsec"), gotSig)
}

func TestDispatcher_FallsBackToGlobalConfigWithoutTenantSettings(t *testing.T) {
	received := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := &settingsStub{settings: map[string]*store.Settings{}}
	d := New(s, Config{Timeout: time.Second, Workers: 1, GenericWebhookURL: srv.URL})
	defer d.Shutdown()

	c := &store.Change{ChangeID: "chg_2", TargetID: "acme/svc", Status: store.StatusExecuted}
	d.Publish(context.Background(), "dry_run", c, nil)

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("expected webhook delivery via global fallback config")
	}
}

func readAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	var buf [4096]byte
	n, err := r.Body.Read(buf[:])
	if err != nil && n == 0 {
		return nil, nil
	}
	return buf[:n], nil
}
