package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saferun/saferun/internal/saferunerr"
	"github.com/saferun/saferun/internal/store"
)

type whMemStore struct {
	mu      sync.Mutex
	changes map[string]*store.Change
	insts   map[string]*store.ProviderInstallation
	audit   []store.AuditRecord
}

func newWhMemStore() *whMemStore {
	return &whMemStore{changes: map[string]*store.Change{}, insts: map[string]*store.ProviderInstallation{}}
}

func (m *whMemStore) UpsertChange(ctx context.Context, c *store.Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.changes[c.ChangeID] = &cp
	return nil
}
func (m *whMemStore) GetChange(ctx context.Context, changeID string) (*store.Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.changes[changeID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}
func (m *whMemStore) GetChangeByRevertToken(ctx context.Context, plaintext string) (*store.Change, error) {
	return nil, nil
}
func (m *whMemStore) SetChangeStatus(ctx context.Context, changeID string, status store.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes[changeID].Status = status
	return nil
}
func (m *whMemStore) SetRevertToken(ctx context.Context, changeID, revertToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes[changeID].RevertToken = revertToken
	return nil
}
func (m *whMemStore) UpdateSummaryJSON(ctx context.Context, changeID string, summary map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes[changeID].SummaryJSON = summary
	return nil
}
func (m *whMemStore) SetChangeApproved(ctx context.Context, changeID string, approved bool) error {
	return nil
}
func (m *whMemStore) CreateApprovalToken(ctx context.Context, changeID string, kind store.TokenKind, ttl time.Duration) (string, error) {
	return "tok_" + uuid.NewString(), nil
}
func (m *whMemStore) VerifyAndConsumeToken(ctx context.Context, changeID, token string) (bool, error) {
	return true, nil
}
func (m *whMemStore) GetApprovalTokenInfo(ctx context.Context, token string) (*store.ApprovalToken, error) {
	return nil, nil
}
func (m *whMemStore) InsertAudit(ctx context.Context, changeID, event string, meta map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, store.AuditRecord{ChangeID: changeID, Event: event, MetaJSON: meta})
	return nil
}
func (m *whMemStore) CompleteSlackOAuth(ctx context.Context, state, botToken, channel string) (string, error) {
	return "", saferunerr.New(saferunerr.Internal, "not implemented")
}
func (m *whMemStore) CompleteGitHubInstallation(ctx context.Context, state, installationID string) (string, error) {
	return "", saferunerr.New(saferunerr.Internal, "not implemented")
}
func (m *whMemStore) CreateOAuthSession(ctx context.Context, apiKey string, ttl time.Duration) (string, error) {
	return "", saferunerr.New(saferunerr.Internal, "not implemented")
}
func (m *whMemStore) GetAPIKey(ctx context.Context, apiKey string) (*store.APIKeyRecord, error) {
	return nil, nil
}
func (m *whMemStore) CreateAPIKey(ctx context.Context, email string) (*store.APIKeyRecord, error) {
	return nil, nil
}
func (m *whMemStore) IncrementAPIKeyUsage(ctx context.Context, apiKey string) error { return nil }
func (m *whMemStore) GetProviderInstallation(ctx context.Context, installationID string) (*store.ProviderInstallation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insts[installationID], nil
}
func (m *whMemStore) UpsertProviderInstallation(ctx context.Context, inst *store.ProviderInstallation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *inst
	m.insts[inst.InstallationID] = &cp
	return nil
}
func (m *whMemStore) DeleteProviderInstallation(ctx context.Context, installationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.insts, installationID)
	return nil
}
func (m *whMemStore) RecentChanges(ctx context.Context, targetSubstr string, statuses []store.Status, since time.Time, limit int) ([]*store.Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	statusSet := make(map[store.Status]bool, len(statuses))
	for _, st := range statuses {
		statusSet[st] = true
	}
	var out []*store.Change
	for _, c := range m.changes {
		if !contains(c.TargetID, targetSubstr) || c.CreatedAt.Before(since) {
			continue
		}
		if len(statusSet) > 0 && !statusSet[c.Status] {
			continue
		}
		cp := *c
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}
func contains(s, substr string) bool {
	return len(substr) == 0 || (len(s) >= len(substr) && indexOf(s, substr) >= 0)
}
func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
func (m *whMemStore) GetSettings(ctx context.Context, tenantID string) (*store.Settings, error) {
	return nil, nil
}
func (m *whMemStore) UpsertSettings(ctx context.Context, s *store.Settings) error { return nil }
func (m *whMemStore) MigrateTokensToEncrypted(ctx context.Context) (int, error)   { return 0, nil }
func (m *whMemStore) GCExpired(ctx context.Context) ([]string, error)            { return nil, nil }
func (m *whMemStore) Close() error                                               { return nil }

type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *fakeNotifier) Publish(ctx context.Context, event string, c *store.Change, extras map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func newIngress() (*Ingress, *whMemStore, *fakeNotifier) {
	s := newWhMemStore()
	n := &fakeNotifier{}
	return &Ingress{Store: s, Notifier: n, Config: Config{Secret: "test-secret"}, APIBaseURL: "https://api.saferun.dev"}, s, n
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	in, _, _ := newIngress()
	body := []byte(`{"a":1}`)
	assert.True(t, in.VerifySignature(body, sign("test-secret", body)))
	assert.False(t, in.VerifySignature(body, sign("wrong-secret", body)))
	assert.False(t, in.VerifySignature(body, ""))
}

func TestHandleEvent_IgnoresBotSender(t *testing.T) {
	in, _, _ := newIngress()
	payload := map[string]any{
		"repository": map[string]any{"full_name": "acme/svc"},
		"sender":     map[string]any{"login": "saferun-ai[bot]"},
	}
	res, err := in.HandleEvent(context.Background(), "push", payload)
	require.NoError(t, err)
	assert.Equal(t, "ignored", res.Status)
	assert.Equal(t, "saferun_bot_operation", res.Reason)
}

func TestHandleEvent_IgnoresBranchDeleteArtifactPush(t *testing.T) {
	in, _, _ := newIngress()
	payload := map[string]any{
		"repository": map[string]any{"full_name": "acme/svc"},
		"sender":     map[string]any{"login": "dev"},
		"commits":    []any{},
		"deleted":    true,
	}
	res, err := in.HandleEvent(context.Background(), "push", payload)
	require.NoError(t, err)
	assert.Equal(t, "ignored", res.Status)
	assert.Equal(t, "empty_push_event", res.Reason)
}

func TestHandleEvent_CapturesBranchCreationSHA(t *testing.T) {
	in, s, _ := newIngress()
	payload := map[string]any{
		"repository": map[string]any{"full_name": "acme/svc"},
		"sender":     map[string]any{"login": "dev"},
		"commits":    []any{},
		"ref":        "refs/heads/feature-x",
		"after":      "abc123",
	}
	res, err := in.HandleEvent(context.Background(), "push", payload)
	require.NoError(t, err)
	assert.Equal(t, "branch_creation_event", res.Reason)

	stored, err := s.GetChange(context.Background(), res.ChangeID)
	require.NoError(t, err)
	assert.Equal(t, "abc123", stored.SummaryJSON["branch_head_sha"])
}

func TestHandleEvent_ForcePushRecordsRevertAction(t *testing.T) {
	in, s, n := newIngress()
	installationID := "12345"
	require.NoError(t, s.UpsertProviderInstallation(context.Background(), &store.ProviderInstallation{InstallationID: installationID, APIKey: "sr_tenant"}))

	payload := map[string]any{
		"repository":   map[string]any{"full_name": "acme/svc", "owner": map[string]any{"login": "acme"}, "name": "svc"},
		"sender":       map[string]any{"login": "dev"},
		"forced":       true,
		"ref":          "refs/heads/main",
		"before":       "sha-before",
		"after":        "sha-after",
		"installation": map[string]any{"id": float64(12345)},
	}
	res, err := in.HandleEvent(context.Background(), "push", payload)
	require.NoError(t, err)
	assert.Equal(t, "event_received", res.Status)

	stored, err := s.GetChange(context.Background(), res.ChangeID)
	require.NoError(t, err)
	assert.Equal(t, "github_force_push", stored.SummaryJSON["operation_type"])
	assert.NotEmpty(t, stored.RevertToken)
	ra := stored.SummaryJSON["revert_action"].(map[string]any)
	assert.Equal(t, "force_push_revert", ra["type"])
	assert.Equal(t, "sha-before", ra["before_sha"])

	n.mu.Lock()
	defer n.mu.Unlock()
	assert.Contains(t, n.events, "executed_high_risk")
}

func TestHandleEvent_SkipsWhenPendingCLIOperationExists(t *testing.T) {
	in, s, _ := newIngress()
	pending := &store.Change{
		ChangeID:    uuid.NewString(),
		TargetID:    "acme/svc",
		Status:      store.StatusPending,
		CreatedAt:   time.Now().UTC(),
		SummaryJSON: map[string]any{"operation_type": "force_push"},
	}
	require.NoError(t, s.UpsertChange(context.Background(), pending))

	payload := map[string]any{
		"repository": map[string]any{"full_name": "acme/svc", "owner": map[string]any{"login": "acme"}, "name": "svc"},
		"sender":     map[string]any{"login": "dev"},
		"forced":     true,
		"ref":        "refs/heads/main",
	}
	res, err := in.HandleEvent(context.Background(), "push", payload)
	require.NoError(t, err)
	assert.Equal(t, "skipped", res.Status)
	assert.Equal(t, pending.ChangeID, res.ChangeID)
}

func TestHandleEvent_MergeCorrelatesWithExecutedChangeAndPersistsRevertAction(t *testing.T) {
	in, s, n := newIngress()
	existing := &store.Change{
		ChangeID:    uuid.NewString(),
		TargetID:    "acme/svc",
		Status:      store.StatusExecuted,
		CreatedAt:   time.Now().UTC(),
		APIKey:      "sr_tenant",
		SummaryJSON: map[string]any{"operation_type": "merge"},
	}
	require.NoError(t, s.UpsertChange(context.Background(), existing))

	payload := map[string]any{
		"action":     "closed",
		"repository": map[string]any{"full_name": "acme/svc", "owner": map[string]any{"login": "acme"}, "name": "svc"},
		"sender":     map[string]any{"login": "dev"},
		"before":     "sha-before",
		"after":      "sha-after",
		"pull_request": map[string]any{
			"merged":       true,
			"base":         map[string]any{"ref": "main"},
			"merge_commit_sha": "sha-after",
		},
		"installation": map[string]any{"id": float64(777)},
	}
	res, err := in.HandleEvent(context.Background(), "pull_request", payload)
	require.NoError(t, err)
	assert.Equal(t, "completion_notification_sent", res.Status)
	assert.Equal(t, existing.ChangeID, res.ChangeID)

	stored, err := s.GetChange(context.Background(), existing.ChangeID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusExecuted, stored.Status)
	ra, ok := stored.SummaryJSON["revert_action"].(map[string]any)
	require.True(t, ok, "revert_action must be persisted onto the matched change")
	assert.NotEmpty(t, ra["type"])
	payloadSummary, ok := stored.SummaryJSON["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "sha-before", payloadSummary["before"])
	assert.Equal(t, "sha-after", payloadSummary["after"])
	assert.Equal(t, "777", stored.SummaryJSON["installation_id"])

	n.mu.Lock()
	defer n.mu.Unlock()
	assert.Contains(t, n.events, "executed_with_revert")
}

func TestHandleInstallation_CreatedThenDeleted(t *testing.T) {
	in, s, _ := newIngress()
	created := map[string]any{
		"action": "created",
		"installation": map[string]any{
			"id":      float64(999),
			"account": map[string]any{"login": "acme"},
		},
		"repositories": []any{map[string]any{"full_name": "acme/svc"}},
	}
	res, err := in.HandleInstallation(context.Background(), created)
	require.NoError(t, err)
	assert.Equal(t, "installation_created", res.Status)

	inst, err := s.GetProviderInstallation(context.Background(), "999")
	require.NoError(t, err)
	require.NotNil(t, inst)
	assert.Equal(t, []string{"acme/svc"}, inst.Repositories)

	deleted := map[string]any{"action": "deleted", "installation": map[string]any{"id": float64(999)}}
	res, err = in.HandleInstallation(context.Background(), deleted)
	require.NoError(t, err)
	assert.Equal(t, "installation_deleted", res.Status)

	inst, err = s.GetProviderInstallation(context.Background(), "999")
	require.NoError(t, err)
	assert.Nil(t, inst)
}

func TestCreateRevertAction_RepositoryDeleteIsIrreversible(t *testing.T) {
	payload := map[string]any{
		"action":     "deleted",
		"repository": map[string]any{"owner": map[string]any{"login": "acme"}, "name": "svc"},
	}
	assert.Nil(t, createRevertAction("repository", payload))
}

func TestCalculateRiskScore_ForcePushToMainAccumulatesReasons(t *testing.T) {
	payload := map[string]any{"forced": true, "ref": "refs/heads/main", "commits": make([]any, 15)}
	score, reasons := calculateRiskScore("push", payload)
	assert.InDelta(t, 9.5, score, 0.001)
	assert.Contains(t, reasons, "github_force_push_to_main")
}
