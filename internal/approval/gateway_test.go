package approval

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saferun/saferun/internal/change"
	"github.com/saferun/saferun/internal/provider"
	"github.com/saferun/saferun/internal/saferunerr"
	"github.com/saferun/saferun/internal/store"
)

// gwMemStore is a tiny in-memory store.Store, duplicated here (rather than
// exported from internal/change) since test helpers don't cross package
// boundaries and this gateway's tests only need the happy path.
type gwMemStore struct {
	mu      sync.Mutex
	changes map[string]*store.Change
	tokens  map[string]*store.ApprovalToken
}

func newGwMemStore() *gwMemStore {
	return &gwMemStore{changes: map[string]*store.Change{}, tokens: map[string]*store.ApprovalToken{}}
}

func (m *gwMemStore) UpsertChange(ctx context.Context, c *store.Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.changes[c.ChangeID] = &cp
	return nil
}
func (m *gwMemStore) GetChange(ctx context.Context, changeID string) (*store.Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.changes[changeID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}
func (m *gwMemStore) GetChangeByRevertToken(ctx context.Context, plaintext string) (*store.Change, error) {
	return nil, nil
}
func (m *gwMemStore) SetChangeStatus(ctx context.Context, changeID string, status store.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.changes[changeID]
	if !ok {
		return saferunerr.New(saferunerr.NotFound, "not found")
	}
	c.Status = status
	return nil
}
func (m *gwMemStore) SetRevertToken(ctx context.Context, changeID, revertToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes[changeID].RevertToken = revertToken
	return nil
}
func (m *gwMemStore) UpdateSummaryJSON(ctx context.Context, changeID string, summary map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes[changeID].SummaryJSON = summary
	return nil
}
func (m *gwMemStore) SetChangeApproved(ctx context.Context, changeID string, approved bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes[changeID].RequiresApproval = !approved
	return nil
}
func (m *gwMemStore) CreateApprovalToken(ctx context.Context, changeID string, kind store.TokenKind, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token := "tok_" + uuid.NewString()
	m.tokens[token] = &store.ApprovalToken{Token: token, ChangeID: changeID, Kind: kind, ExpiresAt: time.Now().UTC().Add(ttl)}
	return token, nil
}
func (m *gwMemStore) VerifyAndConsumeToken(ctx context.Context, changeID, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[token]
	if !ok || t.ChangeID != changeID || t.Used {
		return false, nil
	}
	t.Used = true
	return true, nil
}
func (m *gwMemStore) GetApprovalTokenInfo(ctx context.Context, token string) (*store.ApprovalToken, error) {
	return m.tokens[token], nil
}
func (m *gwMemStore) InsertAudit(ctx context.Context, changeID, event string, meta map[string]any) error {
	return nil
}
func (m *gwMemStore) CompleteSlackOAuth(ctx context.Context, state, botToken, channel string) (string, error) {
	return "", nil
}
func (m *gwMemStore) CompleteGitHubInstallation(ctx context.Context, state, installationID string) (string, error) {
	return "", nil
}
func (m *gwMemStore) CreateOAuthSession(ctx context.Context, apiKey string, ttl time.Duration) (string, error) {
	return "", nil
}
func (m *gwMemStore) GetAPIKey(ctx context.Context, apiKey string) (*store.APIKeyRecord, error) {
	return nil, nil
}
func (m *gwMemStore) CreateAPIKey(ctx context.Context, email string) (*store.APIKeyRecord, error) {
	return nil, nil
}
func (m *gwMemStore) IncrementAPIKeyUsage(ctx context.Context, apiKey string) error { return nil }
func (m *gwMemStore) GetProviderInstallation(ctx context.Context, installationID string) (*store.ProviderInstallation, error) {
	return nil, nil
}
func (m *gwMemStore) UpsertProviderInstallation(ctx context.Context, inst *store.ProviderInstallation) error {
	return nil
}
func (m *gwMemStore) DeleteProviderInstallation(ctx context.Context, installationID string) error {
	return nil
}
func (m *gwMemStore) RecentChanges(ctx context.Context, targetSubstr string, statuses []store.Status, since time.Time, limit int) ([]*store.Change, error) {
	return nil, nil
}
func (m *gwMemStore) GetSettings(ctx context.Context, tenantID string) (*store.Settings, error) {
	return nil, nil
}
func (m *gwMemStore) UpsertSettings(ctx context.Context, s *store.Settings) error { return nil }
func (m *gwMemStore) MigrateTokensToEncrypted(ctx context.Context) (int, error)   { return 0, nil }
func (m *gwMemStore) GCExpired(ctx context.Context) ([]string, error)            { return nil, nil }
func (m *gwMemStore) Close() error                                               { return nil }

type gwFakeProvider struct{ meta provider.Metadata }

func (f *gwFakeProvider) Name() string { return "github" }
func (f *gwFakeProvider) GetMetadata(ctx context.Context, target provider.Target, credential string) (provider.Metadata, error) {
	return f.meta, nil
}
func (f *gwFakeProvider) Archive(ctx context.Context, target provider.Target, credential string) error {
	return nil
}
func (f *gwFakeProvider) Unarchive(ctx context.Context, target provider.Target, credential string) error {
	return nil
}
func (f *gwFakeProvider) DeleteRepository(ctx context.Context, target provider.Target, credential string) error {
	return nil
}
func (f *gwFakeProvider) DeleteBranch(ctx context.Context, target provider.Target, credential string) (string, error) {
	return "sha1", nil
}
func (f *gwFakeProvider) RestoreBranch(ctx context.Context, target provider.Target, credential, sha string) error {
	return nil
}
func (f *gwFakeProvider) BulkClosePRs(ctx context.Context, target provider.Target, credential string, prNumbers []int) ([]int, error) {
	return nil, nil
}
func (f *gwFakeProvider) BulkReopenPRs(ctx context.Context, target provider.Target, credential string, prNumbers []int) error {
	return nil
}
func (f *gwFakeProvider) ListOpenPRs(ctx context.Context, target provider.Target, credential string) ([]int, error) {
	return nil, nil
}
func (f *gwFakeProvider) ForcePush(ctx context.Context, target provider.Target, credential, newSHA string) (string, error) {
	return "", nil
}
func (f *gwFakeProvider) Merge(ctx context.Context, target provider.Target, credential, commitMessage string) (string, error) {
	return "", nil
}
func (f *gwFakeProvider) RevertMergeCommit(ctx context.Context, target provider.Target, credential, mergeCommitSHA string) (string, error) {
	return "", nil
}
func (f *gwFakeProvider) DeleteSecret(ctx context.Context, target provider.Target, credential, secretName string) error {
	return nil
}
func (f *gwFakeProvider) GetWorkflowFile(ctx context.Context, target provider.Target, credential, path string) (string, string, error) {
	return "", "", nil
}
func (f *gwFakeProvider) UpdateWorkflowFile(ctx context.Context, target provider.Target, credential, path, content, sha, message string) error {
	return nil
}
func (f *gwFakeProvider) UpdateBranchProtection(ctx context.Context, target provider.Target, credential string, settings map[string]any) error {
	return nil
}
func (f *gwFakeProvider) SetVisibility(ctx context.Context, target provider.Target, credential string, private bool) error {
	return nil
}

func newGateway() (*Gateway, *change.Engine) {
	eng := &change.Engine{
		Store:      newGwMemStore(),
		Providers:  map[string]provider.Provider{"github": &gwFakeProvider{meta: provider.Metadata{Object: "repository", DefaultBranch: "main"}}},
		BaseURL:    "https://app.saferun.dev",
		APIBaseURL: "https://api.saferun.dev",
	}
	return &Gateway{Engine: eng}, eng
}

func TestGateway_ApproveThenRevert(t *testing.T) {
	gw, eng := newGateway()
	ctx := context.Background()

	res, err := eng.DryRun(ctx, change.DryRunRequest{Provider: "github", TargetID: "acme/svc", Credential: "t"})
	require.NoError(t, err)

	u, err := url.Parse(res.ApproveURL)
	require.NoError(t, err)
	token := u.Query().Get("token")

	approveRes, err := gw.Approve(ctx, res.Change.ChangeID, token)
	require.NoError(t, err)
	assert.Equal(t, store.StatusExecuted, approveRes.Status)
	assert.NotEmpty(t, approveRes.RevertURL)

	revertURL, err := url.Parse(approveRes.RevertURL)
	require.NoError(t, err)
	revertToken := revertURL.Query().Get("token")

	revertRes, err := gw.Revert(ctx, res.Change.ChangeID, revertToken, "")
	require.NoError(t, err)
	assert.Equal(t, store.StatusReverted, revertRes.Status)
	assert.Equal(t, "repository_unarchive", revertRes.RevertType)
}

func TestGateway_ApproveRequiresToken(t *testing.T) {
	gw, _ := newGateway()
	_, err := gw.Approve(context.Background(), "some-id", "")
	require.Error(t, err)
}
