package change

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/saferun/saferun/internal/saferunerr"
	"github.com/saferun/saferun/internal/store"
)

// memStore is a minimal in-memory store.Store used only to exercise the
// engine's state machine without a real database.
type memStore struct {
	mu      sync.Mutex
	changes map[string]*store.Change
	tokens  map[string]*store.ApprovalToken
	audit   []store.AuditRecord
}

func newMemStore() *memStore {
	return &memStore{changes: map[string]*store.Change{}, tokens: map[string]*store.ApprovalToken{}}
}

func (m *memStore) UpsertChange(ctx context.Context, c *store.Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.changes[c.ChangeID] = &cp
	return nil
}

func (m *memStore) GetChange(ctx context.Context, changeID string) (*store.Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.changes[changeID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) GetChangeByRevertToken(ctx context.Context, plaintext string) (*store.Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.changes {
		if c.RevertToken == plaintext {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) SetChangeStatus(ctx context.Context, changeID string, status store.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.changes[changeID]
	if !ok {
		return saferunerr.New(saferunerr.NotFound, "change not found")
	}
	c.Status = status
	return nil
}

func (m *memStore) SetRevertToken(ctx context.Context, changeID, revertToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.changes[changeID]
	if !ok {
		return saferunerr.New(saferunerr.NotFound, "change not found")
	}
	c.RevertToken = revertToken
	return nil
}

func (m *memStore) UpdateSummaryJSON(ctx context.Context, changeID string, summary map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.changes[changeID]
	if !ok {
		return saferunerr.New(saferunerr.NotFound, "change not found")
	}
	c.SummaryJSON = summary
	return nil
}

func (m *memStore) SetChangeApproved(ctx context.Context, changeID string, approved bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.changes[changeID]
	if !ok {
		return saferunerr.New(saferunerr.NotFound, "change not found")
	}
	c.RequiresApproval = !approved
	return nil
}

func (m *memStore) CreateApprovalToken(ctx context.Context, changeID string, kind store.TokenKind, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token := "tok_" + uuid.NewString()
	m.tokens[token] = &store.ApprovalToken{Token: token, ChangeID: changeID, Kind: kind, ExpiresAt: time.Now().UTC().Add(ttl)}
	return token, nil
}

func (m *memStore) VerifyAndConsumeToken(ctx context.Context, changeID, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[token]
	if !ok || t.ChangeID != changeID || t.Used || time.Now().UTC().After(t.ExpiresAt) {
		return false, nil
	}
	t.Used = true
	return true, nil
}

func (m *memStore) GetApprovalTokenInfo(ctx context.Context, token string) (*store.ApprovalToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[token]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) InsertAudit(ctx context.Context, changeID, event string, meta map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, store.AuditRecord{ChangeID: changeID, Event: event, MetaJSON: meta, Ts: time.Now().UTC()})
	return nil
}

func (m *memStore) CompleteSlackOAuth(ctx context.Context, state, botToken, channel string) (string, error) {
	return "", saferunerr.New(saferunerr.Internal, "not implemented in fake store")
}
func (m *memStore) CompleteGitHubInstallation(ctx context.Context, state, installationID string) (string, error) {
	return "", saferunerr.New(saferunerr.Internal, "not implemented in fake store")
}
func (m *memStore) CreateOAuthSession(ctx context.Context, apiKey string, ttl time.Duration) (string, error) {
	return "", saferunerr.New(saferunerr.Internal, "not implemented in fake store")
}
func (m *memStore) GetAPIKey(ctx context.Context, apiKey string) (*store.APIKeyRecord, error) {
	return nil, nil
}
func (m *memStore) CreateAPIKey(ctx context.Context, email string) (*store.APIKeyRecord, error) {
	return &store.APIKeyRecord{APIKey: "sr_" + uuid.NewString(), Email: email}, nil
}
func (m *memStore) IncrementAPIKeyUsage(ctx context.Context, apiKey string) error { return nil }
func (m *memStore) GetProviderInstallation(ctx context.Context, installationID string) (*store.ProviderInstallation, error) {
	return nil, nil
}
func (m *memStore) UpsertProviderInstallation(ctx context.Context, inst *store.ProviderInstallation) error {
	return nil
}
func (m *memStore) DeleteProviderInstallation(ctx context.Context, installationID string) error {
	return nil
}

func (m *memStore) RecentChanges(ctx context.Context, targetSubstr string, statuses []store.Status, since time.Time, limit int) ([]*store.Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	statusSet := make(map[store.Status]bool, len(statuses))
	for _, st := range statuses {
		statusSet[st] = true
	}
	var out []*store.Change
	for _, c := range m.changes {
		if !strings.Contains(c.TargetID, targetSubstr) || c.CreatedAt.Before(since) {
			continue
		}
		if len(statusSet) > 0 && !statusSet[c.Status] {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
func (m *memStore) GetSettings(ctx context.Context, tenantID string) (*store.Settings, error) {
	return nil, nil
}
func (m *memStore) UpsertSettings(ctx context.Context, s *store.Settings) error { return nil }
func (m *memStore) MigrateTokensToEncrypted(ctx context.Context) (int, error)   { return 0, nil }
func (m *memStore) GCExpired(ctx context.Context) ([]string, error)            { return nil, nil }
func (m *memStore) Close() error                                               { return nil }
