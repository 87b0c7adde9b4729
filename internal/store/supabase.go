package store

import (
	"context"
	"sort"
	"time"

	supabase "github.com/supabase-community/supabase-go"

	"github.com/google/uuid"
	"github.com/saferun/saferun/internal/crypto"
	"github.com/saferun/saferun/internal/saferunerr"
)

// Supabase is the second C2 backend, realizing the spec's "single Store
// interface, dialect-selected at startup" redesign (spec.md §9) against
// PostgREST instead of a direct driver connection. Table shapes mirror
// Postgres's; JSON columns are passed as native maps since the client
// marshals them itself.
type Supabase struct {
	client *supabase.Client
	vault  *crypto.Vault
}

// NewSupabase builds a Supabase-backed Store. Table creation is expected to
// have been done via the project's migration tooling — PostgREST has no
// DDL surface, unlike Postgres's auto-migrated schema.
func NewSupabase(url, key string, vault *crypto.Vault) (*Supabase, error) {
	if url == "" || key == "" {
		return nil, saferunerr.New(saferunerr.Internal, "supabase url and key must be set")
	}
	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, saferunerr.Wrap(saferunerr.Internal, "create supabase client", err)
	}
	return &Supabase{client: client, vault: vault}, nil
}

func (s *Supabase) Close() error { return nil }

type changeRow struct {
	ChangeID          string         `json:"change_id"`
	Provider          string         `json:"provider"`
	TargetID          string         `json:"target_id"`
	Title             string         `json:"title"`
	Status            string         `json:"status"`
	RiskScore         float64        `json:"risk_score"`
	RequiresApproval  bool           `json:"requires_approval"`
	Reasons           []string       `json:"reasons"`
	PolicyJSON        map[string]any `json:"policy_json"`
	SummaryJSON       map[string]any `json:"summary_json"`
	Metadata          map[string]any `json:"metadata"`
	Token             string         `json:"token"`
	RevertToken       string         `json:"revert_token"`
	CreatedAt         time.Time      `json:"created_at"`
	ExpiresAt         time.Time      `json:"expires_at"`
	RevertWindowHours *int           `json:"revert_window_hours"`
	RevertExpiresAt   *time.Time     `json:"revert_expires_at"`
	APIKey            string         `json:"api_key"`
	WebhookURL        string         `json:"webhook_url"`
	HumanPreview      string         `json:"human_preview"`
	Error             string         `json:"error"`
}

func (s *Supabase) toRow(c *Change) (*changeRow, error) {
	token, err := s.vault.Encrypt(c.Token)
	if err != nil {
		return nil, err
	}
	revertToken, err := s.vault.Encrypt(c.RevertToken)
	if err != nil {
		return nil, err
	}
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return &changeRow{
		ChangeID: c.ChangeID, Provider: c.Provider, TargetID: c.TargetID, Title: c.Title,
		Status: string(c.Status), RiskScore: c.RiskScore, RequiresApproval: c.RequiresApproval,
		Reasons: c.Reasons, PolicyJSON: c.PolicyJSON, SummaryJSON: c.SummaryJSON, Metadata: c.Metadata,
		Token: token, RevertToken: revertToken, CreatedAt: createdAt, ExpiresAt: c.ExpiresAt,
		RevertWindowHours: c.RevertWindowHours, RevertExpiresAt: c.RevertExpiresAt, APIKey: c.APIKey,
		WebhookURL: c.WebhookURL, HumanPreview: c.HumanPreview, Error: c.Error,
	}, nil
}

func (s *Supabase) fromRow(r *changeRow) *Change {
	c := &Change{
		ChangeID: r.ChangeID, Provider: r.Provider, TargetID: r.TargetID, Title: r.Title,
		Status: Status(r.Status), RiskScore: r.RiskScore, RequiresApproval: r.RequiresApproval,
		Reasons: r.Reasons, PolicyJSON: r.PolicyJSON, SummaryJSON: r.SummaryJSON, Metadata: r.Metadata,
		CreatedAt: r.CreatedAt, ExpiresAt: r.ExpiresAt, RevertWindowHours: r.RevertWindowHours,
		RevertExpiresAt: r.RevertExpiresAt, APIKey: r.APIKey, WebhookURL: r.WebhookURL,
		HumanPreview: r.HumanPreview, Error: r.Error,
	}
	if r.Token != "" {
		if pt, err := s.vault.Decrypt(r.Token); err == nil {
			c.Token = pt
		}
	}
	if r.RevertToken != "" {
		if pt, err := s.vault.Decrypt(r.RevertToken); err == nil {
			c.RevertToken = pt
		}
	}
	return c
}

func (s *Supabase) UpsertChange(ctx context.Context, c *Change) error {
	row, err := s.toRow(c)
	if err != nil {
		return saferunerr.Wrap(saferunerr.Internal, "encrypt change fields", err)
	}
	var result []changeRow
	_, err = s.client.From("changes").Upsert(row, "change_id", "", "").ExecuteTo(&result)
	if err != nil {
		return saferunerr.Wrap(saferunerr.Internal, "upsert change", err)
	}
	return nil
}

func (s *Supabase) GetChange(ctx context.Context, changeID string) (*Change, error) {
	var rows []changeRow
	_, err := s.client.From("changes").Select("*", "", false).Eq("change_id", changeID).ExecuteTo(&rows)
	if err != nil {
		return nil, saferunerr.Wrap(saferunerr.Internal, "get change", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return s.fromRow(&rows[0]), nil
}

func (s *Supabase) GetChangeByRevertToken(ctx context.Context, plaintext string) (*Change, error) {
	var exact []changeRow
	if _, err := s.client.From("changes").Select("*", "", false).Eq("revert_token", plaintext).ExecuteTo(&exact); err == nil && len(exact) > 0 {
		return s.fromRow(&exact[0]), nil
	}

	var rows []changeRow
	_, err := s.client.From("changes").Select("*", "", false).Not("revert_token", "is", "null").ExecuteTo(&rows)
	if err != nil {
		return nil, saferunerr.Wrap(saferunerr.Internal, "scan revert tokens", err)
	}
	for i := range rows {
		if rows[i].RevertToken == "" {
			continue
		}
		pt, derr := s.vault.Decrypt(rows[i].RevertToken)
		if derr != nil {
			continue
		}
		if constantTimeEqual(pt, plaintext) {
			return s.fromRow(&rows[i]), nil
		}
	}
	return nil, nil
}

func (s *Supabase) SetChangeStatus(ctx context.Context, changeID string, status Status) error {
	var result []changeRow
	_, err := s.client.From("changes").Update(map[string]any{"status": string(status)}, "", "").Eq("change_id", changeID).ExecuteTo(&result)
	if err != nil {
		return saferunerr.Wrap(saferunerr.Internal, "set change status", err)
	}
	return nil
}

func (s *Supabase) SetRevertToken(ctx context.Context, changeID, revertToken string) error {
	ct, err := s.vault.Encrypt(revertToken)
	if err != nil {
		return saferunerr.Wrap(saferunerr.Internal, "encrypt revert token", err)
	}
	var result []changeRow
	_, err = s.client.From("changes").Update(map[string]any{"revert_token": ct}, "", "").Eq("change_id", changeID).ExecuteTo(&result)
	if err != nil {
		return saferunerr.Wrap(saferunerr.Internal, "set revert token", err)
	}
	return nil
}

func (s *Supabase) UpdateSummaryJSON(ctx context.Context, changeID string, summary map[string]any) error {
	var result []changeRow
	_, err := s.client.From("changes").Update(map[string]any{"summary_json": summary}, "", "").Eq("change_id", changeID).ExecuteTo(&result)
	if err != nil {
		return saferunerr.Wrap(saferunerr.Internal, "update summary_json", err)
	}
	return nil
}

func (s *Supabase) SetChangeApproved(ctx context.Context, changeID string, approved bool) error {
	var result []changeRow
	_, err := s.client.From("changes").Update(map[string]any{"requires_approval": !approved}, "", "").Eq("change_id", changeID).ExecuteTo(&result)
	if err != nil {
		return saferunerr.Wrap(saferunerr.Internal, "set change approved", err)
	}
	return nil
}

type approvalTokenRow struct {
	Token     string     `json:"token"`
	ChangeID  string     `json:"change_id"`
	Kind      string     `json:"kind"`
	ExpiresAt time.Time  `json:"expires_at"`
	Used      bool       `json:"used"`
	UsedAt    *time.Time `json:"used_at"`
}

func (s *Supabase) CreateApprovalToken(ctx context.Context, changeID string, kind TokenKind, ttl time.Duration) (string, error) {
	token := "tok_" + uuid.NewString()
	row := approvalTokenRow{Token: token, ChangeID: changeID, Kind: string(kind), ExpiresAt: time.Now().UTC().Add(ttl)}
	var result []approvalTokenRow
	_, err := s.client.From("approval_tokens").Insert(row, false, "", "", "").ExecuteTo(&result)
	if err != nil {
		return "", saferunerr.Wrap(saferunerr.Internal, "create approval token", err)
	}
	return token, nil
}

// VerifyAndConsumeToken has no PostgREST-native atomic conditional update,
// so it's expressed as a guarded read-then-write and relies on the table's
// unique constraint plus a WHERE used=false clause on the update to keep a
// concurrent double-consume from both reporting success.
func (s *Supabase) VerifyAndConsumeToken(ctx context.Context, changeID, token string) (bool, error) {
	var rows []approvalTokenRow
	_, err := s.client.From("approval_tokens").Select("*", "", false).
		Eq("token", token).Eq("change_id", changeID).Eq("used", "false").ExecuteTo(&rows)
	if err != nil {
		return false, saferunerr.Wrap(saferunerr.Internal, "verify_and_consume read", err)
	}
	if len(rows) == 0 {
		return false, nil
	}
	if time.Now().UTC().After(rows[0].ExpiresAt) {
		return false, nil
	}

	var result []approvalTokenRow
	_, err = s.client.From("approval_tokens").
		Update(map[string]any{"used": true, "used_at": time.Now().UTC()}, "", "").
		Eq("token", token).Eq("change_id", changeID).Eq("used", "false").
		ExecuteTo(&result)
	if err != nil {
		return false, saferunerr.Wrap(saferunerr.Internal, "verify_and_consume write", err)
	}
	return len(result) == 1, nil
}

func (s *Supabase) GetApprovalTokenInfo(ctx context.Context, token string) (*ApprovalToken, error) {
	var rows []approvalTokenRow
	_, err := s.client.From("approval_tokens").Select("*", "", false).Eq("token", token).ExecuteTo(&rows)
	if err != nil {
		return nil, saferunerr.Wrap(saferunerr.Internal, "get approval token info", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	r := rows[0]
	return &ApprovalToken{Token: r.Token, ChangeID: r.ChangeID, Kind: TokenKind(r.Kind), ExpiresAt: r.ExpiresAt, Used: r.Used, UsedAt: r.UsedAt}, nil
}

func (s *Supabase) InsertAudit(ctx context.Context, changeID, event string, meta map[string]any) error {
	row := map[string]any{"change_id": changeID, "event": event, "meta_json": meta, "ts": time.Now().UTC()}
	var result []map[string]any
	_, err := s.client.From("audit_log").Insert(row, false, "", "", "").ExecuteTo(&result)
	if err != nil {
		return saferunerr.Wrap(saferunerr.Internal, "insert audit", err)
	}
	return nil
}

type oauthSessionRow struct {
	State           string    `json:"state"`
	APIKey          string    `json:"api_key"`
	ExpiresAt       time.Time `json:"expires_at"`
	Used            bool      `json:"used"`
	SlackCompleted  bool      `json:"slack_completed"`
	GitHubCompleted bool      `json:"github_completed"`
}

func (s *Supabase) CreateOAuthSession(ctx context.Context, apiKey string, ttl time.Duration) (string, error) {
	state := uuid.NewString()
	row := oauthSessionRow{State: state, APIKey: apiKey, ExpiresAt: time.Now().UTC().Add(ttl)}
	var result []oauthSessionRow
	_, err := s.client.From("oauth_sessions").Insert(row, false, "", "", "").ExecuteTo(&result)
	if err != nil {
		return "", saferunerr.Wrap(saferunerr.Internal, "create oauth session", err)
	}
	return state, nil
}

func (s *Supabase) completeOAuth(ctx context.Context, state, completionColumn string, onSuccess func(apiKey string) error) (string, error) {
	var rows []oauthSessionRow
	_, err := s.client.From("oauth_sessions").Select("*", "", false).Eq("state", state).Eq("used", "false").ExecuteTo(&rows)
	if err != nil {
		return "", saferunerr.Wrap(saferunerr.Internal, "load oauth session", err)
	}
	if len(rows) == 0 {
		return "", saferunerr.New(saferunerr.NotFound, "oauth session not found")
	}
	session := rows[0]
	if time.Now().UTC().After(session.ExpiresAt) {
		return "", saferunerr.New(saferunerr.Gone, "oauth session expired")
	}

	// Consume the state first so a racing callback sees used=true and loses;
	// PostgREST has no cross-statement transaction, so ordering is the guard.
	var consumed []oauthSessionRow
	_, err = s.client.From("oauth_sessions").
		Update(map[string]any{"used": true, completionColumn: true}, "", "").
		Eq("state", state).Eq("used", "false").
		ExecuteTo(&consumed)
	if err != nil {
		return "", saferunerr.Wrap(saferunerr.Internal, "consume oauth state", err)
	}
	if len(consumed) != 1 {
		return "", saferunerr.New(saferunerr.Conflict, "oauth session already consumed")
	}

	if err := onSuccess(session.APIKey); err != nil {
		return "", saferunerr.Wrap(saferunerr.Internal, "apply oauth completion", err)
	}
	return session.APIKey, nil
}

func (s *Supabase) CompleteSlackOAuth(ctx context.Context, state, botToken, channel string) (string, error) {
	return s.completeOAuth(ctx, state, "slack_completed", func(apiKey string) error {
		encToken, err := s.vault.Encrypt(botToken)
		if err != nil {
			return err
		}
		row := map[string]any{"tenant_id": apiKey, "slack_bot_token": encToken, "slack_channel": channel, "slack_enabled": true}
		var result []map[string]any
		_, err = s.client.From("tenant_settings").Upsert(row, "tenant_id", "", "").ExecuteTo(&result)
		return err
	})
}

func (s *Supabase) CompleteGitHubInstallation(ctx context.Context, state, installationID string) (string, error) {
	return s.completeOAuth(ctx, state, "github_completed", func(apiKey string) error {
		row := map[string]any{"installation_id": installationID, "api_key": apiKey}
		var result []map[string]any
		_, err := s.client.From("provider_installations").Upsert(row, "installation_id", "", "").ExecuteTo(&result)
		return err
	})
}

type apiKeyRow struct {
	APIKey                 string    `json:"api_key"`
	Email                  string    `json:"email"`
	CreatedAt              time.Time `json:"created_at"`
	UsageCount             int64     `json:"usage_count"`
	IsActive               bool      `json:"is_active"`
	ProviderInstallationID string    `json:"provider_installation_id"`
}

func (s *Supabase) GetAPIKey(ctx context.Context, apiKey string) (*APIKeyRecord, error) {
	var rows []apiKeyRow
	_, err := s.client.From("api_keys").Select("*", "", false).Eq("api_key", apiKey).ExecuteTo(&rows)
	if err != nil {
		return nil, saferunerr.Wrap(saferunerr.Internal, "get api key", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	r := rows[0]
	return &APIKeyRecord{APIKey: r.APIKey, Email: r.Email, CreatedAt: r.CreatedAt, UsageCount: r.UsageCount, IsActive: r.IsActive, ProviderInstallationID: r.ProviderInstallationID}, nil
}

func (s *Supabase) CreateAPIKey(ctx context.Context, email string) (*APIKeyRecord, error) {
	rec := &APIKeyRecord{APIKey: "sr_" + uuid.NewString(), Email: email, CreatedAt: time.Now().UTC(), IsActive: true}
	row := apiKeyRow{APIKey: rec.APIKey, Email: rec.Email, CreatedAt: rec.CreatedAt, IsActive: true}
	var result []apiKeyRow
	_, err := s.client.From("api_keys").Insert(row, false, "", "", "").ExecuteTo(&result)
	if err != nil {
		return nil, saferunerr.Wrap(saferunerr.Internal, "create api key", err)
	}
	return rec, nil
}

func (s *Supabase) IncrementAPIKeyUsage(ctx context.Context, apiKey string) error {
	rec, err := s.GetAPIKey(ctx, apiKey)
	if err != nil {
		return err
	}
	if rec == nil {
		return saferunerr.New(saferunerr.NotFound, "api key not found")
	}
	var result []apiKeyRow
	_, err = s.client.From("api_keys").Update(map[string]any{"usage_count": rec.UsageCount + 1}, "", "").Eq("api_key", apiKey).ExecuteTo(&result)
	if err != nil {
		return saferunerr.Wrap(saferunerr.Internal, "increment api key usage", err)
	}
	return nil
}

type installationRow struct {
	InstallationID string   `json:"installation_id"`
	AccountLogin   string   `json:"account_login"`
	Repositories   []string `json:"repositories"`
	APIKey         string   `json:"api_key"`
}

func (s *Supabase) GetProviderInstallation(ctx context.Context, installationID string) (*ProviderInstallation, error) {
	var rows []installationRow
	_, err := s.client.From("provider_installations").Select("*", "", false).Eq("installation_id", installationID).ExecuteTo(&rows)
	if err != nil {
		return nil, saferunerr.Wrap(saferunerr.Internal, "get provider installation", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	r := rows[0]
	return &ProviderInstallation{InstallationID: r.InstallationID, AccountLogin: r.AccountLogin, Repositories: r.Repositories, APIKey: r.APIKey}, nil
}

func (s *Supabase) UpsertProviderInstallation(ctx context.Context, inst *ProviderInstallation) error {
	row := installationRow{InstallationID: inst.InstallationID, AccountLogin: inst.AccountLogin, Repositories: inst.Repositories, APIKey: inst.APIKey}
	var result []installationRow
	_, err := s.client.From("provider_installations").Upsert(row, "installation_id", "", "").ExecuteTo(&result)
	if err != nil {
		return saferunerr.Wrap(saferunerr.Internal, "upsert provider installation", err)
	}
	return nil
}

func (s *Supabase) DeleteProviderInstallation(ctx context.Context, installationID string) error {
	var result []installationRow
	_, err := s.client.From("provider_installations").Delete("", "").Eq("installation_id", installationID).ExecuteTo(&result)
	if err != nil {
		return saferunerr.Wrap(saferunerr.Internal, "delete provider installation", err)
	}
	return nil
}

// RecentChanges fetches candidates by target substring, recency and, when
// statuses is non-empty, status via PostgREST, leaving summary_json
// refinement to the caller — the same split Postgres's implementation uses.
func (s *Supabase) RecentChanges(ctx context.Context, targetSubstr string, statuses []Status, since time.Time, limit int) ([]*Change, error) {
	var rows []changeRow
	q := s.client.From("changes").Select("*", "", false).
		Like("target_id", "%"+targetSubstr+"%").
		Gte("created_at", since.Format(time.RFC3339))
	q = q.Limit(limit*4, "") // over-fetch: status/recency refinement happens client-side below
	_, err := q.ExecuteTo(&rows)
	if err != nil {
		return nil, saferunerr.Wrap(saferunerr.Internal, "query recent changes", err)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt.After(rows[j].CreatedAt) })

	statusSet := make(map[Status]bool, len(statuses))
	for _, st := range statuses {
		statusSet[st] = true
	}
	out := make([]*Change, 0, limit)
	for i := range rows {
		if len(statusSet) > 0 && !statusSet[Status(rows[i].Status)] {
			continue
		}
		out = append(out, s.fromRow(&rows[i]))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type settingsRow struct {
	TenantID             string   `json:"tenant_id"`
	SlackBotToken        string   `json:"slack_bot_token"`
	SlackChannel         string   `json:"slack_channel"`
	SlackEnabled         bool     `json:"slack_enabled"`
	GenericWebhookURL    string   `json:"generic_webhook_url"`
	GenericWebhookSecret string   `json:"generic_webhook_secret"`
	NotifyChannels       []string `json:"notify_channels"`
	ProtectedBranches    string   `json:"protected_branches"`
}

func (s *Supabase) GetSettings(ctx context.Context, tenantID string) (*Settings, error) {
	var rows []settingsRow
	_, err := s.client.From("tenant_settings").Select("*", "", false).Eq("tenant_id", tenantID).ExecuteTo(&rows)
	if err != nil {
		return nil, saferunerr.Wrap(saferunerr.Internal, "get settings", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	r := rows[0]
	out := &Settings{TenantID: r.TenantID, SlackChannel: r.SlackChannel, SlackEnabled: r.SlackEnabled,
		GenericWebhookURL: r.GenericWebhookURL, NotifyChannels: r.NotifyChannels, ProtectedBranches: r.ProtectedBranches}
	if r.SlackBotToken != "" {
		if pt, derr := s.vault.Decrypt(r.SlackBotToken); derr == nil {
			out.SlackBotToken = pt
		}
	}
	if r.GenericWebhookSecret != "" {
		if pt, derr := s.vault.Decrypt(r.GenericWebhookSecret); derr == nil {
			out.GenericWebhookSecret = pt
		}
	}
	return out, nil
}

func (s *Supabase) UpsertSettings(ctx context.Context, set *Settings) error {
	encBotToken, err := s.vault.Encrypt(set.SlackBotToken)
	if err != nil {
		return saferunerr.Wrap(saferunerr.Internal, "encrypt slack bot token", err)
	}
	encWebhookSecret, err := s.vault.Encrypt(set.GenericWebhookSecret)
	if err != nil {
		return saferunerr.Wrap(saferunerr.Internal, "encrypt webhook secret", err)
	}
	row := settingsRow{TenantID: set.TenantID, SlackBotToken: encBotToken, SlackChannel: set.SlackChannel,
		SlackEnabled: set.SlackEnabled, GenericWebhookURL: set.GenericWebhookURL, GenericWebhookSecret: encWebhookSecret,
		NotifyChannels: set.NotifyChannels, ProtectedBranches: set.ProtectedBranches}
	var result []settingsRow
	_, err = s.client.From("tenant_settings").Upsert(row, "tenant_id", "", "").ExecuteTo(&result)
	if err != nil {
		return saferunerr.Wrap(saferunerr.Internal, "upsert settings", err)
	}
	return nil
}

func (s *Supabase) MigrateTokensToEncrypted(ctx context.Context) (int, error) {
	var rows []changeRow
	_, err := s.client.From("changes").Select("change_id,token,revert_token", "", false).ExecuteTo(&rows)
	if err != nil {
		return 0, saferunerr.Wrap(saferunerr.Internal, "scan for migration", err)
	}
	count := 0
	for _, r := range rows {
		updates := map[string]any{}
		if r.Token != "" && !crypto.LooksEncrypted(r.Token) {
			if ct, err := s.vault.Encrypt(r.Token); err == nil {
				updates["token"] = ct
			}
		}
		if r.RevertToken != "" && !crypto.LooksEncrypted(r.RevertToken) {
			if ct, err := s.vault.Encrypt(r.RevertToken); err == nil {
				updates["revert_token"] = ct
			}
		}
		if len(updates) == 0 {
			continue
		}
		var result []changeRow
		if _, err := s.client.From("changes").Update(updates, "", "").Eq("change_id", r.ChangeID).ExecuteTo(&result); err != nil {
			continue
		}
		count++
	}
	return count, nil
}

func (s *Supabase) GCExpired(ctx context.Context) ([]string, error) {
	var rows []changeRow
	_, err := s.client.From("changes").Select("change_id", "", false).
		Eq("status", "pending").Lt("revert_expires_at", time.Now().UTC().Format(time.RFC3339)).ExecuteTo(&rows)
	if err != nil {
		return nil, saferunerr.Wrap(saferunerr.Internal, "scan expired changes", err)
	}
	var ids []string
	for _, r := range rows {
		var result []changeRow
		if _, err := s.client.From("changes").Update(map[string]any{"status": "expired"}, "", "").Eq("change_id", r.ChangeID).Eq("status", "pending").ExecuteTo(&result); err != nil {
			continue
		}
		ids = append(ids, r.ChangeID)
	}

	_, _, _ = s.client.From("approval_tokens").Delete("", "").Eq("used", "true").Execute()
	_, _, _ = s.client.From("approval_tokens").Delete("", "").Lt("expires_at", time.Now().UTC().Format(time.RFC3339)).Execute()

	return ids, nil
}
