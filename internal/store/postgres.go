package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/google/uuid"
	"github.com/saferun/saferun/internal/crypto"
	"github.com/saferun/saferun/internal/saferunerr"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS changes (
	change_id TEXT PRIMARY KEY,
	provider TEXT NOT NULL,
	target_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	risk_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	requires_approval BOOLEAN NOT NULL DEFAULT true,
	reasons_json TEXT NOT NULL DEFAULT '[]',
	policy_json TEXT NOT NULL DEFAULT '{}',
	summary_json TEXT NOT NULL DEFAULT '{}',
	metadata_json TEXT NOT NULL DEFAULT '{}',
	token TEXT,
	revert_token TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at TIMESTAMPTZ NOT NULL,
	revert_window_hours INTEGER,
	revert_expires_at TIMESTAMPTZ,
	api_key TEXT NOT NULL,
	webhook_url TEXT NOT NULL DEFAULT '',
	human_preview TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS approval_tokens (
	token TEXT PRIMARY KEY,
	change_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	used BOOLEAN NOT NULL DEFAULT false,
	used_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS audit_log (
	id BIGSERIAL PRIMARY KEY,
	change_id TEXT NOT NULL,
	event TEXT NOT NULL,
	meta_json TEXT NOT NULL DEFAULT '{}',
	ts TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS api_keys (
	api_key TEXT PRIMARY KEY,
	email TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	usage_count BIGINT NOT NULL DEFAULT 0,
	is_active BOOLEAN NOT NULL DEFAULT true,
	provider_installation_id TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS oauth_sessions (
	state TEXT PRIMARY KEY,
	api_key TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	used BOOLEAN NOT NULL DEFAULT false,
	slack_completed BOOLEAN NOT NULL DEFAULT false,
	github_completed BOOLEAN NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS provider_installations (
	installation_id TEXT PRIMARY KEY,
	account_login TEXT NOT NULL DEFAULT '',
	repositories_json TEXT NOT NULL DEFAULT '[]',
	api_key TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS tenant_settings (
	tenant_id TEXT PRIMARY KEY,
	slack_bot_token TEXT NOT NULL DEFAULT '',
	slack_channel TEXT NOT NULL DEFAULT '',
	slack_enabled BOOLEAN NOT NULL DEFAULT false,
	generic_webhook_url TEXT NOT NULL DEFAULT '',
	generic_webhook_secret TEXT NOT NULL DEFAULT '',
	notify_channels_json TEXT NOT NULL DEFAULT '[]',
	protected_branches TEXT NOT NULL DEFAULT ''
);
`

// Postgres is the primary C2 backend: database/sql over lib/pq, dialect
// assuming server-side NOW() and ON CONFLICT DO UPDATE.
type Postgres struct {
	db    *sql.DB
	vault *crypto.Vault
	log   *slog.Logger
}

// NewPostgres opens the connection pool, runs the idempotent schema
// migration, and returns a ready Store.
func NewPostgres(ctx context.Context, databaseURL string, vault *crypto.Vault) (*Postgres, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, saferunerr.Wrap(saferunerr.Internal, "open postgres", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, saferunerr.Wrap(saferunerr.Internal, "ping postgres", err)
	}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		return nil, saferunerr.Wrap(saferunerr.Internal, "migrate schema", err)
	}
	return &Postgres{db: db, vault: vault, log: slog.With("component", "store.postgres")}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	if s, ok := v.(string); ok {
		return s, nil // already encoded — canonicalize exactly once
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalJSON(s string) map[string]any {
	out := map[string]any{}
	if s == "" {
		return out
	}
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func unmarshalStrings(s string) []string {
	var out []string
	if s == "" {
		return out
	}
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func (p *Postgres) UpsertChange(ctx context.Context, c *Change) error {
	token, err := p.vault.Encrypt(c.Token)
	if err != nil {
		return saferunerr.Wrap(saferunerr.Internal, "encrypt token", err)
	}
	revertToken, err := p.vault.Encrypt(c.RevertToken)
	if err != nil {
		return saferunerr.Wrap(saferunerr.Internal, "encrypt revert_token", err)
	}
	reasonsJSON, err := marshalJSON(c.Reasons)
	if err != nil {
		return saferunerr.Wrap(saferunerr.BadRequest, "encode reasons", err)
	}
	policyJSON, err := marshalJSON(c.PolicyJSON)
	if err != nil {
		return saferunerr.Wrap(saferunerr.BadRequest, "encode policy_json", err)
	}
	summaryJSON, err := marshalJSON(c.SummaryJSON)
	if err != nil {
		return saferunerr.Wrap(saferunerr.BadRequest, "encode summary_json", err)
	}
	metadataJSON, err := marshalJSON(c.Metadata)
	if err != nil {
		return saferunerr.Wrap(saferunerr.BadRequest, "encode metadata", err)
	}

	const q = `
INSERT INTO changes (
	change_id, provider, target_id, title, status, risk_score, requires_approval,
	reasons_json, policy_json, summary_json, metadata_json, token, revert_token,
	created_at, expires_at, revert_window_hours, revert_expires_at, api_key,
	webhook_url, human_preview, error
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
ON CONFLICT (change_id) DO UPDATE SET
	status = EXCLUDED.status,
	risk_score = EXCLUDED.risk_score,
	requires_approval = EXCLUDED.requires_approval,
	reasons_json = EXCLUDED.reasons_json,
	summary_json = EXCLUDED.summary_json,
	metadata_json = EXCLUDED.metadata_json,
	token = EXCLUDED.token,
	revert_token = EXCLUDED.revert_token,
	revert_window_hours = EXCLUDED.revert_window_hours,
	revert_expires_at = EXCLUDED.revert_expires_at,
	webhook_url = EXCLUDED.webhook_url,
	human_preview = EXCLUDED.human_preview,
	error = EXCLUDED.error
`
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = p.db.ExecContext(ctx, q,
		c.ChangeID, c.Provider, c.TargetID, c.Title, string(c.Status), c.RiskScore, c.RequiresApproval,
		reasonsJSON, policyJSON, summaryJSON, metadataJSON, token, revertToken,
		createdAt, c.ExpiresAt, c.RevertWindowHours, c.RevertExpiresAt, c.APIKey,
		c.WebhookURL, c.HumanPreview, c.Error,
	)
	if err != nil {
		return saferunerr.Wrap(saferunerr.Internal, "upsert change", err)
	}
	return nil
}

func (p *Postgres) scanChange(row *sql.Row) (*Change, error) {
	var c Change
	var status, reasonsJSON, policyJSON, summaryJSON, metadataJSON string
	var token, revertToken sql.NullString
	err := row.Scan(
		&c.ChangeID, &c.Provider, &c.TargetID, &c.Title, &status, &c.RiskScore, &c.RequiresApproval,
		&reasonsJSON, &policyJSON, &summaryJSON, &metadataJSON, &token, &revertToken,
		&c.CreatedAt, &c.ExpiresAt, &c.RevertWindowHours, &c.RevertExpiresAt, &c.APIKey,
		&c.WebhookURL, &c.HumanPreview, &c.Error,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, saferunerr.Wrap(saferunerr.Internal, "scan change", err)
	}
	c.Status = Status(status)
	c.Reasons = unmarshalStrings(reasonsJSON)
	c.PolicyJSON = unmarshalJSON(policyJSON)
	c.SummaryJSON = unmarshalJSON(summaryJSON)
	c.Metadata = unmarshalJSON(metadataJSON)

	if token.Valid && token.String != "" {
		if pt, derr := p.vault.Decrypt(token.String); derr == nil {
			c.Token = pt
		}
		// decrypt failure on token is never a hard error at read time (spec.md §4.2)
	}
	if revertToken.Valid && revertToken.String != "" {
		if pt, derr := p.vault.Decrypt(revertToken.String); derr == nil {
			c.RevertToken = pt
		}
	}
	return &c, nil
}

const changeColumns = `change_id, provider, target_id, title, status, risk_score, requires_approval,
	reasons_json, policy_json, summary_json, metadata_json, token, revert_token,
	created_at, expires_at, revert_window_hours, revert_expires_at, api_key,
	webhook_url, human_preview, error`

func (p *Postgres) GetChange(ctx context.Context, changeID string) (*Change, error) {
	row := p.db.QueryRowContext(ctx, "SELECT "+changeColumns+" FROM changes WHERE change_id = $1", changeID)
	return p.scanChange(row)
}

// GetChangeByRevertToken implements the documented fast/slow path of
// spec.md §4.2: an equality match against legacy plaintext rows first,
// then an O(n) decrypt-and-compare scan over ciphertext rows.
func (p *Postgres) GetChangeByRevertToken(ctx context.Context, plaintext string) (*Change, error) {
	row := p.db.QueryRowContext(ctx, "SELECT "+changeColumns+" FROM changes WHERE revert_token = $1", plaintext)
	if c, err := p.scanChange(row); err == nil && c != nil {
		return c, nil
	}

	rows, err := p.db.QueryContext(ctx, "SELECT "+changeColumns+" FROM changes WHERE revert_token IS NOT NULL AND revert_token != ''")
	if err != nil {
		return nil, saferunerr.Wrap(saferunerr.Internal, "scan revert tokens", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c Change
		var status, reasonsJSON, policyJSON, summaryJSON, metadataJSON string
		var token, revertToken sql.NullString
		if err := rows.Scan(
			&c.ChangeID, &c.Provider, &c.TargetID, &c.Title, &status, &c.RiskScore, &c.RequiresApproval,
			&reasonsJSON, &policyJSON, &summaryJSON, &metadataJSON, &token, &revertToken,
			&c.CreatedAt, &c.ExpiresAt, &c.RevertWindowHours, &c.RevertExpiresAt, &c.APIKey,
			&c.WebhookURL, &c.HumanPreview, &c.Error,
		); err != nil {
			continue
		}
		if !revertToken.Valid {
			continue
		}
		pt, derr := p.vault.Decrypt(revertToken.String)
		if derr != nil {
			continue
		}
		if constantTimeEqual(pt, plaintext) {
			c.Status = Status(status)
			c.Reasons = unmarshalStrings(reasonsJSON)
			c.PolicyJSON = unmarshalJSON(policyJSON)
			c.SummaryJSON = unmarshalJSON(summaryJSON)
			c.Metadata = unmarshalJSON(metadataJSON)
			c.RevertToken = pt
			if token.Valid && token.String != "" {
				if dt, derr2 := p.vault.Decrypt(token.String); derr2 == nil {
					c.Token = dt
				}
			}
			return &c, nil
		}
	}
	return nil, nil
}

func (p *Postgres) SetChangeStatus(ctx context.Context, changeID string, status Status) error {
	_, err := p.db.ExecContext(ctx, "UPDATE changes SET status = $1 WHERE change_id = $2", string(status), changeID)
	if err != nil {
		return saferunerr.Wrap(saferunerr.Internal, "set change status", err)
	}
	return nil
}

func (p *Postgres) SetRevertToken(ctx context.Context, changeID, revertToken string) error {
	ct, err := p.vault.Encrypt(revertToken)
	if err != nil {
		return saferunerr.Wrap(saferunerr.Internal, "encrypt revert token", err)
	}
	_, err = p.db.ExecContext(ctx, "UPDATE changes SET revert_token = $1 WHERE change_id = $2", ct, changeID)
	if err != nil {
		return saferunerr.Wrap(saferunerr.Internal, "set revert token", err)
	}
	return nil
}

func (p *Postgres) UpdateSummaryJSON(ctx context.Context, changeID string, summary map[string]any) error {
	s, err := marshalJSON(summary)
	if err != nil {
		return saferunerr.Wrap(saferunerr.BadRequest, "encode summary_json", err)
	}
	_, err = p.db.ExecContext(ctx, "UPDATE changes SET summary_json = $1 WHERE change_id = $2", s, changeID)
	if err != nil {
		return saferunerr.Wrap(saferunerr.Internal, "update summary_json", err)
	}
	return nil
}

func (p *Postgres) SetChangeApproved(ctx context.Context, changeID string, approved bool) error {
	_, err := p.db.ExecContext(ctx, "UPDATE changes SET requires_approval = $1 WHERE change_id = $2", !approved, changeID)
	if err != nil {
		return saferunerr.Wrap(saferunerr.Internal, "set change approved", err)
	}
	return nil
}

func (p *Postgres) CreateApprovalToken(ctx context.Context, changeID string, kind TokenKind, ttl time.Duration) (string, error) {
	token := "tok_" + uuid.NewString()
	_, err := p.db.ExecContext(ctx,
		"INSERT INTO approval_tokens (token, change_id, kind, expires_at, used) VALUES ($1,$2,$3,$4,false)",
		token, changeID, string(kind), time.Now().UTC().Add(ttl))
	if err != nil {
		return "", saferunerr.Wrap(saferunerr.Internal, "create approval token", err)
	}
	return token, nil
}

// VerifyAndConsumeToken performs the atomic SET used=true WHERE used=false
// update spec.md §4.2/§5 require — exactly one concurrent caller observes
// the affected row.
func (p *Postgres) VerifyAndConsumeToken(ctx context.Context, changeID, token string) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE approval_tokens SET used = true, used_at = NOW()
		 WHERE token = $1 AND change_id = $2 AND used = false AND expires_at > NOW()`,
		token, changeID)
	if err != nil {
		return false, saferunerr.Wrap(saferunerr.Internal, "verify_and_consume", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, saferunerr.Wrap(saferunerr.Internal, "verify_and_consume rows affected", err)
	}
	return n == 1, nil
}

func (p *Postgres) GetApprovalTokenInfo(ctx context.Context, token string) (*ApprovalToken, error) {
	var t ApprovalToken
	var kind string
	var usedAt sql.NullTime
	row := p.db.QueryRowContext(ctx, "SELECT token, change_id, kind, expires_at, used, used_at FROM approval_tokens WHERE token = $1", token)
	err := row.Scan(&t.Token, &t.ChangeID, &kind, &t.ExpiresAt, &t.Used, &usedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, saferunerr.Wrap(saferunerr.Internal, "get approval token info", err)
	}
	t.Kind = TokenKind(kind)
	if usedAt.Valid {
		t.UsedAt = &usedAt.Time
	}
	return &t, nil
}

func (p *Postgres) InsertAudit(ctx context.Context, changeID, event string, meta map[string]any) error {
	m, err := marshalJSON(meta)
	if err != nil {
		return saferunerr.Wrap(saferunerr.BadRequest, "encode audit meta", err)
	}
	_, err = p.db.ExecContext(ctx, "INSERT INTO audit_log (change_id, event, meta_json, ts) VALUES ($1,$2,$3,NOW())", changeID, event, m)
	if err != nil {
		return saferunerr.Wrap(saferunerr.Internal, "insert audit", err)
	}
	return nil
}

// CompleteSlackOAuth atomically consumes the state and records completion,
// guarding against a race where two callbacks share a state (spec.md §4.2).
func (p *Postgres) CompleteSlackOAuth(ctx context.Context, state, botToken, channel string) (string, error) {
	return p.completeOAuth(ctx, state, "slack_completed", func(tx *sql.Tx, apiKey string) error {
		encToken, err := p.vault.Encrypt(botToken)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO tenant_settings (tenant_id, slack_bot_token, slack_channel, slack_enabled)
			 VALUES ($1,$2,$3,true)
			 ON CONFLICT (tenant_id) DO UPDATE SET slack_bot_token = $2, slack_channel = $3, slack_enabled = true`,
			apiKey, encToken, channel)
		return err
	})
}

func (p *Postgres) CompleteGitHubInstallation(ctx context.Context, state, installationID string) (string, error) {
	return p.completeOAuth(ctx, state, "github_completed", func(tx *sql.Tx, apiKey string) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO provider_installations (installation_id, api_key) VALUES ($1,$2)
			 ON CONFLICT (installation_id) DO UPDATE SET api_key = $2`,
			installationID, apiKey)
		return err
	})
}

func (p *Postgres) completeOAuth(ctx context.Context, state, completionColumn string, onSuccess func(tx *sql.Tx, apiKey string) error) (string, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return "", saferunerr.Wrap(saferunerr.Internal, "begin oauth tx", err)
	}
	defer tx.Rollback()

	var apiKey string
	var used bool
	var expiresAt time.Time
	err = tx.QueryRowContext(ctx, "SELECT api_key, used, expires_at FROM oauth_sessions WHERE state = $1 FOR UPDATE", state).
		Scan(&apiKey, &used, &expiresAt)
	if err == sql.ErrNoRows {
		return "", saferunerr.New(saferunerr.NotFound, "oauth session not found")
	}
	if err != nil {
		return "", saferunerr.Wrap(saferunerr.Internal, "load oauth session", err)
	}
	if time.Now().UTC().After(expiresAt) {
		return "", saferunerr.New(saferunerr.Gone, "oauth session expired")
	}

	if err := onSuccess(tx, apiKey); err != nil {
		return "", saferunerr.Wrap(saferunerr.Internal, "apply oauth completion", err)
	}

	q := fmt.Sprintf("UPDATE oauth_sessions SET %s = true WHERE state = $1", completionColumn)
	if _, err := tx.ExecContext(ctx, q, state); err != nil {
		return "", saferunerr.Wrap(saferunerr.Internal, "mark oauth completion", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE oauth_sessions SET used = true WHERE state = $1", state); err != nil {
		return "", saferunerr.Wrap(saferunerr.Internal, "consume oauth state", err)
	}
	if err := tx.Commit(); err != nil {
		return "", saferunerr.Wrap(saferunerr.Internal, "commit oauth completion", err)
	}
	return apiKey, nil
}

func (p *Postgres) CreateOAuthSession(ctx context.Context, apiKey string, ttl time.Duration) (string, error) {
	state := uuid.NewString()
	_, err := p.db.ExecContext(ctx,
		"INSERT INTO oauth_sessions (state, api_key, expires_at, used) VALUES ($1,$2,$3,false)",
		state, apiKey, time.Now().UTC().Add(ttl))
	if err != nil {
		return "", saferunerr.Wrap(saferunerr.Internal, "create oauth session", err)
	}
	return state, nil
}

func (p *Postgres) GetAPIKey(ctx context.Context, apiKey string) (*APIKeyRecord, error) {
	var rec APIKeyRecord
	row := p.db.QueryRowContext(ctx,
		"SELECT api_key, email, created_at, usage_count, is_active, provider_installation_id FROM api_keys WHERE api_key = $1", apiKey)
	err := row.Scan(&rec.APIKey, &rec.Email, &rec.CreatedAt, &rec.UsageCount, &rec.IsActive, &rec.ProviderInstallationID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, saferunerr.Wrap(saferunerr.Internal, "get api key", err)
	}
	return &rec, nil
}

func (p *Postgres) CreateAPIKey(ctx context.Context, email string) (*APIKeyRecord, error) {
	rec := &APIKeyRecord{
		APIKey:     "sr_" + uuid.NewString(),
		Email:      email,
		CreatedAt:  time.Now().UTC(),
		IsActive:   true,
		UsageCount: 0,
	}
	_, err := p.db.ExecContext(ctx,
		"INSERT INTO api_keys (api_key, email, created_at, usage_count, is_active) VALUES ($1,$2,$3,0,true)",
		rec.APIKey, rec.Email, rec.CreatedAt)
	if err != nil {
		return nil, saferunerr.Wrap(saferunerr.Internal, "create api key", err)
	}
	return rec, nil
}

func (p *Postgres) IncrementAPIKeyUsage(ctx context.Context, apiKey string) error {
	_, err := p.db.ExecContext(ctx, "UPDATE api_keys SET usage_count = usage_count + 1 WHERE api_key = $1", apiKey)
	if err != nil {
		return saferunerr.Wrap(saferunerr.Internal, "increment api key usage", err)
	}
	return nil
}

func (p *Postgres) GetProviderInstallation(ctx context.Context, installationID string) (*ProviderInstallation, error) {
	var inst ProviderInstallation
	var reposJSON string
	row := p.db.QueryRowContext(ctx,
		"SELECT installation_id, account_login, repositories_json, api_key FROM provider_installations WHERE installation_id = $1", installationID)
	err := row.Scan(&inst.InstallationID, &inst.AccountLogin, &reposJSON, &inst.APIKey)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, saferunerr.Wrap(saferunerr.Internal, "get provider installation", err)
	}
	inst.Repositories = unmarshalStrings(reposJSON)
	return &inst, nil
}

func (p *Postgres) UpsertProviderInstallation(ctx context.Context, inst *ProviderInstallation) error {
	reposJSON, err := marshalJSON(inst.Repositories)
	if err != nil {
		return saferunerr.Wrap(saferunerr.BadRequest, "encode repositories", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO provider_installations (installation_id, account_login, repositories_json, api_key)
		 VALUES ($1,$2,$3,$4)
		 ON CONFLICT (installation_id) DO UPDATE SET account_login = $2, repositories_json = $3, api_key = $4`,
		inst.InstallationID, inst.AccountLogin, reposJSON, inst.APIKey)
	if err != nil {
		return saferunerr.Wrap(saferunerr.Internal, "upsert provider installation", err)
	}
	return nil
}

func (p *Postgres) DeleteProviderInstallation(ctx context.Context, installationID string) error {
	_, err := p.db.ExecContext(ctx, "DELETE FROM provider_installations WHERE installation_id = $1", installationID)
	if err != nil {
		return saferunerr.Wrap(saferunerr.Internal, "delete provider installation", err)
	}
	return nil
}

// RecentChanges backs the webhook correlation window (github_webhooks.py's
// 5-minute target_id/operation_type match): a simple ILIKE + time bound,
// leaving summary_json field matching to the caller instead of the brittle
// text-LIKE-on-JSON the original does.
func (p *Postgres) RecentChanges(ctx context.Context, targetSubstr string, statuses []Status, since time.Time, limit int) ([]*Change, error) {
	query := "SELECT " + changeColumns + " FROM changes WHERE target_id ILIKE $1 AND created_at >= $2"
	args := []any{"%" + targetSubstr + "%", since}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			args = append(args, string(st))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		query += " AND status IN (" + strings.Join(placeholders, ",") + ")"
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, saferunerr.Wrap(saferunerr.Internal, "query recent changes", err)
	}
	defer rows.Close()

	var out []*Change
	for rows.Next() {
		var c Change
		var status, reasonsJSON, policyJSON, summaryJSON, metadataJSON string
		var token, revertToken sql.NullString
		if err := rows.Scan(
			&c.ChangeID, &c.Provider, &c.TargetID, &c.Title, &status, &c.RiskScore, &c.RequiresApproval,
			&reasonsJSON, &policyJSON, &summaryJSON, &metadataJSON, &token, &revertToken,
			&c.CreatedAt, &c.ExpiresAt, &c.RevertWindowHours, &c.RevertExpiresAt, &c.APIKey,
			&c.WebhookURL, &c.HumanPreview, &c.Error,
		); err != nil {
			return nil, saferunerr.Wrap(saferunerr.Internal, "scan recent change", err)
		}
		c.Status = Status(status)
		c.Reasons = unmarshalStrings(reasonsJSON)
		c.PolicyJSON = unmarshalJSON(policyJSON)
		c.SummaryJSON = unmarshalJSON(summaryJSON)
		c.Metadata = unmarshalJSON(metadataJSON)
		out = append(out, &c)
	}
	return out, nil
}

func (p *Postgres) GetSettings(ctx context.Context, tenantID string) (*Settings, error) {
	var s Settings
	var notifyJSON string
	var encBotToken, encWebhookSecret string
	row := p.db.QueryRowContext(ctx,
		`SELECT tenant_id, slack_bot_token, slack_channel, slack_enabled, generic_webhook_url,
		        generic_webhook_secret, notify_channels_json, protected_branches
		 FROM tenant_settings WHERE tenant_id = $1`, tenantID)
	err := row.Scan(&s.TenantID, &encBotToken, &s.SlackChannel, &s.SlackEnabled, &s.GenericWebhookURL,
		&encWebhookSecret, &notifyJSON, &s.ProtectedBranches)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, saferunerr.Wrap(saferunerr.Internal, "get settings", err)
	}
	if encBotToken != "" {
		if pt, derr := p.vault.Decrypt(encBotToken); derr == nil {
			s.SlackBotToken = pt
		}
	}
	if encWebhookSecret != "" {
		if pt, derr := p.vault.Decrypt(encWebhookSecret); derr == nil {
			s.GenericWebhookSecret = pt
		}
	}
	s.NotifyChannels = unmarshalStrings(notifyJSON)
	return &s, nil
}

func (p *Postgres) UpsertSettings(ctx context.Context, s *Settings) error {
	encBotToken, err := p.vault.Encrypt(s.SlackBotToken)
	if err != nil {
		return saferunerr.Wrap(saferunerr.Internal, "encrypt slack bot token", err)
	}
	encWebhookSecret, err := p.vault.Encrypt(s.GenericWebhookSecret)
	if err != nil {
		return saferunerr.Wrap(saferunerr.Internal, "encrypt webhook secret", err)
	}
	notifyJSON, err := marshalJSON(s.NotifyChannels)
	if err != nil {
		return saferunerr.Wrap(saferunerr.BadRequest, "encode notify channels", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO tenant_settings (tenant_id, slack_bot_token, slack_channel, slack_enabled,
		        generic_webhook_url, generic_webhook_secret, notify_channels_json, protected_branches)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (tenant_id) DO UPDATE SET
		   slack_bot_token = $2, slack_channel = $3, slack_enabled = $4,
		   generic_webhook_url = $5, generic_webhook_secret = $6,
		   notify_channels_json = $7, protected_branches = $8`,
		s.TenantID, encBotToken, s.SlackChannel, s.SlackEnabled,
		s.GenericWebhookURL, encWebhookSecret, notifyJSON, s.ProtectedBranches)
	if err != nil {
		return saferunerr.Wrap(saferunerr.Internal, "upsert settings", err)
	}
	return nil
}

// MigrateTokensToEncrypted re-encrypts any legacy plaintext token/revert_token
// columns. Idempotent: rows already holding ciphertext are skipped.
func (p *Postgres) MigrateTokensToEncrypted(ctx context.Context) (int, error) {
	rows, err := p.db.QueryContext(ctx, "SELECT change_id, token, revert_token FROM changes WHERE token IS NOT NULL OR revert_token IS NOT NULL")
	if err != nil {
		return 0, saferunerr.Wrap(saferunerr.Internal, "scan for migration", err)
	}
	defer rows.Close()

	type pending struct {
		changeID            string
		token, revertToken  sql.NullString
	}
	var toMigrate []pending
	for rows.Next() {
		var pr pending
		if err := rows.Scan(&pr.changeID, &pr.token, &pr.revertToken); err != nil {
			continue
		}
		toMigrate = append(toMigrate, pr)
	}

	count := 0
	for _, pr := range toMigrate {
		newToken := pr.token
		newRevert := pr.revertToken
		changed := false

		if pr.token.Valid && pr.token.String != "" && !crypto.LooksEncrypted(pr.token.String) {
			if ct, err := p.vault.Encrypt(pr.token.String); err == nil {
				newToken = sql.NullString{String: ct, Valid: true}
				changed = true
			}
		}
		if pr.revertToken.Valid && pr.revertToken.String != "" && !crypto.LooksEncrypted(pr.revertToken.String) {
			if ct, err := p.vault.Encrypt(pr.revertToken.String); err == nil {
				newRevert = sql.NullString{String: ct, Valid: true}
				changed = true
			}
		}
		if !changed {
			continue
		}
		if _, err := p.db.ExecContext(ctx, "UPDATE changes SET token = $1, revert_token = $2 WHERE change_id = $3",
			newToken, newRevert, pr.changeID); err != nil {
			p.log.Warn("migrate token failed", "change_id", pr.changeID, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

// gcExpiredQuery mirrors spec.md §4.10's literal SQL: a pending change is
// force-expired once its revert window closes, not its (much shorter)
// approval poll window.
const gcExpiredQuery = "UPDATE changes SET status = 'expired' WHERE status = 'pending' AND revert_expires_at < NOW() RETURNING change_id"

func (p *Postgres) GCExpired(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, gcExpiredQuery)
	if err != nil {
		return nil, saferunerr.Wrap(saferunerr.Internal, "gc expired changes", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			ids = append(ids, id)
		}
	}
	rows.Close()

	if _, err := p.db.ExecContext(ctx, "DELETE FROM approval_tokens WHERE used = true OR expires_at < NOW()"); err != nil {
		p.log.Warn("gc approval tokens failed", "error", err)
	}
	return ids, nil
}

// constantTimeEqual avoids early-exit timing signals when scanning decrypted
// revert tokens for equality (spec.md §8 invariant 6's spirit applied here too).
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := 0; i < len(a); i++ {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
