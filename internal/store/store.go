// Package store defines C2: persistence of changes, approval tokens, audit
// records, API keys, OAuth sessions, and provider installations, plus the
// token re-encryption migration helper. Backend differences (Postgres,
// Supabase) are treated purely as dialect — callers only ever see the Store
// interface.
package store

import (
	"context"
	"time"
)

// Status is a Change's position in the state machine of spec.md §4.12.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusExecuted Status = "executed"
	StatusApplied  Status = "applied"
	StatusReverted Status = "reverted"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
	StatusFailed   Status = "failed"
)

// TokenKind distinguishes one-time approval tokens from revert tokens.
type TokenKind string

const (
	TokenApprove TokenKind = "approve"
	TokenRevert  TokenKind = "revert"
)

// Change is the central entity (spec.md §3). Token and RevertToken are
// ciphertext whenever persisted; the Store decrypts on read and encrypts on
// write — callers never handle that encoding themselves.
type Change struct {
	ChangeID         string
	Provider         string
	TargetID         string
	Title            string
	Status           Status
	RiskScore        float64
	RequiresApproval bool
	Reasons          []string
	PolicyJSON       map[string]any
	SummaryJSON      map[string]any
	Metadata         map[string]any
	Token            string // plaintext in-process; ciphertext at rest
	RevertToken      string // plaintext in-process; ciphertext at rest
	CreatedAt        time.Time
	ExpiresAt         time.Time
	RevertWindowHours *int
	RevertExpiresAt   *time.Time
	APIKey            string
	WebhookURL        string
	HumanPreview      string
	Error             string
}

// ApprovalToken is a one-time-use credential binding an approver's action to
// one change (spec.md §3).
type ApprovalToken struct {
	Token     string
	ChangeID  string
	Kind      TokenKind
	ExpiresAt time.Time
	Used      bool
	UsedAt    *time.Time
}

// AuditRecord is an append-only log entry. It is never mutated or pruned by
// the core.
type AuditRecord struct {
	ChangeID string
	Event    string
	MetaJSON map[string]any
	Ts       time.Time
}

// APIKeyRecord is a tenant's credential (spec.md §3, §4.11).
type APIKeyRecord struct {
	APIKey                 string
	Email                  string
	CreatedAt              time.Time
	UsageCount             int64
	IsActive               bool
	ProviderInstallationID string
}

// OAuthSession CSRF-protects the unified Slack+GitHub installation flow.
type OAuthSession struct {
	State              string
	APIKey             string
	ExpiresAt          time.Time
	Used               bool
	SlackCompleted     bool
	GitHubCompleted    bool
}

// ProviderInstallation resolves a webhook's installation id to a tenant.
type ProviderInstallation struct {
	InstallationID string
	AccountLogin   string
	Repositories   []string
	APIKey         string
}

// Settings holds a tenant's notification and governance configuration.
type Settings struct {
	TenantID              string
	SlackBotToken         string // encrypted at rest
	SlackChannel          string
	SlackEnabled          bool
	GenericWebhookURL     string
	GenericWebhookSecret  string // encrypted at rest
	NotifyChannels        []string
	ProtectedBranches     string // glob/regex pattern
}

// Store is the full persistence contract of C2. Every mutation is a narrow,
// named method — there is no generic "save" — so the change engine can
// never bypass encryption, JSON canonicalization, or atomicity guarantees.
type Store interface {
	UpsertChange(ctx context.Context, c *Change) error
	GetChange(ctx context.Context, changeID string) (*Change, error)
	GetChangeByRevertToken(ctx context.Context, plaintext string) (*Change, error)

	SetChangeStatus(ctx context.Context, changeID string, status Status) error
	SetRevertToken(ctx context.Context, changeID, revertToken string) error
	UpdateSummaryJSON(ctx context.Context, changeID string, summary map[string]any) error
	SetChangeApproved(ctx context.Context, changeID string, approved bool) error

	CreateApprovalToken(ctx context.Context, changeID string, kind TokenKind, ttl time.Duration) (string, error)
	VerifyAndConsumeToken(ctx context.Context, changeID, token string) (bool, error)
	GetApprovalTokenInfo(ctx context.Context, token string) (*ApprovalToken, error)

	InsertAudit(ctx context.Context, changeID, event string, meta map[string]any) error

	CompleteSlackOAuth(ctx context.Context, state, botToken, channel string) (apiKey string, err error)
	CompleteGitHubInstallation(ctx context.Context, state, installationID string) (apiKey string, err error)
	CreateOAuthSession(ctx context.Context, apiKey string, ttl time.Duration) (state string, err error)

	GetAPIKey(ctx context.Context, apiKey string) (*APIKeyRecord, error)
	CreateAPIKey(ctx context.Context, email string) (*APIKeyRecord, error)
	IncrementAPIKeyUsage(ctx context.Context, apiKey string) error

	GetProviderInstallation(ctx context.Context, installationID string) (*ProviderInstallation, error)
	UpsertProviderInstallation(ctx context.Context, inst *ProviderInstallation) error
	DeleteProviderInstallation(ctx context.Context, installationID string) error

	// RecentChanges backs the webhook ingress's correlation window: changes
	// whose target_id contains targetSubstr, most-recent first, optionally
	// narrowed to statuses (nil/empty means any) and to rows created at or
	// after since. Callers filter further by summary_json fields themselves.
	RecentChanges(ctx context.Context, targetSubstr string, statuses []Status, since time.Time, limit int) ([]*Change, error)

	GetSettings(ctx context.Context, tenantID string) (*Settings, error)
	UpsertSettings(ctx context.Context, s *Settings) error

	// MigrateTokensToEncrypted re-encrypts any legacy plaintext token columns.
	// Idempotent; returns the number of rows touched.
	MigrateTokensToEncrypted(ctx context.Context) (int, error)

	// GCExpired marks overdue pending changes expired and deletes consumed
	// or expired approval tokens (spec.md §4.10). Returns the ids transitioned.
	GCExpired(ctx context.Context) ([]string, error)

	Close() error
}
