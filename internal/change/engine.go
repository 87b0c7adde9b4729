// Package change implements C6: the dry-run/approve/reject/revert state
// machine tying together risk scoring, policy evaluation, the provider
// adapter, and persistence. This is SafeRun's core — every other component
// exists to feed it or to act on what it decides.
package change

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/saferun/saferun/internal/circuitbreaker"
	"github.com/saferun/saferun/internal/policy"
	"github.com/saferun/saferun/internal/provider"
	"github.com/saferun/saferun/internal/risk"
	"github.com/saferun/saferun/internal/saferunerr"
	"github.com/saferun/saferun/internal/store"
)

// Notifier is the narrow surface the engine needs from C9. Publishing never
// blocks the request path — implementations must return quickly or hand off
// to a queue themselves.
type Notifier interface {
	Publish(ctx context.Context, event string, c *store.Change, extras map[string]any)
}

const (
	pollWindow   = 2 * time.Hour
	revertWindow = 24 * time.Hour
)

// reversibleObjects mirrors dryrun.py's reversible_operations list: only
// these object kinds get an active revert_action built by Approve.
var reversibleObjects = map[string]bool{"repository": true, "branch": true}

var irreversibleOperations = map[risk.OperationType]bool{
	risk.OpMerge:       true,
	risk.OpForcePush:   true,
	risk.OpDeleteRepo:  true,
	risk.OpRepoTransfer: true,
}

// Engine is the composition point for C6. One instance serves every tenant;
// per-request state never survives past the method call that creates it.
type Engine struct {
	Store      store.Store
	Providers  map[string]provider.Provider
	Notifier   Notifier
	BaseURL    string // for approve_url, e.g. https://app.saferun.dev
	APIBaseURL string // for revert_url, e.g. https://api.saferun.dev

	// Breakers guards outbound provider mutations. Nil is valid — every
	// call site falls back to calling the provider directly — so tests
	// that build a bare Engine{} keep working unchanged.
	Breakers *circuitbreaker.ProviderBreakers
}

func (e *Engine) provider(name string) (provider.Provider, error) {
	p, ok := e.Providers[name]
	if !ok {
		return nil, saferunerr.New(saferunerr.BadRequest, fmt.Sprintf("unsupported provider: %s", name))
	}
	return p, nil
}

// guardProvider runs fn through the named provider's circuit breaker when
// one is configured, translating a tripped breaker into a BadGateway so
// callers see the same upstream-unavailable shape as a direct timeout.
func (e *Engine) guardProvider(ctx context.Context, providerName string, fn func(context.Context) error) error {
	if e.Breakers == nil {
		return fn(ctx)
	}
	_, err := e.Breakers.For(providerName).ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return saferunerr.New(saferunerr.BadGateway, fmt.Sprintf("%s is temporarily unavailable, try again shortly", providerName))
	}
	return err
}

// DryRunRequest is the caller-supplied half of a dry run; everything else is
// fetched from the provider or computed.
type DryRunRequest struct {
	Provider   string
	TargetID   string
	Credential string // provider token/credential, plaintext in memory only
	Reason     string // free text; substring-matched for operation detection
	APIKey     string
	WebhookURL string
	Policy     *policy.Policy
}

// DryRunResult is everything a caller needs to show a reviewer or poll for
// approval.
type DryRunResult struct {
	Change       *store.Change
	ApproveURL   string
	HumanPreview string
}

// DryRun implements spec.md §4.6 step 1-7: resolve, score, gate, persist,
// notify. It never mutates the target.
func (e *Engine) DryRun(ctx context.Context, req DryRunRequest) (*DryRunResult, error) {
	p, err := e.provider(req.Provider)
	if err != nil {
		return nil, err
	}
	target, err := provider.ParseTarget(req.TargetID)
	if err != nil {
		return nil, err
	}

	meta, err := p.GetMetadata(ctx, target, req.Credential)
	if err != nil {
		return nil, wrapProviderErr(err)
	}

	op := detectOperation(req.Reason, target, meta)

	riskInput := risk.Input{
		Operation:       op,
		Object:          meta.Object,
		Title:           meta.Title,
		IsDefault:       meta.IsDefault,
		IsTargetDefault: meta.IsTargetDefault,
		LastEdit:        meta.LastEdit,
		Branch:          target.Branch,
	}
	rawScore, riskReasons := risk.Compute(riskInput)
	normalized := risk.Normalize(rawScore)

	editedAgeHours, hasEditedAge := 0.0, false
	if !meta.LastEdit.IsZero() {
		editedAgeHours = time.Since(meta.LastEdit).Hours()
		hasEditedAge = true
	}

	pol := policy.Default()
	if req.Policy != nil {
		pol = *req.Policy
	}
	_, policyHits := policy.Evaluate(pol, policy.Context{
		RiskScore:      normalized,
		Title:          meta.Title,
		BlocksCount:    meta.LinkedCount,
		EditedAgeHours: editedAgeHours,
		HasEditedAge:   hasEditedAge,
	})

	allReasons := append([]string{}, riskReasons...)
	for _, h := range policyHits {
		allReasons = append(allReasons, "policy:"+h)
	}

	// MVP override (spec.md §4.6, DESIGN.md Open Question 1): every operation
	// requires approval and gets a 24h revert window, regardless of policy.
	requiresApproval := true
	revertHours := 24

	isReversible := reversibleObjects[meta.Object]
	if isReversible {
		allReasons = append(allReasons, "github:reversible_operation")
	} else if irreversibleOperations[op] {
		allReasons = append(allReasons, "github:irreversible_operation")
	}

	if isMainBranch(target, meta) {
		allReasons = append(allReasons, "github:main_branch_protection")
	}

	now := time.Now().UTC()
	changeID := uuid.NewString()
	revertExpires := now.Add(time.Duration(revertHours) * time.Hour)

	summary := map[string]any{
		"operation_type":    string(op),
		"provider":          req.Provider,
		"target_id":         req.TargetID,
		"title":             meta.Title,
		"item_type":         meta.Object,
		"risk_score":        normalized,
		"reasons":           allReasons,
		"linked_count":      meta.LinkedCount,
		"is_default_branch": meta.IsDefault,
		"reason":            req.Reason,
	}

	c := &store.Change{
		ChangeID:          changeID,
		Provider:          req.Provider,
		TargetID:          req.TargetID,
		Title:             meta.Title,
		Status:            store.StatusPending,
		RiskScore:         normalized,
		RequiresApproval:  requiresApproval,
		Reasons:           allReasons,
		SummaryJSON:       summary,
		Token:             req.Credential,
		CreatedAt:         now,
		ExpiresAt:         now.Add(pollWindow),
		RevertWindowHours: &revertHours,
		RevertExpiresAt:   &revertExpires,
		APIKey:            req.APIKey,
		WebhookURL:        req.WebhookURL,
		HumanPreview:      risk.HumanPreview(riskInput, req.TargetID, meta.Title, meta.LastEdit, normalized, allReasons),
	}

	if err := e.Store.UpsertChange(ctx, c); err != nil {
		return nil, err
	}

	// Approval token created after the change row exists (FK ordering).
	approveToken, err := e.Store.CreateApprovalToken(ctx, changeID, store.TokenApprove, pollWindow)
	if err != nil {
		return nil, err
	}
	if err := e.Store.InsertAudit(ctx, changeID, "dry_run", map[string]any{"title": meta.Title, "risk_score": normalized}); err != nil {
		return nil, err
	}

	approveURL := fmt.Sprintf("%s/approvals/%s?token=%s", e.BaseURL, changeID, approveToken)

	if e.Notifier != nil {
		e.Notifier.Publish(ctx, "dry_run", c, map[string]any{"approve_url": approveURL})
	}

	return &DryRunResult{Change: c, ApproveURL: approveURL, HumanPreview: c.HumanPreview}, nil
}

// detectOperation mirrors dryrun.py's substring-on-reason detection,
// generalized with the parsed target kind so branch deletes and merges are
// never misclassified as a whole-repository action.
func detectOperation(reason string, target provider.Target, meta provider.Metadata) risk.OperationType {
	upper := strings.ToUpper(reason)
	switch {
	case target.Kind == provider.KindMerge:
		return risk.OpMerge
	case target.Kind == provider.KindBranch && strings.Contains(upper, "DELETE"):
		return risk.OpBranchDelete
	case strings.Contains(upper, "DELETE"):
		return risk.OpDeleteRepo
	case strings.Contains(upper, "FORCE"):
		return risk.OpForcePush
	default:
		return risk.OpArchive
	}
}

// isMainBranch mirrors dryrun.py's default_branch check: a whole-repo
// operation always counts, a branch operation counts only when it targets
// the default branch, and merges/bulk targets are excluded.
func isMainBranch(target provider.Target, meta provider.Metadata) bool {
	switch target.Kind {
	case provider.KindBranch:
		return target.Branch == meta.DefaultBranch || meta.IsDefault
	case provider.KindRepo:
		return true
	default:
		return false
	}
}

// GetApproval implements the GET /approvals/{id} auto-expire check
// (DESIGN.md Open Question 3): a pending change whose 2h expires_at has
// passed transitions to expired before being returned.
func (e *Engine) GetApproval(ctx context.Context, changeID string) (*store.Change, error) {
	c, err := e.Store.GetChange(ctx, changeID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, saferunerr.New(saferunerr.NotFound, "change not found")
	}
	if c.Status == store.StatusPending && time.Now().UTC().After(c.ExpiresAt) {
		if err := e.Store.SetChangeStatus(ctx, changeID, store.StatusExpired); err != nil {
			return nil, err
		}
		c.Status = store.StatusExpired
	}
	return c, nil
}

// Approve implements approvals.py's approve handler: validates state,
// records the approval, and — because the MVP override always sets a
// revert window — immediately executes reversible operations through the
// provider.
func (e *Engine) Approve(ctx context.Context, changeID, approvalToken string) (*store.Change, error) {
	c, err := e.GetApproval(ctx, changeID)
	if err != nil {
		return nil, err
	}
	switch c.Status {
	case store.StatusApplied, store.StatusExecuted, store.StatusReverted, store.StatusFailed:
		return nil, saferunerr.New(saferunerr.Conflict, "change already finalized")
	case store.StatusRejected:
		return nil, saferunerr.New(saferunerr.Conflict, "change already rejected")
	case store.StatusExpired:
		return nil, saferunerr.New(saferunerr.Gone, "change has expired")
	}

	ok, err := e.Store.VerifyAndConsumeToken(ctx, changeID, approvalToken)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, saferunerr.New(saferunerr.Unauthorized, "invalid or already-used approval token")
	}

	if err := e.Store.SetChangeApproved(ctx, changeID, true); err != nil {
		return nil, err
	}
	if err := e.Store.SetChangeStatus(ctx, changeID, store.StatusApproved); err != nil {
		return nil, err
	}
	if err := e.Store.InsertAudit(ctx, changeID, "approved", nil); err != nil {
		return nil, err
	}
	c.RequiresApproval = false
	c.Status = store.StatusApproved

	if c.RevertWindowHours == nil {
		return c, nil
	}
	return e.execute(ctx, c)
}

// Apply implements the API-key-mode half of spec.md §4.6's apply algorithm:
// the CLI/SDK path where the caller already holds the tenant's API key
// instead of the one-time approval token a human clicks from Slack/email.
// Anti-enumeration applies here too — a tenant mismatch returns NotFound.
func (e *Engine) Apply(ctx context.Context, changeID, apiKey string, approvalFlag bool) (*store.Change, error) {
	c, err := e.GetApproval(ctx, changeID)
	if err != nil {
		return nil, err
	}
	if c.APIKey == "" || c.APIKey != apiKey {
		return nil, saferunerr.New(saferunerr.NotFound, "change not found")
	}
	switch c.Status {
	case store.StatusApplied, store.StatusExecuted:
		return c, nil // idempotent success with the prior revert handle
	case store.StatusReverted, store.StatusFailed, store.StatusRejected:
		return nil, saferunerr.New(saferunerr.Conflict, "change is not in an applicable state")
	case store.StatusExpired:
		return nil, saferunerr.New(saferunerr.Gone, "change has expired")
	}
	if time.Now().UTC().After(c.ExpiresAt) {
		if err := e.Store.SetChangeStatus(ctx, changeID, store.StatusExpired); err != nil {
			return nil, err
		}
		return nil, saferunerr.New(saferunerr.Gone, "change has expired")
	}
	if c.RequiresApproval && !approvalFlag {
		return nil, saferunerr.New(saferunerr.Forbidden, "change requires approval")
	}

	if err := e.Store.SetChangeApproved(ctx, changeID, true); err != nil {
		return nil, err
	}
	if err := e.Store.InsertAudit(ctx, changeID, "approved", map[string]any{"mode": "api_key"}); err != nil {
		return nil, err
	}
	c.RequiresApproval = false
	return e.execute(ctx, c)
}

// execute dispatches the reversible operation kinds through the provider and
// records a revert_action descriptor. Repository deletion is dispatched
// through the provider too but records no revert_action; the remaining
// irreversible operations (merge, force push, repo transfer) are marked
// executed without a provider call since the underlying mutation already
// happened upstream of SafeRun.
func (e *Engine) execute(ctx context.Context, c *store.Change) (*store.Change, error) {
	target, err := provider.ParseTarget(c.TargetID)
	if err != nil {
		return nil, err
	}
	p, err := e.provider(c.Provider)
	if err != nil {
		return nil, err
	}

	objectType, _ := c.SummaryJSON["item_type"].(string)
	opType, _ := c.SummaryJSON["operation_type"].(string)

	var revertAction map[string]any

	switch {
	case objectType == "repository" && opType == "archive":
		if err := e.guardProvider(ctx, c.Provider, func(ctx context.Context) error {
			return p.Archive(ctx, target, c.Token)
		}); err != nil {
			return nil, e.fail(ctx, c, err)
		}
		revertAction = map[string]any{"type": "repository_unarchive", "owner": target.Owner, "repo": target.Repo}

	case objectType == "branch":
		var sha string
		err := e.guardProvider(ctx, c.Provider, func(ctx context.Context) error {
			var err error
			sha, err = p.DeleteBranch(ctx, target, c.Token)
			return err
		})
		if err != nil {
			return nil, e.fail(ctx, c, err)
		}
		revertAction = map[string]any{"type": "branch_restore", "owner": target.Owner, "repo": target.Repo, "branch": target.Branch, "sha": sha}

	case objectType == "repository" && opType == string(risk.OpDeleteRepo):
		if err := e.guardProvider(ctx, c.Provider, func(ctx context.Context) error {
			return p.DeleteRepository(ctx, target, c.Token)
		}); err != nil {
			return nil, e.fail(ctx, c, err)
		}
		// Irreversible: GitHub never hands back a deleted repository's
		// contents, so there is no revert_action to build.
		if err := e.Store.SetChangeStatus(ctx, c.ChangeID, store.StatusExecuted); err != nil {
			return nil, err
		}
		c.Status = store.StatusExecuted
		if err := e.Store.InsertAudit(ctx, c.ChangeID, "executed", map[string]any{"reversible": false}); err != nil {
			return nil, err
		}
		if e.Notifier != nil {
			e.Notifier.Publish(ctx, "executed", c, nil)
		}
		return c, nil

	default:
		// Irreversible: no provider call, no revert option. Covers
		// merge/force-push/repo-transfer, whose underlying mutation already
		// happened upstream of SafeRun before this change was recorded.
		if err := e.Store.SetChangeStatus(ctx, c.ChangeID, store.StatusExecuted); err != nil {
			return nil, err
		}
		c.Status = store.StatusExecuted
		if err := e.Store.InsertAudit(ctx, c.ChangeID, "executed", map[string]any{"reversible": false}); err != nil {
			return nil, err
		}
		if e.Notifier != nil {
			e.Notifier.Publish(ctx, "executed", c, nil)
		}
		return c, nil
	}

	c.SummaryJSON["revert_action"] = revertAction
	if err := e.Store.UpdateSummaryJSON(ctx, c.ChangeID, c.SummaryJSON); err != nil {
		return nil, err
	}

	ttl := revertWindow
	if c.RevertExpiresAt != nil {
		ttl = time.Until(*c.RevertExpiresAt)
	}
	revertToken, err := e.Store.CreateApprovalToken(ctx, c.ChangeID, store.TokenRevert, ttl)
	if err != nil {
		return nil, err
	}
	if err := e.Store.SetRevertToken(ctx, c.ChangeID, revertToken); err != nil {
		return nil, err
	}
	c.RevertToken = revertToken

	if err := e.Store.SetChangeStatus(ctx, c.ChangeID, store.StatusExecuted); err != nil {
		return nil, err
	}
	c.Status = store.StatusExecuted
	if err := e.Store.InsertAudit(ctx, c.ChangeID, "executed", map[string]any{"revert_action": revertAction["type"]}); err != nil {
		return nil, err
	}

	revertURL := fmt.Sprintf("%s/webhooks/github/revert/%s?token=%s", e.APIBaseURL, c.ChangeID, revertToken)
	if e.Notifier != nil {
		e.Notifier.Publish(ctx, "executed_with_revert", c, map[string]any{"revert_url": revertURL})
	}
	return c, nil
}

func (e *Engine) fail(ctx context.Context, c *store.Change, cause error) error {
	_ = e.Store.SetChangeStatus(ctx, c.ChangeID, store.StatusFailed)
	_ = e.Store.InsertAudit(ctx, c.ChangeID, "failed", map[string]any{"error": cause.Error()})
	return wrapProviderErr(cause)
}

// wrapProviderErr maps a *provider.Error's upstream taxonomy onto the
// shared saferunerr.Kind taxonomy at the one boundary where the two meet.
func wrapProviderErr(err error) error {
	pe, ok := err.(*provider.Error)
	if !ok {
		return saferunerr.As(err)
	}
	kind := saferunerr.BadGateway
	switch pe.Kind {
	case provider.ErrUnauthorized:
		kind = saferunerr.Unauthorized
	case provider.ErrForbidden:
		kind = saferunerr.Forbidden
	case provider.ErrNotFound:
		kind = saferunerr.NotFound
	case provider.ErrConflict:
		kind = saferunerr.Conflict
	case provider.ErrRateLimit:
		kind = saferunerr.RateLimited
	case provider.ErrTransient:
		kind = saferunerr.BadGateway
	case provider.ErrOther:
		kind = saferunerr.BadGateway
	}
	return saferunerr.Wrap(kind, "provider request failed", pe)
}

// Reject implements approvals.py's reject handler: idempotent against an
// already-expired change, otherwise marks rejected.
func (e *Engine) Reject(ctx context.Context, changeID string) (*store.Change, error) {
	c, err := e.GetApproval(ctx, changeID)
	if err != nil {
		return nil, err
	}
	if c.Status == store.StatusExpired {
		return c, nil
	}
	if c.Status != store.StatusPending {
		return nil, saferunerr.New(saferunerr.Conflict, "change is not pending")
	}
	if err := e.Store.SetChangeStatus(ctx, changeID, store.StatusRejected); err != nil {
		return nil, err
	}
	c.Status = store.StatusRejected
	if err := e.Store.InsertAudit(ctx, changeID, "rejected", nil); err != nil {
		return nil, err
	}
	return c, nil
}

// Revert implements the dual-auth /revert/{change_id} handler: either the
// one-time revert token minted at execute-time, or an API key whose tenant
// owns the change.
func (e *Engine) Revert(ctx context.Context, changeID, token, apiKey string) (*store.Change, error) {
	c, err := e.Store.GetChange(ctx, changeID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, saferunerr.New(saferunerr.NotFound, "change not found")
	}

	switch {
	case token != "":
		ok, err := e.Store.VerifyAndConsumeToken(ctx, changeID, token)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, saferunerr.New(saferunerr.Unauthorized, "invalid or already-used revert token")
		}
	case apiKey != "":
		if c.APIKey == "" || c.APIKey != apiKey {
			// Anti-enumeration: a mismatched tenant sees NotFound, not Forbidden.
			return nil, saferunerr.New(saferunerr.NotFound, "change not found")
		}
	default:
		return nil, saferunerr.New(saferunerr.Unauthorized, "revert requires a token or an API key")
	}

	switch c.Status {
	case store.StatusReverted:
		return nil, saferunerr.New(saferunerr.Conflict, "change already reverted")
	case store.StatusExecuted, store.StatusApplied:
		// proceed
	default:
		return nil, saferunerr.New(saferunerr.Conflict, "change is not in a revertible state")
	}
	if c.RevertExpiresAt != nil && time.Now().UTC().After(*c.RevertExpiresAt) {
		return nil, saferunerr.New(saferunerr.Gone, "revert window has closed")
	}

	revertAction, _ := c.SummaryJSON["revert_action"].(map[string]any)
	if revertAction == nil {
		return nil, saferunerr.New(saferunerr.BadRequest, "change has no revert action recorded")
	}

	p, err := e.provider(c.Provider)
	if err != nil {
		return nil, err
	}
	target, err := provider.ParseTarget(c.TargetID)
	if err != nil {
		return nil, err
	}

	err = e.guardProvider(ctx, c.Provider, func(ctx context.Context) error {
		return e.dispatchRevert(ctx, p, target, c.Token, revertAction)
	})
	if err != nil {
		return nil, e.fail(ctx, c, err)
	}

	if err := e.Store.SetChangeStatus(ctx, changeID, store.StatusReverted); err != nil {
		return nil, err
	}
	c.Status = store.StatusReverted
	revertType, _ := revertAction["type"].(string)
	if err := e.Store.InsertAudit(ctx, changeID, "reverted", map[string]any{"revert_type": revertType}); err != nil {
		return nil, err
	}
	if e.Notifier != nil {
		e.Notifier.Publish(ctx, "reverted", c, map[string]any{"revert_type": revertType})
	}
	return c, nil
}

// dispatchRevert covers the ten revert_action shapes carried over from
// github_webhooks.py's revert endpoint. execute itself only records
// repository_unarchive and branch_restore; the force push and merge kinds
// come from webhook correlation, and the reactive-governance kinds
// (secrets, workflow files, branch protection, visibility) from uncorrelated
// webhook events.
func (e *Engine) dispatchRevert(ctx context.Context, p provider.Provider, target provider.Target, credential string, action map[string]any) error {
	str := func(k string) string { s, _ := action[k].(string); return s }
	boolean := func(k string) bool { b, _ := action[k].(bool); return b }

	switch str("type") {
	case "force_push_revert":
		_, err := p.ForcePush(ctx, target, credential, str("before_sha"))
		return err
	case "branch_restore":
		if str("sha") == "" {
			return saferunerr.New(saferunerr.BadRequest, "branch restore requires a captured sha")
		}
		return p.RestoreBranch(ctx, target, credential, str("sha"))
	case "merge_revert":
		_, err := p.RevertMergeCommit(ctx, target, credential, str("merge_commit_sha"))
		return err
	case "repository_unarchive":
		return p.Unarchive(ctx, target, credential)
	case "repository_archive":
		return p.Archive(ctx, target, credential)
	case "restore_secret", "delete_secret":
		// GitHub never returns a secret's previous plaintext; the only
		// honest "restore" is deleting what SafeRun observed being written.
		return p.DeleteSecret(ctx, target, credential, str("secret_name"))
	case "restore_workflow_file":
		content, sha := str("content"), str("sha")
		return p.UpdateWorkflowFile(ctx, target, credential, str("path"), content, sha, "Revert workflow changes via SafeRun")
	case "restore_branch_protection":
		settings, _ := action["settings"].(map[string]any)
		return p.UpdateBranchProtection(ctx, target, credential, settings)
	case "restore_visibility":
		return p.SetVisibility(ctx, target, credential, boolean("private"))
	default:
		return saferunerr.New(saferunerr.BadRequest, "unknown revert_action type: "+str("type"))
	}
}
