// Package webhook implements C8: the GitHub App webhook surface that makes
// SafeRun's protection unconditional on how a change was made — CLI, the web
// UI, or a developer pushing straight to the API. Every event here describes
// something that has ALREADY happened; this package's only choices are
// whether to ignore it, correlate it against a change already tracked from
// an approval flow, or record it as a new reactively-governed change with a
// revert option.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/saferun/saferun/internal/change"
	"github.com/saferun/saferun/internal/store"
)

// correlationWindow mirrors github_webhooks.py's 5-minute lookback used to
// avoid double-notifying a merge/force-push the CLI already has an approval
// flow open for.
const correlationWindow = 5 * time.Minute

// Config holds the tunables an operator sets once at startup.
type Config struct {
	Secret string // HMAC key backing X-Hub-Signature-256

	// BotLogins are sender logins whose events are always ignored, since
	// they are SafeRun's own revert/approval actions echoing back as webhooks.
	BotLogins []string
}

func (c Config) isBotSender(login string) bool {
	logins := c.BotLogins
	if len(logins) == 0 {
		logins = []string{"saferun-ai[bot]", "SafeRun-AI[bot]"}
	}
	for _, l := range logins {
		if strings.EqualFold(l, login) {
			return true
		}
	}
	return false
}

// Ingress is C8's composition point: one instance per provider (GitHub
// first), wired against the same Store and Notifier the change engine uses
// so reactively-governed changes show up in the same approval/revert
// surfaces as CLI-initiated ones.
type Ingress struct {
	Store    store.Store
	Notifier change.Notifier
	Config   Config
	APIBaseURL string
}

// VerifySignature re-implements verify_webhook_signature's HMAC-SHA256 check
// over the raw request body — callers must pass the body exactly as received,
// before any JSON decoding.
func (in *Ingress) VerifySignature(body []byte, signatureHeader string) bool {
	if in.Config.Secret == "" || signatureHeader == "" {
		return false
	}
	const prefix = "sha256="
	if !strings.HasPrefix(signatureHeader, prefix) {
		return false
	}
	mac := hmac.New(sha256.New, []byte(in.Config.Secret))
	mac.Write(body)
	expected := prefix + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signatureHeader))
}

// InstallationResult is returned by HandleInstallation.
type InstallationResult struct {
	Status         string
	InstallationID string
}

// HandleInstallation implements the /webhooks/github/install events:
// installation created/deleted and repositories added/removed.
func (in *Ingress) HandleInstallation(ctx context.Context, payload map[string]any) (*InstallationResult, error) {
	action, _ := payload["action"].(string)
	installation, _ := payload["installation"].(map[string]any)
	installationID := fmt.Sprintf("%v", installation["id"])
	account, _ := installation["account"].(map[string]any)
	accountLogin, _ := account["login"].(string)

	switch action {
	case "created":
		repos := repoFullNames(payload["repositories"])
		inst := &store.ProviderInstallation{InstallationID: installationID, AccountLogin: accountLogin, Repositories: repos}
		if err := in.Store.UpsertProviderInstallation(ctx, inst); err != nil {
			return nil, err
		}
		return &InstallationResult{Status: "installation_created", InstallationID: installationID}, nil

	case "deleted":
		if err := in.Store.DeleteProviderInstallation(ctx, installationID); err != nil {
			return nil, err
		}
		return &InstallationResult{Status: "installation_deleted", InstallationID: installationID}, nil

	case "added", "removed":
		key := "repositories_added"
		if action == "removed" {
			key = "repositories_removed"
		}
		changed := repoFullNames(payload[key])
		if action == "added" {
			existing, err := in.Store.GetProviderInstallation(ctx, installationID)
			if err != nil {
				return nil, err
			}
			if existing != nil {
				existing.Repositories = unionStrings(existing.Repositories, changed)
				if err := in.Store.UpsertProviderInstallation(ctx, existing); err != nil {
					return nil, err
				}
			}
		}
		return &InstallationResult{Status: "repositories_" + action, InstallationID: installationID}, nil
	}

	return &InstallationResult{Status: "ok", InstallationID: installationID}, nil
}

func repoFullNames(v any) []string {
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, r := range list {
		m, _ := r.(map[string]any)
		if name, _ := m["full_name"].(string); name != "" {
			out = append(out, name)
		}
	}
	return out
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// EventResult is what HandleEvent returns; Status mirrors the original
// router's small vocabulary of outcomes so transport code can log or branch
// on it without parsing anything else.
type EventResult struct {
	Status   string
	Reason   string
	ChangeID string
}

// HandleEvent implements /webhooks/github/event: it is the Level 3
// protection path, intercepting every GitHub mutation regardless of how it
// was initiated.
func (in *Ingress) HandleEvent(ctx context.Context, eventType string, payload map[string]any) (*EventResult, error) {
	if eventType == "installation" || eventType == "installation_repositories" {
		res, err := in.HandleInstallation(ctx, payload)
		if err != nil {
			return nil, err
		}
		return &EventResult{Status: res.Status}, nil
	}

	repository, _ := payload["repository"].(map[string]any)
	repoFullName, _ := repository["full_name"].(string)
	if repoFullName == "" {
		repoFullName = "unknown/unknown"
	}
	sender, _ := payload["sender"].(map[string]any)
	senderLogin, _ := sender["login"].(string)

	if in.Config.isBotSender(senderLogin) {
		return &EventResult{Status: "ignored", Reason: "saferun_bot_operation"}, nil
	}

	if eventType == "push" {
		if res, handled, err := in.handleEmptyPush(ctx, payload, repoFullName); handled {
			return res, err
		}
	}

	score, reasons := calculateRiskScore(eventType, payload)
	actionType := deriveActionType(eventType, payload)
	revertAction := createRevertAction(eventType, payload)

	if eventType == "delete" && str(payload, "ref_type") == "branch" && revertAction != nil {
		in.fillDeletedBranchSHA(ctx, repoFullName, strings.TrimPrefix(str(payload, "ref"), "refs/heads/"), revertAction)
	}

	installationID := ""
	if installation, ok := payload["installation"].(map[string]any); ok {
		installationID = fmt.Sprintf("%v", installation["id"])
	}

	if actionType == "github_merge" || actionType == "github_force_push" {
		opPattern := "merge"
		if actionType == "github_force_push" {
			opPattern = "force_push"
		}
		if res, skip, err := in.correlate(ctx, repoFullName, opPattern, revertAction, installationID, payload); skip {
			return res, err
		}
	}

	changeID := uuid.NewString()

	apiKey := ""
	if installationID != "" {
		if inst, err := in.Store.GetProviderInstallation(ctx, installationID); err == nil && inst != nil {
			apiKey = inst.APIKey
		}
	}

	now := time.Now().UTC()
	branchName := str(payload, "ref")
	if eventType == "push" {
		branchName = strings.TrimPrefix(branchName, "refs/heads/")
	}

	summary := map[string]any{
		"operation_type":  actionType,
		"repo_name":       repoFullName,
		"branch_name":     branchName,
		"source":          "github_webhook",
		"event_type":      eventType,
		"sender":          senderLogin,
		"installation_id": installationID,
	}
	if revertAction != nil {
		summary["revert_action"] = revertAction
	}

	c := &store.Change{
		ChangeID:    changeID,
		Provider:    "github",
		TargetID:    repoFullName,
		Title:       humanTitle(actionType, repoFullName),
		Status:      store.StatusExecuted,
		RiskScore:   minFloat(score/10.0, 1.0),
		Reasons:     reasons,
		SummaryJSON: summary,
		CreatedAt:   now,
		ExpiresAt:   now.Add(2 * time.Hour),
		APIKey:      apiKey,
	}
	revertHours := 24
	revertExpires := now.Add(time.Duration(revertHours) * time.Hour)
	c.RevertWindowHours = &revertHours
	c.RevertExpiresAt = &revertExpires

	if err := in.Store.UpsertChange(ctx, c); err != nil {
		return nil, err
	}

	var approveToken string
	if revertAction != nil {
		revertToken, err := in.Store.CreateApprovalToken(ctx, changeID, store.TokenRevert, time.Duration(revertHours)*time.Hour)
		if err != nil {
			return nil, err
		}
		if err := in.Store.SetRevertToken(ctx, changeID, revertToken); err != nil {
			return nil, err
		}
		c.RevertToken = revertToken
		approveToken = revertToken
	}

	if err := in.Store.InsertAudit(ctx, changeID, "github_webhook_received", map[string]any{
		"event_type": eventType, "risk_score": score, "sender": senderLogin, "installation_id": installationID,
	}); err != nil {
		return nil, err
	}

	if in.Notifier != nil && apiKey != "" {
		event := "executed_with_revert"
		if score >= 7.0 {
			event = "executed_high_risk"
		}
		var revertURL string
		if approveToken != "" {
			revertURL = fmt.Sprintf("%s/webhooks/github/revert/%s?token=%s", in.APIBaseURL, changeID, approveToken)
		}
		in.Notifier.Publish(ctx, event, c, map[string]any{
			"revert_url": revertURL,
			"meta":       map[string]any{"source": "github_webhook", "event_type": eventType, "sender": senderLogin},
		})
	}

	return &EventResult{Status: "event_received", ChangeID: changeID}, nil
}

// handleEmptyPush mirrors the original's branch-creation-vs-delete-artifact
// split: GitHub sends a zero-commit push both when a branch is created and,
// separately, as an artifact of a branch delete. Only the former is worth a
// lightweight record, captured so a later delete can be restored to it.
func (in *Ingress) handleEmptyPush(ctx context.Context, payload map[string]any, repoFullName string) (*EventResult, bool, error) {
	commits, _ := payload["commits"].([]any)
	deleted := boolOf(payload["deleted"])
	if len(commits) > 0 || boolOf(payload["forced"]) {
		return nil, false, nil
	}
	if deleted {
		return &EventResult{Status: "ignored", Reason: "empty_push_event"}, true, nil
	}

	branchName := strings.TrimPrefix(str(payload, "ref"), "refs/heads/")
	headSHA := str(payload, "after")
	if branchName == "" || headSHA == "" || headSHA == strings.Repeat("0", 40) {
		return &EventResult{Status: "ignored", Reason: "branch_creation_event"}, true, nil
	}

	now := time.Now().UTC()
	c := &store.Change{
		ChangeID:  uuid.NewString(),
		Provider:  "github",
		TargetID:  repoFullName,
		Title:     "Branch Created: " + branchName,
		Status:    store.StatusExecuted,
		CreatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
		SummaryJSON: map[string]any{
			"operation_type":  "github_branch_create",
			"branch_name":     branchName,
			"source":          "github_webhook",
			"branch_head_sha": headSHA,
		},
	}
	if err := in.Store.UpsertChange(ctx, c); err != nil {
		return nil, true, err
	}
	return &EventResult{Status: "ignored", Reason: "branch_creation_event", ChangeID: c.ChangeID}, true, nil
}

// fillDeletedBranchSHA looks for a branch_head_sha captured by an earlier
// push to this branch within the last 30 days. It does not ask the provider:
// when no such record exists, revertAction is left without a sha.
func (in *Ingress) fillDeletedBranchSHA(ctx context.Context, repoFullName, branchName string, revertAction map[string]any) {
	rows, err := in.Store.RecentChanges(ctx, repoFullName, nil, time.Now().UTC().Add(-30*24*time.Hour), 25)
	if err != nil {
		return
	}
	for _, c := range rows {
		if bn, _ := c.SummaryJSON["branch_name"].(string); bn != branchName {
			continue
		}
		sha, _ := c.SummaryJSON["branch_head_sha"].(string)
		if sha == "" {
			continue
		}
		revertAction["sha"] = sha
		revertAction["before_sha"] = sha
		return
	}
}

// correlate checks for an in-flight CLI/API-initiated change on the same
// target within the correlation window so a webhook-observed merge/force-push
// never opens a second approval flow. If one already completed, the CLI
// record predates the webhook and so carries no revert_action of its own —
// this merges the revert descriptor, the payload's before/after SHAs, and
// the installation_id the webhook observed into that record before sending
// a completion notification, otherwise the matched change could never
// actually be reverted.
func (in *Ingress) correlate(ctx context.Context, repoFullName, opPattern string, revertAction map[string]any, installationID string, payload map[string]any) (*EventResult, bool, error) {
	since := time.Now().UTC().Add(-correlationWindow)

	pending, err := in.Store.RecentChanges(ctx, repoFullName, []store.Status{store.StatusPending}, since, 5)
	if err != nil {
		return nil, false, err
	}
	if m := matchOperation(pending, opPattern); m != nil {
		return &EventResult{Status: "skipped", Reason: "pending_operation", ChangeID: m.ChangeID}, true, nil
	}

	executed, err := in.Store.RecentChanges(ctx, repoFullName, []store.Status{store.StatusApproved, store.StatusExecuted}, since, 5)
	if err != nil {
		return nil, false, err
	}
	m := matchOperation(executed, opPattern)
	if m == nil {
		return nil, false, nil
	}

	if revertAction != nil {
		if m.SummaryJSON == nil {
			m.SummaryJSON = map[string]any{}
		}
		m.SummaryJSON["revert_action"] = revertAction
		payloadSummary, _ := m.SummaryJSON["payload"].(map[string]any)
		if payloadSummary == nil {
			payloadSummary = map[string]any{}
		}
		payloadSummary["before"] = payload["before"]
		payloadSummary["after"] = payload["after"]
		m.SummaryJSON["payload"] = payloadSummary
		if installationID != "" {
			m.SummaryJSON["installation_id"] = installationID
		}
		if err := in.Store.UpdateSummaryJSON(ctx, m.ChangeID, m.SummaryJSON); err != nil {
			return nil, false, err
		}
		if err := in.Store.SetChangeStatus(ctx, m.ChangeID, store.StatusExecuted); err != nil {
			return nil, false, err
		}
		m.Status = store.StatusExecuted
	}

	if in.Notifier != nil && m.APIKey != "" {
		in.Notifier.Publish(ctx, "executed_with_revert", m, nil)
	}
	return &EventResult{Status: "completion_notification_sent", ChangeID: m.ChangeID}, true, nil
}

func matchOperation(changes []*store.Change, opPattern string) *store.Change {
	for _, c := range changes {
		op, _ := c.SummaryJSON["operation_type"].(string)
		if strings.Contains(op, opPattern) {
			return c
		}
	}
	return nil
}

// calculateRiskScore mirrors calculate_github_risk_score's event-shaped
// scoring — deliberately distinct from internal/risk's metadata-driven
// formula, since a webhook payload describes a completed mutation rather
// than a proposed one.
func calculateRiskScore(eventType string, payload map[string]any) (float64, []string) {
	var score float64
	var reasons []string

	switch eventType {
	case "push":
		if boolOf(payload["forced"]) {
			score += 7.0
			reasons = append(reasons, "github_force_push")
			ref := str(payload, "ref")
			if strings.Contains(ref, "main") || strings.Contains(ref, "master") {
				score += 2.0
				reasons = append(reasons, "github_force_push_to_main")
			}
		}
		if commits, _ := payload["commits"].([]any); len(commits) > 10 {
			score += 0.5
			reasons = append(reasons, "github_large_push")
		}

	case "delete":
		refType := str(payload, "ref_type")
		ref := str(payload, "ref")
		switch refType {
		case "branch":
			score += 4.0
			reasons = append(reasons, "github_branch_delete")
			if strings.Contains(ref, "main") || strings.Contains(ref, "master") {
				score += 4.0
				reasons = append(reasons, "github_delete_main_branch")
			}
		case "tag":
			score += 3.0
			reasons = append(reasons, "github_tag_delete")
		}

	case "pull_request":
		pr, _ := payload["pull_request"].(map[string]any)
		if str(payload, "action") == "closed" && boolOf(pr["merged"]) {
			base, _ := pr["base"].(map[string]any)
			baseBranch, _ := base["ref"].(string)
			if strings.Contains(baseBranch, "main") || strings.Contains(baseBranch, "master") {
				score += 5.0
				reasons = append(reasons, "github_merge_to_main")
				if intOf(pr["review_comments"]) == 0 {
					score += 1.0
					reasons = append(reasons, "github_merge_without_review")
				}
			} else {
				score += 2.0
				reasons = append(reasons, "github_merge")
			}
		}

	case "repository":
		switch str(payload, "action") {
		case "archived":
			score += 8.0
			reasons = append(reasons, "github_repository_archived")
		case "deleted":
			score += 10.0
			reasons = append(reasons, "github_repository_deleted")
		}
	}

	if score > 10.0 {
		score = 10.0
	}
	return score, reasons
}

func deriveActionType(eventType string, payload map[string]any) string {
	switch {
	case boolOf(payload["forced"]):
		return "github_force_push"
	case eventType == "delete":
		refType := str(payload, "ref_type")
		if refType == "" {
			refType = "unknown"
		}
		return "github_delete_" + refType
	case eventType == "pull_request":
		pr, _ := payload["pull_request"].(map[string]any)
		if str(payload, "action") == "closed" && boolOf(pr["merged"]) {
			return "github_merge"
		}
	}
	return "github_" + eventType
}

// createRevertAction mirrors create_revert_action: it produces the
// descriptor the change engine's dispatchRevert understands, or nil when the
// event has no honest revert (a repository delete is permanent).
func createRevertAction(eventType string, payload map[string]any) map[string]any {
	repository, _ := payload["repository"].(map[string]any)
	owner, _ := repository["owner"].(map[string]any)
	ownerLogin, _ := owner["login"].(string)
	repoName, _ := repository["name"].(string)

	switch {
	case eventType == "push" && boolOf(payload["forced"]):
		return map[string]any{
			"type":       "force_push_revert",
			"owner":      ownerLogin,
			"repo":       repoName,
			"branch":     strings.TrimPrefix(str(payload, "ref"), "refs/heads/"),
			"before_sha": str(payload, "before"),
			"after_sha":  str(payload, "after"),
		}

	case eventType == "delete" && str(payload, "ref_type") == "branch":
		return map[string]any{
			"type":   "branch_restore",
			"owner":  ownerLogin,
			"repo":   repoName,
			"branch": strings.TrimPrefix(str(payload, "ref"), "refs/heads/"),
			"sha":    "",
		}

	case eventType == "pull_request":
		pr, _ := payload["pull_request"].(map[string]any)
		if str(payload, "action") == "closed" && boolOf(pr["merged"]) {
			base, _ := pr["base"].(map[string]any)
			baseRef, _ := base["ref"].(string)
			return map[string]any{
				"type":             "merge_revert",
				"owner":            ownerLogin,
				"repo":             repoName,
				"branch":           baseRef,
				"merge_commit_sha": str(pr, "merge_commit_sha"),
			}
		}

	case eventType == "repository":
		switch str(payload, "action") {
		case "archived":
			return map[string]any{"type": "repository_unarchive", "owner": ownerLogin, "repo": repoName}
		case "deleted":
			return nil
		}
	}
	return nil
}

func humanTitle(actionType, repoFullName string) string {
	words := strings.Split(strings.TrimPrefix(actionType, "github_"), "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ") + " - " + repoFullName
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func boolOf(v any) bool {
	b, _ := v.(bool)
	return b
}

func intOf(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
