// Package risk implements C4: a pure function mapping a GitHub operation and
// its metadata to an additive risk score and an ordered list of reasons, per
// spec.md §4.4.
package risk

import (
	"strings"
	"time"
)

// OperationType is the explicit operation marker the change engine derives
// from the target kind, the caller-supplied reason text, or a webhook
// payload — never guessed from ambient API shape.
type OperationType string

const (
	OpDeleteRepo             OperationType = "delete_repo"
	OpForcePush              OperationType = "force_push"
	OpMerge                  OperationType = "merge"
	OpBranchDelete           OperationType = "branch_delete"
	OpRepoTransfer           OperationType = "repo_transfer"
	OpSecretCreateOrUpdate   OperationType = "secret_create_or_update"
	OpSecretDelete           OperationType = "secret_delete"
	OpWorkflowUpdate         OperationType = "workflow_update"
	OpBranchProtectionUpdate OperationType = "branch_protection_update"
	OpBranchProtectionDelete OperationType = "branch_protection_delete"
	OpVisibilityChange       OperationType = "visibility_change"
	OpArchive                OperationType = "archive"
)

// Input bundles everything the scoring table of spec.md §4.4 reads. Field
// ordering must never affect the score (spec.md §8 boundary behavior).
type Input struct {
	Operation       OperationType
	Object          string // "repository" | "branch" | "merge"
	Title           string
	IsDefault       bool // branch delete target is the default branch
	IsTargetDefault bool // merge target is the default branch
	LastEdit        time.Time
	SecretName      string
	WorkflowContent string
	Branch          string
	RequiredReviews int
	MakingPublic    bool // visibility change direction, only read when Operation == OpVisibilityChange
}

var titleKeywords = []string{"prod", "infra", "deploy"}
var criticalSecretKeywords = []string{"prod", "production", "aws", "database", "db", "api_key", "private_key"}
var criticalSecretDeleteKeywords = []string{"prod", "production", "aws", "database", "db"}
var suspiciousWorkflowPatterns = []string{"curl", "wget", "eval", "exec", "base64", "sh -c"}
var protectedBranchNames = map[string]bool{"main": true, "master": true, "prod": true, "production": true}

// Compute returns the raw additive score and its reasons in rule order.
// Callers normalize via Normalize before persisting (spec.md §4.4).
func Compute(in Input) (score float64, reasons []string) {
	switch {
	case in.Operation == OpDeleteRepo || in.Object == "repository":
		score += 8.0
		reasons = append(reasons, "github_irreversible_repo_deletion")

	case in.Operation == OpForcePush:
		score += 7.0
		reasons = append(reasons, "github_force_push_danger")

	case in.Object == "merge":
		if in.IsTargetDefault {
			score += 5.0
			reasons = append(reasons, "github_merge_to_main")
		} else {
			score += 2.0
			reasons = append(reasons, "github_merge_operation")
		}

	case in.Object == "branch" && in.IsDefault:
		score += 6.0
		reasons = append(reasons, "github_default_branch_deletion")

	case in.Operation == OpRepoTransfer:
		score += 10.0
		reasons = append(reasons, "github_repo_transfer_irreversible")

	case in.Operation == OpSecretCreateOrUpdate:
		score += 9.5
		reasons = append(reasons, "github_secret_cicd_access")
		if containsAny(strings.ToLower(in.SecretName), criticalSecretKeywords) {
			score += 0.5
			reasons = append(reasons, "github_secret_critical_name")
		}

	case in.Operation == OpSecretDelete:
		score += 9.0
		reasons = append(reasons, "github_secret_deletion")
		if containsAny(strings.ToLower(in.SecretName), criticalSecretDeleteKeywords) {
			score += 1.0
			reasons = append(reasons, "github_secret_critical_deletion")
		}

	case in.Operation == OpWorkflowUpdate:
		score += 9.0
		reasons = append(reasons, "github_workflow_code_execution")
		if containsAny(strings.ToLower(in.WorkflowContent), suspiciousWorkflowPatterns) {
			score += 1.0
			reasons = append(reasons, "github_workflow_suspicious_patterns")
		}

	case in.Operation == OpBranchProtectionUpdate:
		score += 8.5
		reasons = append(reasons, "github_branch_protection_weakening")
		if protectedBranchNames[strings.ToLower(in.Branch)] && in.RequiredReviews == 0 {
			score += 1.5
			reasons = append(reasons, "github_removing_reviews_main_branch")
		}

	case in.Operation == OpBranchProtectionDelete:
		score += 9.0
		reasons = append(reasons, "github_branch_protection_removal")
		if protectedBranchNames[strings.ToLower(in.Branch)] {
			score += 1.0
			reasons = append(reasons, "github_removing_protection_main_branch")
		}

	case in.Operation == OpVisibilityChange:
		if in.MakingPublic {
			score += 10.0
			reasons = append(reasons, "github_making_repo_public_permanent")
		} else {
			score += 5.0
			reasons = append(reasons, "github_making_repo_private")
		}
	}

	if in.Title != "" && containsAny(strings.ToLower(in.Title), titleKeywords) {
		score += 0.30
		reasons = append(reasons, "github_name_keywords")
	}
	if !in.LastEdit.IsZero() && time.Since(in.LastEdit) < 24*time.Hour {
		score += 0.20
		reasons = append(reasons, "github_recent_commit")
	}

	return score, reasons
}

// Normalize maps the raw additive score onto [0,1] for storage and the wire
// format; UI surfaces it ×10 (spec.md §4.4, §6).
func Normalize(raw float64) float64 {
	n := raw / 10
	if n > 1.0 {
		return 1.0
	}
	if n < 0 {
		return 0
	}
	return n
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
