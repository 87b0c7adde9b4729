// Package provider defines the uniform metadata/mutate/revert contract
// against a remote system (GitHub first) and the target-id grammar shared
// by every provider.
package provider

import (
	"context"
	"strings"
	"time"

	"github.com/saferun/saferun/internal/saferunerr"
)

// TargetKind enumerates the shapes a target_id can take. Unsupported
// operations are compile-time-visible absences — there is no runtime
// attribute lookup across kinds.
type TargetKind string

const (
	KindRepo   TargetKind = "repo"
	KindBranch TargetKind = "branch"
	KindMerge  TargetKind = "merge"
	KindBulk   TargetKind = "bulk"
)

// Target is the parsed form of a target_id string.
type Target struct {
	Kind   TargetKind
	Owner  string
	Repo   string
	Branch string // KindBranch
	Source string // KindMerge
	Dest   string // KindMerge
	View   string // KindBulk

	Raw string
}

// ParseTarget implements the grammar from spec.md §6:
// "owner/repo" · "owner/repo#branch" · "owner/repo#source→target" · "owner/repo@view".
func ParseTarget(targetID string) (Target, error) {
	if targetID == "" {
		return Target{}, saferunerr.Field("target_id", "target_id must not be empty")
	}

	if idx := strings.Index(targetID, "@"); idx >= 0 {
		ownerRepo, view := targetID[:idx], targetID[idx+1:]
		owner, repo, err := splitOwnerRepo(ownerRepo)
		if err != nil {
			return Target{}, err
		}
		if view == "" {
			return Target{}, saferunerr.Field("target_id", "bulk view must not be empty")
		}
		return Target{Kind: KindBulk, Owner: owner, Repo: repo, View: view, Raw: targetID}, nil
	}

	if idx := strings.Index(targetID, "#"); idx >= 0 {
		ownerRepo, ref := targetID[:idx], targetID[idx+1:]
		owner, repo, err := splitOwnerRepo(ownerRepo)
		if err != nil {
			return Target{}, err
		}
		if ref == "" {
			return Target{}, saferunerr.Field("target_id", "branch/merge ref must not be empty")
		}
		if mi := strings.Index(ref, "→"); mi >= 0 {
			source, dest := ref[:mi], ref[mi+len("→"):]
			if source == "" || dest == "" {
				return Target{}, saferunerr.Field("target_id", "merge requires source→target")
			}
			return Target{Kind: KindMerge, Owner: owner, Repo: repo, Source: source, Dest: dest, Raw: targetID}, nil
		}
		return Target{Kind: KindBranch, Owner: owner, Repo: repo, Branch: ref, Raw: targetID}, nil
	}

	owner, repo, err := splitOwnerRepo(targetID)
	if err != nil {
		return Target{}, err
	}
	return Target{Kind: KindRepo, Owner: owner, Repo: repo, Raw: targetID}, nil
}

func splitOwnerRepo(s string) (owner, repo string, err error) {
	idx := strings.Index(s, "/")
	if idx <= 0 || idx == len(s)-1 {
		return "", "", saferunerr.Field("target_id", "expected owner/repo")
	}
	return s[:idx], s[idx+1:], nil
}

// Metadata is the normalized set of fields risk scoring and preview
// generation read from (spec.md §4.3, §4.4).
type Metadata struct {
	Object           string // "repository" | "branch" | "merge" | "bulk_pr"
	Title            string
	IsDefault        bool
	IsTargetDefault  bool
	LastEdit         time.Time
	LinkedCount      int
	OpenPRCount      int // bulk targets only, supplements §4.6 step 1
	Archived         bool
	Visibility       string
	DefaultBranch    string
	Extra            map[string]any
}

// RevertHandle carries whatever the mutator captured to make the operation
// reversible. It is provider- and operation-specific; the change engine
// stores it verbatim into summary_json / revert_token.
type RevertHandle struct {
	Kind string // "branch_restore" | "force_push_revert" | "merge_revert" | "bulk_reopen" | "repository_toggle"
	Data map[string]any
}

// ErrKind is the typed-error taxonomy an adapter's upstream calls surface,
// per spec.md §4.3.
type ErrKind string

const (
	ErrRateLimit    ErrKind = "rate_limit"
	ErrUnauthorized ErrKind = "unauthorized"
	ErrForbidden    ErrKind = "forbidden"
	ErrNotFound     ErrKind = "not_found"
	ErrConflict     ErrKind = "conflict"
	ErrTransient    ErrKind = "transient"
	ErrOther        ErrKind = "other"
)

// Error wraps an upstream provider failure with its taxonomy kind.
type Error struct {
	Kind    ErrKind
	Message string
	ResetAt time.Time // populated for ErrRateLimit
}

func (e *Error) Error() string { return e.Message }

// Provider is the capability surface every backend must implement. One
// instance per provider is adequate; it is stateless beyond its credentials.
type Provider interface {
	Name() string

	GetMetadata(ctx context.Context, target Target, credential string) (Metadata, error)

	Archive(ctx context.Context, target Target, credential string) error
	Unarchive(ctx context.Context, target Target, credential string) error
	DeleteRepository(ctx context.Context, target Target, credential string) error

	DeleteBranch(ctx context.Context, target Target, credential string) (sha string, err error)
	RestoreBranch(ctx context.Context, target Target, credential, sha string) error

	BulkClosePRs(ctx context.Context, target Target, credential string, prNumbers []int) ([]int, error)
	BulkReopenPRs(ctx context.Context, target Target, credential string, prNumbers []int) error
	ListOpenPRs(ctx context.Context, target Target, credential string) ([]int, error)

	ForcePush(ctx context.Context, target Target, credential, newSHA string) (previousSHA string, err error)
	Merge(ctx context.Context, target Target, credential, commitMessage string) (mergeSHA string, err error)

	// RevertMergeCommit undoes a merge by force-resetting the branch ref to
	// the merge commit's first parent and returns that parent's SHA. It does
	// not create a counter-commit: the merge commit, and any commit pushed
	// after it, are no longer reachable from the branch.
	RevertMergeCommit(ctx context.Context, target Target, credential, mergeCommitSHA string) (revertSHA string, err error)

	// The remainder support the reactive-governance operations detected from
	// uncorrelated webhook events (spec.md §4.8 supplement): secrets,
	// workflow files, branch protection, and visibility. Their revert is
	// best-effort — GitHub never returns a secret's previous plaintext, so
	// "restoring" a secret can only delete what was written.
	DeleteSecret(ctx context.Context, target Target, credential, secretName string) error
	GetWorkflowFile(ctx context.Context, target Target, credential, path string) (content, sha string, err error)
	UpdateWorkflowFile(ctx context.Context, target Target, credential, path, content, sha, message string) error
	UpdateBranchProtection(ctx context.Context, target Target, credential string, settings map[string]any) error
	SetVisibility(ctx context.Context, target Target, credential string, private bool) error
}
