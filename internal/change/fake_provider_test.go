package change

import (
	"context"

	"github.com/saferun/saferun/internal/provider"
)

// fakeProvider is a scriptable provider.Provider for engine tests.
type fakeProvider struct {
	metadata provider.Metadata

	archived    bool
	unarchived  bool
	deletedSHA  string
	restoredTo  string
	repoDeleted bool

	archiveErr error
	deleteErr  error
}

func (f *fakeProvider) Name() string { return "github" }

func (f *fakeProvider) GetMetadata(ctx context.Context, target provider.Target, credential string) (provider.Metadata, error) {
	return f.metadata, nil
}

func (f *fakeProvider) Archive(ctx context.Context, target provider.Target, credential string) error {
	if f.archiveErr != nil {
		return f.archiveErr
	}
	f.archived = true
	return nil
}

func (f *fakeProvider) Unarchive(ctx context.Context, target provider.Target, credential string) error {
	f.unarchived = true
	return nil
}

func (f *fakeProvider) DeleteRepository(ctx context.Context, target provider.Target, credential string) error {
	f.repoDeleted = true
	return nil
}

func (f *fakeProvider) DeleteBranch(ctx context.Context, target provider.Target, credential string) (string, error) {
	if f.deleteErr != nil {
		return "", f.deleteErr
	}
	f.deletedSHA = "sha-before-delete"
	return f.deletedSHA, nil
}

func (f *fakeProvider) RestoreBranch(ctx context.Context, target provider.Target, credential, sha string) error {
	f.restoredTo = sha
	return nil
}

func (f *fakeProvider) BulkClosePRs(ctx context.Context, target provider.Target, credential string, prNumbers []int) ([]int, error) {
	return prNumbers, nil
}
func (f *fakeProvider) BulkReopenPRs(ctx context.Context, target provider.Target, credential string, prNumbers []int) error {
	return nil
}
func (f *fakeProvider) ListOpenPRs(ctx context.Context, target provider.Target, credential string) ([]int, error) {
	return nil, nil
}

func (f *fakeProvider) ForcePush(ctx context.Context, target provider.Target, credential, newSHA string) (string, error) {
	return "previous-sha", nil
}

func (f *fakeProvider) Merge(ctx context.Context, target provider.Target, credential, commitMessage string) (string, error) {
	return "merge-sha", nil
}

func (f *fakeProvider) RevertMergeCommit(ctx context.Context, target provider.Target, credential, mergeCommitSHA string) (string, error) {
	return "pre-merge-sha", nil
}

func (f *fakeProvider) DeleteSecret(ctx context.Context, target provider.Target, credential, secretName string) error {
	return nil
}
func (f *fakeProvider) GetWorkflowFile(ctx context.Context, target provider.Target, credential, path string) (string, string, error) {
	return "", "", nil
}
func (f *fakeProvider) UpdateWorkflowFile(ctx context.Context, target provider.Target, credential, path, content, sha, message string) error {
	return nil
}
func (f *fakeProvider) UpdateBranchProtection(ctx context.Context, target provider.Target, credential string, settings map[string]any) error {
	return nil
}
func (f *fakeProvider) SetVisibility(ctx context.Context, target provider.Target, credential string, private bool) error {
	return nil
}
