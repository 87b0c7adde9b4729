package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const defaultGitHubAPIBase = "https://api.github.com"

// GitHub talks to the GitHub REST API over plain net/http, matching the
// teacher's own style of calling external HTTP surfaces directly rather than
// through a third-party SDK (see DESIGN.md's C3 entry for why no SDK is
// wired). It is stateless beyond its configured base URL and timeout.
type GitHub struct {
	APIBase   string
	UserAgent string
	Client    *http.Client
}

// NewGitHub builds a GitHub adapter with the given per-request timeout.
func NewGitHub(timeout time.Duration) *GitHub {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &GitHub{
		APIBase:   defaultGitHubAPIBase,
		UserAgent: "SafeRun/1.0",
		Client:    &http.Client{Timeout: timeout},
	}
}

func (g *GitHub) Name() string { return "github" }

func (g *GitHub) request(ctx context.Context, method, path, token string, body any) (map[string]any, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, &Error{Kind: ErrOther, Message: err.Error()}
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.APIBase+path, reader)
	if err != nil {
		return nil, &Error{Kind: ErrOther, Message: err.Error()}
	}
	if token == "" {
		return nil, &Error{Kind: ErrUnauthorized, Message: "GitHub token is required"}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", g.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.Client.Do(req)
	if err != nil {
		return nil, &Error{Kind: ErrTransient, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		if resp.Header.Get("X-RateLimit-Remaining") == "0" {
			resetAt := time.Time{}
			if s := resp.Header.Get("X-RateLimit-Reset"); s != "" {
				if epoch, convErr := strconv.ParseInt(s, 10, 64); convErr == nil {
					resetAt = time.Unix(epoch, 0)
				}
			}
			return nil, &Error{Kind: ErrRateLimit, Message: "GitHub API rate limit exceeded", ResetAt: resetAt}
		}
		kind := ErrOther
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			kind = ErrUnauthorized
		case http.StatusForbidden:
			kind = ErrForbidden
		case http.StatusNotFound:
			kind = ErrNotFound
		case http.StatusConflict:
			kind = ErrConflict
		case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable:
			kind = ErrTransient
		}
		return nil, &Error{Kind: kind, Message: fmt.Sprintf("GitHub API %d: %s", resp.StatusCode, string(raw))}
	}

	if len(raw) == 0 {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		var list []any
		if err2 := json.Unmarshal(raw, &list); err2 == nil {
			return map[string]any{"__list__": list}, nil
		}
		return nil, &Error{Kind: ErrOther, Message: "unexpected response shape"}
	}
	return out, nil
}

func (g *GitHub) getRepo(ctx context.Context, owner, repo, token string) (map[string]any, error) {
	data, err := g.request(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s", owner, repo), token, nil)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (g *GitHub) getBranch(ctx context.Context, owner, repo, branch, token string) (map[string]any, error) {
	return g.request(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s/branches/%s", owner, repo, branch), token, nil)
}

func (g *GitHub) listOpenPRsRaw(ctx context.Context, owner, repo, token string) ([]any, error) {
	out, err := g.request(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s/pulls?state=open&per_page=100", owner, repo), token, nil)
	if err != nil {
		return nil, err
	}
	list, _ := out["__list__"].([]any)
	return list, nil
}

func (g *GitHub) GetMetadata(ctx context.Context, target Target, credential string) (Metadata, error) {
	switch target.Kind {
	case KindBulk:
		prs, err := g.listOpenPRsRaw(ctx, target.Owner, target.Repo, credential)
		if err != nil {
			return Metadata{}, err
		}
		return Metadata{Object: "bulk_pr", OpenPRCount: len(prs)}, nil

	case KindMerge:
		repoData, err := g.getRepo(ctx, target.Owner, target.Repo, credential)
		if err != nil {
			return Metadata{}, err
		}
		return Metadata{
			Object:          "merge",
			IsTargetDefault: asString(repoData["default_branch"]) == target.Dest,
			DefaultBranch:   asString(repoData["default_branch"]),
		}, nil

	case KindBranch:
		repoData, err := g.getRepo(ctx, target.Owner, target.Repo, credential)
		if err != nil {
			return Metadata{}, err
		}
		branchData, err := g.getBranch(ctx, target.Owner, target.Repo, target.Branch, credential)
		if err != nil {
			return Metadata{}, err
		}
		commit, _ := branchData["commit"].(map[string]any)
		lastEdit := time.Time{}
		if commit != nil {
			if inner, ok := commit["commit"].(map[string]any); ok {
				if committer, ok := inner["committer"].(map[string]any); ok {
					if d, ok := committer["date"].(string); ok {
						if t, err := time.Parse(time.RFC3339, d); err == nil {
							lastEdit = t
						}
					}
				}
			}
		}
		return Metadata{
			Object:        "branch",
			Title:         target.Branch,
			IsDefault:     asString(repoData["default_branch"]) == target.Branch,
			LastEdit:      lastEdit,
			DefaultBranch: asString(repoData["default_branch"]),
		}, nil

	default: // KindRepo
		repoData, err := g.getRepo(ctx, target.Owner, target.Repo, credential)
		if err != nil {
			return Metadata{}, err
		}
		visibility := "public"
		if v, ok := repoData["private"].(bool); ok && v {
			visibility = "private"
		}
		return Metadata{
			Object:        "repository",
			Title:         asString(repoData["name"]),
			Archived:      boolOf(repoData["archived"]),
			Visibility:    visibility,
			DefaultBranch: asString(repoData["default_branch"]),
			LinkedCount:   intOf(repoData["open_issues_count"]),
		}, nil
	}
}

func (g *GitHub) Archive(ctx context.Context, target Target, credential string) error {
	_, err := g.request(ctx, http.MethodPatch, fmt.Sprintf("/repos/%s/%s", target.Owner, target.Repo), credential, map[string]any{"archived": true})
	return err
}

func (g *GitHub) Unarchive(ctx context.Context, target Target, credential string) error {
	_, err := g.request(ctx, http.MethodPatch, fmt.Sprintf("/repos/%s/%s", target.Owner, target.Repo), credential, map[string]any{"archived": false})
	return err
}

func (g *GitHub) DeleteRepository(ctx context.Context, target Target, credential string) error {
	_, err := g.request(ctx, http.MethodDelete, fmt.Sprintf("/repos/%s/%s", target.Owner, target.Repo), credential, nil)
	return err
}

func (g *GitHub) DeleteBranch(ctx context.Context, target Target, credential string) (string, error) {
	ref, err := g.request(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s/git/ref/heads/%s", target.Owner, target.Repo, target.Branch), credential, nil)
	if err != nil {
		return "", err
	}
	obj, _ := ref["object"].(map[string]any)
	sha := asString(obj["sha"])
	if sha == "" {
		return "", &Error{Kind: ErrOther, Message: "unable to resolve branch SHA"}
	}
	if _, err := g.request(ctx, http.MethodDelete, fmt.Sprintf("/repos/%s/%s/git/refs/heads/%s", target.Owner, target.Repo, target.Branch), credential, nil); err != nil {
		return "", err
	}
	return sha, nil
}

func (g *GitHub) RestoreBranch(ctx context.Context, target Target, credential, sha string) error {
	_, err := g.request(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/%s/git/refs", target.Owner, target.Repo), credential,
		map[string]any{"ref": "refs/heads/" + target.Branch, "sha": sha})
	if err != nil {
		if pe, ok := err.(*Error); ok && pe.Kind == ErrConflict {
			return nil // branch already exists — treat as success
		}
		return err
	}
	return nil
}

func (g *GitHub) ListOpenPRs(ctx context.Context, target Target, credential string) ([]int, error) {
	raw, err := g.listOpenPRsRaw(ctx, target.Owner, target.Repo, credential)
	if err != nil {
		return nil, err
	}
	nums := make([]int, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		nums = append(nums, intOf(m["number"]))
	}
	return nums, nil
}

func (g *GitHub) BulkClosePRs(ctx context.Context, target Target, credential string, prNumbers []int) ([]int, error) {
	if prNumbers == nil {
		var err error
		prNumbers, err = g.ListOpenPRs(ctx, target, credential)
		if err != nil {
			return nil, err
		}
	}
	for _, n := range prNumbers {
		if _, err := g.request(ctx, http.MethodPatch, fmt.Sprintf("/repos/%s/%s/pulls/%d", target.Owner, target.Repo, n), credential,
			map[string]any{"state": "closed"}); err != nil {
			return nil, err
		}
	}
	return prNumbers, nil
}

func (g *GitHub) BulkReopenPRs(ctx context.Context, target Target, credential string, prNumbers []int) error {
	for _, n := range prNumbers {
		if _, err := g.request(ctx, http.MethodPatch, fmt.Sprintf("/repos/%s/%s/pulls/%d", target.Owner, target.Repo, n), credential,
			map[string]any{"state": "open"}); err != nil {
			return err
		}
	}
	return nil
}

func (g *GitHub) ForcePush(ctx context.Context, target Target, credential, newSHA string) (string, error) {
	branchData, err := g.getBranch(ctx, target.Owner, target.Repo, target.Branch, credential)
	if err != nil {
		return "", err
	}
	commit, _ := branchData["commit"].(map[string]any)
	previousSHA := asString(commit["sha"])

	_, err = g.request(ctx, http.MethodPatch, fmt.Sprintf("/repos/%s/%s/git/refs/heads/%s", target.Owner, target.Repo, target.Branch), credential,
		map[string]any{"sha": newSHA, "force": true})
	if err != nil {
		return "", err
	}
	return previousSHA, nil
}

func (g *GitHub) Merge(ctx context.Context, target Target, credential, commitMessage string) (string, error) {
	payload := map[string]any{"base": target.Dest, "head": target.Source}
	if commitMessage != "" {
		payload["commit_message"] = commitMessage
	}
	result, err := g.request(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/%s/merges", target.Owner, target.Repo), credential, payload)
	if err != nil {
		return "", err
	}
	return asString(result["sha"]), nil
}

func (g *GitHub) RevertMergeCommit(ctx context.Context, target Target, credential, mergeCommitSHA string) (string, error) {
	commit, err := g.request(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s/commits/%s", target.Owner, target.Repo, mergeCommitSHA), credential, nil)
	if err != nil {
		return "", err
	}
	parents, _ := commit["parents"].([]any)
	if len(parents) == 0 {
		return "", &Error{Kind: ErrOther, Message: "merge commit has no parents to revert to"}
	}
	first, _ := parents[0].(map[string]any)
	preMergeSHA := asString(first["sha"])
	if preMergeSHA == "" {
		return "", &Error{Kind: ErrOther, Message: "unable to resolve pre-merge commit"}
	}

	_, err = g.request(ctx, http.MethodPatch, fmt.Sprintf("/repos/%s/%s/git/refs/heads/%s", target.Owner, target.Repo, target.Branch), credential,
		map[string]any{"sha": preMergeSHA, "force": true})
	if err != nil {
		return "", err
	}
	return preMergeSHA, nil
}

func (g *GitHub) DeleteSecret(ctx context.Context, target Target, credential, secretName string) error {
	_, err := g.request(ctx, http.MethodDelete, fmt.Sprintf("/repos/%s/%s/actions/secrets/%s", target.Owner, target.Repo, secretName), credential, nil)
	return err
}

func (g *GitHub) GetWorkflowFile(ctx context.Context, target Target, credential, path string) (string, string, error) {
	data, err := g.request(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s/contents/%s", target.Owner, target.Repo, path), credential, nil)
	if err != nil {
		return "", "", err
	}
	encoded := asString(data["content"])
	return encoded, asString(data["sha"]), nil
}

func (g *GitHub) UpdateWorkflowFile(ctx context.Context, target Target, credential, path, content, sha, message string) error {
	if message == "" {
		message = "Revert workflow changes via SafeRun"
	}
	payload := map[string]any{"message": message, "content": content}
	if sha != "" {
		payload["sha"] = sha
	}
	_, err := g.request(ctx, http.MethodPut, fmt.Sprintf("/repos/%s/%s/contents/%s", target.Owner, target.Repo, path), credential, payload)
	return err
}

func (g *GitHub) UpdateBranchProtection(ctx context.Context, target Target, credential string, settings map[string]any) error {
	_, err := g.request(ctx, http.MethodPut, fmt.Sprintf("/repos/%s/%s/branches/%s/protection", target.Owner, target.Repo, target.Branch), credential, settings)
	return err
}

func (g *GitHub) SetVisibility(ctx context.Context, target Target, credential string, private bool) error {
	_, err := g.request(ctx, http.MethodPatch, fmt.Sprintf("/repos/%s/%s", target.Owner, target.Repo), credential, map[string]any{"private": private})
	return err
}

func asString(v any) string {
	s, _ := v.(string)
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
