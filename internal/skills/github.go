package skills

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cellagent/cellagent/internal/store"
	"github.com/cellagent/cellagent/internal/tools"
)

// DraftTypeGitHubIssue is the draft type staged by github_create_issue.
const DraftTypeGitHubIssue = "github_issue"

// DraftStore stages external actions for approval.
type DraftStore interface {
	CreateDraft(ctx context.Context, userID, cellID, draftType string, content map[string]any) (*store.Draft, error)
	CreateTask(ctx context.Context, t *store.Task) error
	LogAgentRun(ctx context.Context, r *store.AgentRun) error
}

// GitHubClient is a minimal GitHub REST client.
type GitHubClient struct {
	token      string
	apiBase    string
	httpClient *http.Client
}

// NewGitHubClient creates a client. An empty apiBase means api.github.com.
func NewGitHubClient(token, apiBase string, hc *http.Client) *GitHubClient {
	if apiBase == "" {
		apiBase = "https://api.github.com"
	}
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &GitHubClient{token: token, apiBase: strings.TrimSuffix(apiBase, "/"), httpClient: hc}
}

// Issue is the subset of a GitHub issue the tools expose.
type Issue struct {
	Number    int      `json:"number"`
	Title     string   `json:"title"`
	Body      string   `json:"body,omitempty"`
	State     string   `json:"state"`
	Labels    []string `json:"labels,omitempty"`
	Assignee  string   `json:"assignee,omitempty"`
	CreatedAt string   `json:"created"`
	HTMLURL   string   `json:"url"`
}

type apiIssue struct {
	Number    int    `json:"number"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	State     string `json:"state"`
	HTMLURL   string `json:"html_url"`
	CreatedAt string `json:"created_at"`
	Labels    []struct {
		Name string `json:"name"`
	} `json:"labels"`
	Assignee *struct {
		Login string `json:"login"`
	} `json:"assignee"`
	PullRequest json.RawMessage `json:"pull_request"`
}

func (a apiIssue) issue() Issue {
	out := Issue{Number: a.Number, Title: a.Title, Body: a.Body, State: a.State, HTMLURL: a.HTMLURL, CreatedAt: a.CreatedAt}
	for _, l := range a.Labels {
		out.Labels = append(out.Labels, l.Name)
	}
	if a.Assignee != nil {
		out.Assignee = a.Assignee.Login
	}
	return out
}

// ListIssues returns issues of a repository, without pull requests.
func (c *GitHubClient) ListIssues(ctx context.Context, owner, repo, state string, perPage int) ([]Issue, error) {
	if state == "" {
		state = "open"
	}
	if perPage <= 0 {
		perPage = 20
	}
	q := url.Values{"state": {state}, "per_page": {fmt.Sprint(perPage)}}
	var raw []apiIssue
	if err := c.do(ctx, http.MethodGet, repoPath(owner, repo)+"/issues?"+q.Encode(), nil, &raw); err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	out := make([]Issue, 0, len(raw))
	for _, r := range raw {
		if len(r.PullRequest) > 0 && string(r.PullRequest) != "null" {
			continue
		}
		out = append(out, r.issue())
	}
	return out, nil
}

// GetIssue returns one issue.
func (c *GitHubClient) GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error) {
	var raw apiIssue
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/issues/%d", repoPath(owner, repo), number), nil, &raw); err != nil {
		return nil, fmt.Errorf("get issue: %w", err)
	}
	issue := raw.issue()
	return &issue, nil
}

// CreateIssue opens an issue.
func (c *GitHubClient) CreateIssue(ctx context.Context, owner, repo, title, body string, labels []string) (*Issue, error) {
	payload := map[string]any{"title": title}
	if body != "" {
		payload["body"] = body
	}
	if len(labels) > 0 {
		payload["labels"] = labels
	}
	var raw apiIssue
	if err := c.do(ctx, http.MethodPost, repoPath(owner, repo)+"/issues", payload, &raw); err != nil {
		return nil, fmt.Errorf("create issue: %w", err)
	}
	issue := raw.issue()
	return &issue, nil
}

func repoPath(owner, repo string) string {
	return "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo)
}

func (c *GitHubClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("GitHub API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// GitHub is the github bundle. Reads go straight to the API; creating an
// issue stages a draft and a human task, and the issue is opened only when
// that task is approved.
func GitHub(client *GitHubClient, drafts DraftStore) Skill {
	return Skill{
		Name:        "github",
		Version:     "1.0.0",
		Description: "GitHub integration: issues with draft-first creation",
		Triggers:    []string{"github", "repo", "issue", "pull request", "PR", "commit", "branch"},
		Register: func(r *tools.Registry) {
			repoProps := func(extra map[string]any) map[string]any {
				props := map[string]any{
					"owner": map[string]any{"type": "string", "description": "Repository owner"},
					"repo":  map[string]any{"type": "string", "description": "Repository name"},
				}
				for k, v := range extra {
					props[k] = v
				}
				return props
			}

			r.RegisterFunc("github_list_issues",
				"List issues in a repository. Can filter by state.",
				map[string]any{
					"type": "object",
					"properties": repoProps(map[string]any{
						"state":    map[string]any{"type": "string", "enum": []string{"open", "closed", "all"}},
						"per_page": map[string]any{"type": "integer"},
					}),
					"required": []string{"owner", "repo"},
				},
				func(ctx context.Context, _ tools.ExecContext, params map[string]any) (any, error) {
					owner, repo, err := ownerRepo(params)
					if err != nil {
						return nil, err
					}
					issues, err := client.ListIssues(ctx, owner, repo, tools.GetString(params, "state", "open"), tools.GetInt(params, "per_page", 20))
					if err != nil {
						return nil, err
					}
					return map[string]any{"issues": issues}, nil
				})

			r.RegisterFunc("github_get_issue",
				"Get one issue with its body.",
				map[string]any{
					"type":       "object",
					"properties": repoProps(map[string]any{"issue_number": map[string]any{"type": "integer"}}),
					"required":   []string{"owner", "repo", "issue_number"},
				},
				func(ctx context.Context, _ tools.ExecContext, params map[string]any) (any, error) {
					owner, repo, err := ownerRepo(params)
					if err != nil {
						return nil, err
					}
					n := tools.GetInt(params, "issue_number", 0)
					if n <= 0 {
						return nil, fmt.Errorf("issue_number is required")
					}
					issue, err := client.GetIssue(ctx, owner, repo, n)
					if err != nil {
						return nil, err
					}
					return map[string]any{"number": issue.Number, "title": issue.Title, "body": issue.Body,
						"state": issue.State, "labels": issue.Labels, "url": issue.HTMLURL}, nil
				})

			r.RegisterFunc("github_create_issue",
				"Propose a new issue. The issue is staged as a draft and opened after the user approves it.",
				map[string]any{
					"type": "object",
					"properties": repoProps(map[string]any{
						"title":  map[string]any{"type": "string"},
						"body":   map[string]any{"type": "string"},
						"labels": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					}),
					"required": []string{"owner", "repo", "title"},
				},
				func(ctx context.Context, ec tools.ExecContext, params map[string]any) (any, error) {
					owner, repo, err := ownerRepo(params)
					if err != nil {
						return nil, err
					}
					title := tools.GetString(params, "title", "")
					if strings.TrimSpace(title) == "" {
						return nil, fmt.Errorf("title is required")
					}
					content := map[string]any{
						"owner":  owner,
						"repo":   repo,
						"title":  title,
						"body":   tools.GetString(params, "body", ""),
						"labels": stringList(params["labels"]),
					}
					return stageDraft(ctx, drafts, ec, DraftTypeGitHubIssue, content,
						fmt.Sprintf("Open GitHub issue in %s/%s: %s", owner, repo, title),
						"Opening an issue publishes content on GitHub")
				})
		},
		Publishers: map[string]PublishFunc{
			DraftTypeGitHubIssue: func(ctx context.Context, d *store.Draft) (map[string]any, error) {
				owner, _ := d.Content["owner"].(string)
				repo, _ := d.Content["repo"].(string)
				title, _ := d.Content["title"].(string)
				body, _ := d.Content["body"].(string)
				issue, err := client.CreateIssue(ctx, owner, repo, title, body, stringList(d.Content["labels"]))
				if err != nil {
					return nil, err
				}
				return map[string]any{"number": issue.Number, "url": issue.HTMLURL}, nil
			},
		},
	}
}

// stageDraft creates a draft plus the human task that approves it.
func stageDraft(ctx context.Context, drafts DraftStore, ec tools.ExecContext, draftType string, content map[string]any, title, why string) (any, error) {
	d, err := drafts.CreateDraft(ctx, ec.UserID, ec.CellID, draftType, content)
	if err != nil {
		return nil, err
	}
	task := &store.Task{
		UserID:         ec.UserID,
		CellID:         ec.CellID,
		ConversationID: ec.ConversationID,
		Title:          title,
		Executor:       store.ExecutorHuman,
		Status:         store.TaskAwaitingUserAction,
		ActionContext:  map[string]any{"draftId": d.ID},
		WhyHuman:       why,
	}
	if err := drafts.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	_ = drafts.LogAgentRun(ctx, &store.AgentRun{UserID: ec.UserID, CellID: ec.CellID, Action: store.ActionDraftCreated,
		Details: map[string]any{"draftId": d.ID, "draftType": draftType, "taskId": task.ID}})
	return map[string]any{
		"draft":  map[string]any{"id": d.ID, "draftType": draftType, "status": d.Status},
		"task":   map[string]any{"id": task.ID, "status": task.Status},
		"status": "awaiting approval",
	}, nil
}

func ownerRepo(params map[string]any) (string, string, error) {
	owner := strings.TrimSpace(tools.GetString(params, "owner", ""))
	repo := strings.TrimSpace(tools.GetString(params, "repo", ""))
	if owner == "" || repo == "" {
		return "", "", fmt.Errorf("owner and repo are required")
	}
	return owner, repo, nil
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
