package events

import (
	"encoding/json"
	"fmt"
	"strings"
)

type ghRepo struct {
	FullName string `json:"full_name"`
}

type ghUser struct {
	Login string `json:"login"`
}

type ghCommit struct {
	Message string `json:"message"`
}

type ghIssue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	User   ghUser `json:"user"`
}

type ghComment struct {
	Body string `json:"body"`
	User ghUser `json:"user"`
}

type ghWorkflowRun struct {
	Name       string `json:"name"`
	Conclusion string `json:"conclusion"`
	HeadBranch string `json:"head_branch"`
}

type ghPayload struct {
	Action      string         `json:"action"`
	Ref         string         `json:"ref"`
	Repository  ghRepo         `json:"repository"`
	Commits     []ghCommit     `json:"commits"`
	PullRequest *ghIssue       `json:"pull_request"`
	Issue       *ghIssue       `json:"issue"`
	Comment     *ghComment     `json:"comment"`
	WorkflowRun *ghWorkflowRun `json:"workflow_run"`
}

const maxCommentChars = 200

// GitHubEventContent renders a webhook payload as a short line for the agent.
// ok is false for events the agent does not react to or malformed payloads.
func GitHubEventContent(event string, payload json.RawMessage) (content, repo string, ok bool) {
	var p ghPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", "", false
	}
	repo = p.Repository.FullName
	if repo == "" {
		repo = "unknown"
	}

	switch event {
	case "push":
		branch := strings.TrimPrefix(p.Ref, "refs/heads/")
		latest := ""
		if n := len(p.Commits); n > 0 {
			latest = p.Commits[n-1].Message
		}
		content = fmt.Sprintf("New push to %s/%s: %d commit(s). Latest: %q", repo, branch, len(p.Commits), latest)
	case "pull_request":
		if p.PullRequest == nil {
			return "", "", false
		}
		content = fmt.Sprintf("PR %s: #%d %q by %s in %s", p.Action, p.PullRequest.Number, p.PullRequest.Title, p.PullRequest.User.Login, repo)
	case "issues":
		if p.Issue == nil {
			return "", "", false
		}
		content = fmt.Sprintf("Issue %s: #%d %q in %s", p.Action, p.Issue.Number, p.Issue.Title, repo)
	case "issue_comment":
		if p.Issue == nil || p.Comment == nil {
			return "", "", false
		}
		body := p.Comment.Body
		if r := []rune(body); len(r) > maxCommentChars {
			body = string(r[:maxCommentChars])
		}
		content = fmt.Sprintf("Comment on #%d %q by %s: %q", p.Issue.Number, p.Issue.Title, p.Comment.User.Login, body)
	case "workflow_run":
		if p.WorkflowRun == nil {
			return "", "", false
		}
		content = fmt.Sprintf("Workflow %q %s on %s/%s", p.WorkflowRun.Name, p.WorkflowRun.Conclusion, repo, p.WorkflowRun.HeadBranch)
	default:
		return "", "", false
	}
	return content, repo, true
}
