package skills

import (
	"log/slog"
	"net/http"
	"slices"
	"strings"
)

// BundleConfig selects and configures the bundled skills.
type BundleConfig struct {
	GitHubToken   string   `json:"githubToken" envconfig:"GITHUB_TOKEN"`
	GitHubAPIBase string   `json:"githubApiBase" envconfig:"GITHUB_API_BASE"`
	SlackBotToken string   `json:"slackBotToken" envconfig:"SLACK_BOT_TOKEN"`
	SlackAPIBase  string   `json:"slackApiBase" envconfig:"SLACK_API_BASE"`
	Disabled      []string `json:"disabled" envconfig:"DISABLED"`
}

// BundledSkill describes a skill shipped with cellagent.
type BundledSkill struct {
	Name           string
	DefaultEnabled bool
	// NeedsToken names the credential without which the skill stays off.
	NeedsToken string
}

// BundledCatalog is the baseline bundled skill set.
var BundledCatalog = []BundledSkill{
	{Name: "workspace", DefaultEnabled: true},
	{Name: "github", DefaultEnabled: true, NeedsToken: "githubToken"},
	{Name: "slack", DefaultEnabled: true, NeedsToken: "slackBotToken"},
}

// BundleDeps are the stores the bundles work against.
type BundleDeps struct {
	Workspace  WorkspaceStore
	Drafts     DraftStore
	HTTPClient *http.Client
}

// Enabled reports whether a bundled skill is switched on by cfg. workspace
// cannot be disabled.
func (cfg BundleConfig) Enabled(name string) bool {
	i := slices.IndexFunc(BundledCatalog, func(b BundledSkill) bool { return b.Name == name })
	if i < 0 {
		return false
	}
	if name == "workspace" {
		return true
	}
	if slices.ContainsFunc(cfg.Disabled, func(d string) bool { return strings.EqualFold(strings.TrimSpace(d), name) }) {
		return false
	}
	switch BundledCatalog[i].NeedsToken {
	case "githubToken":
		if strings.TrimSpace(cfg.GitHubToken) == "" {
			return false
		}
	case "slackBotToken":
		if strings.TrimSpace(cfg.SlackBotToken) == "" {
			return false
		}
	}
	return BundledCatalog[i].DefaultEnabled
}

// Bundled returns the enabled bundled skills.
func Bundled(cfg BundleConfig, deps BundleDeps) []Skill {
	var out []Skill
	for _, b := range BundledCatalog {
		if !cfg.Enabled(b.Name) {
			slog.Debug("Skill disabled", "name", b.Name, "needs", b.NeedsToken)
			continue
		}
		switch b.Name {
		case "workspace":
			out = append(out, Workspace(deps.Workspace))
		case "github":
			out = append(out, GitHub(NewGitHubClient(cfg.GitHubToken, cfg.GitHubAPIBase, deps.HTTPClient), deps.Drafts))
		case "slack":
			out = append(out, Slack(NewSlackClient(cfg.SlackBotToken, cfg.SlackAPIBase), deps.Drafts))
		}
	}
	return out
}
