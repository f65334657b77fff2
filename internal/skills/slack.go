package skills

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"github.com/cellagent/cellagent/internal/store"
	"github.com/cellagent/cellagent/internal/tools"
)

// DraftTypeSlackMessage is the draft type staged by slack_post_message.
const DraftTypeSlackMessage = "slack_message"

// SlackAPI is the part of *slack.Client the bundle uses.
type SlackAPI interface {
	GetConversationsContext(ctx context.Context, params *slack.GetConversationsParameters) ([]slack.Channel, string, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// NewSlackClient builds a slack-go client. An empty apiBase means slack.com.
func NewSlackClient(token, apiBase string) *slack.Client {
	base := strings.TrimSpace(apiBase)
	if base == "" {
		base = "https://slack.com/api"
	}
	base = strings.TrimRight(base, "/") + "/"
	return slack.New(token, slack.OptionAPIURL(base))
}

// Slack is the slack bundle. Posting goes through a draft like GitHub writes.
func Slack(api SlackAPI, drafts DraftStore) Skill {
	return Skill{
		Name:        "slack",
		Version:     "1.0.0",
		Description: "Slack integration: list channels and post messages after approval",
		Triggers:    []string{"slack", "channel", "post to"},
		Register: func(r *tools.Registry) {
			r.RegisterFunc("slack_list_channels", "List Slack channels the bot can see.", nil,
				func(ctx context.Context, _ tools.ExecContext, _ map[string]any) (any, error) {
					channels, err := listSlackChannels(ctx, api)
					if err != nil {
						return nil, err
					}
					return map[string]any{"channels": channels}, nil
				})

			r.RegisterFunc("slack_post_message",
				"Propose a Slack message. It is posted after the user approves it.",
				map[string]any{
					"type": "object",
					"properties": map[string]any{
						"channel":   map[string]any{"type": "string", "description": "Channel id"},
						"text":      map[string]any{"type": "string"},
						"thread_ts": map[string]any{"type": "string", "description": "Reply in this thread"},
					},
					"required": []string{"channel", "text"},
				},
				func(ctx context.Context, ec tools.ExecContext, params map[string]any) (any, error) {
					channel := strings.TrimSpace(tools.GetString(params, "channel", ""))
					text := strings.TrimSpace(tools.GetString(params, "text", ""))
					if channel == "" || text == "" {
						return nil, fmt.Errorf("channel and text are required")
					}
					content := map[string]any{"channel": channel, "text": text, "threadTs": tools.GetString(params, "thread_ts", "")}
					return stageDraft(ctx, drafts, ec, DraftTypeSlackMessage, content,
						"Post to Slack channel "+channel, "Posting to Slack is visible to others")
				})
		},
		Publishers: map[string]PublishFunc{
			DraftTypeSlackMessage: func(ctx context.Context, d *store.Draft) (map[string]any, error) {
				channel, _ := d.Content["channel"].(string)
				text, _ := d.Content["text"].(string)
				opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
				if ts, _ := d.Content["threadTs"].(string); strings.TrimSpace(ts) != "" {
					opts = append(opts, slack.MsgOptionTS(ts))
				}
				ch, ts, err := api.PostMessageContext(ctx, channel, opts...)
				if err != nil {
					return nil, fmt.Errorf("slack post: %w", err)
				}
				return map[string]any{"channel": ch, "ts": ts}, nil
			},
		},
	}
}

func listSlackChannels(ctx context.Context, api SlackAPI) ([]map[string]any, error) {
	all := make([]map[string]any, 0)
	cursor := ""
	for {
		chs, next, err := api.GetConversationsContext(ctx, &slack.GetConversationsParameters{
			Cursor: cursor,
			Limit:  200,
			Types:  []string{"public_channel", "private_channel"},
		})
		if err != nil {
			return nil, fmt.Errorf("slack list channels: %w", err)
		}
		for _, ch := range chs {
			all = append(all, map[string]any{"id": ch.ID, "name": ch.Name})
		}
		cursor = strings.TrimSpace(next)
		if cursor == "" {
			break
		}
	}
	return all, nil
}
