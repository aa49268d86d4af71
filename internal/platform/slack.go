package platform

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// slackAPIClient is the slice of *slack.Client the Slack adapter depends
// on, narrowed so tests can supply a fake instead of an authenticated
// client.
type slackAPIClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	GetConversationInfoContext(ctx context.Context, input *slack.GetConversationInfoInput) (*slack.Channel, error)
	GetConversationHistoryContext(ctx context.Context, params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error)
	GetTeamInfoContext(ctx context.Context) (*slack.TeamInfo, error)
}

// SlackPlatform implements the "slack.*" bot-command namespace:
// server.get_stats, channel.get_stats, messages.send, messages.list.
type SlackPlatform struct {
	client slackAPIClient
}

// NewSlackPlatform wraps an already-authenticated *slack.Client.
func NewSlackPlatform(client *slack.Client) *SlackPlatform {
	return &SlackPlatform{client: client}
}

func (s *SlackPlatform) Name() string { return "slack" }

func (s *SlackPlatform) Execute(ctx context.Context, command string, args map[string]any) (any, error) {
	switch command {
	case "server.get_stats":
		return s.serverGetStats(ctx, args)
	case "channel.get_stats":
		return s.channelGetStats(ctx, args)
	case "messages.send":
		return s.messagesSend(ctx, args)
	case "messages.list":
		return s.messagesList(ctx, args)
	default:
		return nil, &UnknownCommandError{Platform: s.Name(), Command: command}
	}
}

func (s *SlackPlatform) serverGetStats(ctx context.Context, _ map[string]any) (any, error) {
	team, err := s.client.GetTeamInfoContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("slack: get team info: %w", err)
	}
	return map[string]any{"team_id": team.ID, "name": team.Name, "domain": team.Domain}, nil
}

func (s *SlackPlatform) channelGetStats(ctx context.Context, args map[string]any) (any, error) {
	channelID, err := platformStringArg("slack", args, "channel_id")
	if err != nil {
		return nil, err
	}
	channel, err := s.client.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{ChannelID: channelID})
	if err != nil {
		return nil, fmt.Errorf("slack: get conversation info for %s: %w", channelID, err)
	}
	return map[string]any{
		"channel_id":  channel.ID,
		"name":        channel.Name,
		"topic":       channel.Topic.Value,
		"is_private":  channel.IsPrivate,
		"member_count": channel.NumMembers,
	}, nil
}

func (s *SlackPlatform) messagesSend(ctx context.Context, args map[string]any) (any, error) {
	channelID, err := platformStringArg("slack", args, "channel_id")
	if err != nil {
		return nil, err
	}
	content, err := platformStringArg("slack", args, "content")
	if err != nil {
		return nil, err
	}
	options := []slack.MsgOption{slack.MsgOptionText(content, false)}
	if threadTS, ok := args["thread_ts"].(string); ok && threadTS != "" {
		options = append(options, slack.MsgOptionTS(threadTS))
	}
	channel, ts, err := s.client.PostMessageContext(ctx, channelID, options...)
	if err != nil {
		return nil, fmt.Errorf("slack: post message to %s: %w", channelID, err)
	}
	return map[string]any{"channel_id": channel, "ts": ts}, nil
}

func (s *SlackPlatform) messagesList(ctx context.Context, args map[string]any) (any, error) {
	channelID, err := platformStringArg("slack", args, "channel_id")
	if err != nil {
		return nil, err
	}
	limit := intArg(args["limit"], 50)
	resp, err := s.client.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID: channelID,
		Limit:     limit,
	})
	if err != nil {
		return nil, fmt.Errorf("slack: conversation history for %s: %w", channelID, err)
	}
	out := make([]map[string]any, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		out = append(out, map[string]any{
			"user":      m.User,
			"text":      m.Text,
			"ts":        m.Timestamp,
		})
	}
	return out, nil
}
