package platform

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// discordSession is the slice of *discordgo.Session the Discord adapter
// depends on, narrowed so tests can supply a fake instead of opening a real
// gateway connection.
type discordSession interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	Guild(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error)
	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)
}

// DiscordPlatform implements the "discord.*" bot-command namespace:
// server.get_stats, channel.get_stats, channel.list, messages.send,
// messages.list.
type DiscordPlatform struct {
	session discordSession
}

// NewDiscordPlatform wraps an already-authenticated *discordgo.Session. The
// caller owns the session's lifecycle (Open/Close); this adapter only
// issues REST calls through it.
func NewDiscordPlatform(session *discordgo.Session) *DiscordPlatform {
	return &DiscordPlatform{session: session}
}

func (d *DiscordPlatform) Name() string { return "discord" }

func (d *DiscordPlatform) Execute(ctx context.Context, command string, args map[string]any) (any, error) {
	switch command {
	case "server.get_stats":
		return d.serverGetStats(args)
	case "channel.get_stats":
		return d.channelGetStats(args)
	case "channel.list":
		return d.channelList(args)
	case "messages.send":
		return d.messagesSend(args)
	case "messages.list":
		return d.messagesList(args)
	default:
		return nil, &UnknownCommandError{Platform: d.Name(), Command: command}
	}
}

func (d *DiscordPlatform) serverGetStats(args map[string]any) (any, error) {
	guildID, err := stringArg(args, "guild_id")
	if err != nil {
		return nil, err
	}
	guild, err := d.session.Guild(guildID)
	if err != nil {
		return nil, fmt.Errorf("discord: get guild %s: %w", guildID, err)
	}
	channels, err := d.session.GuildChannels(guildID)
	if err != nil {
		return nil, fmt.Errorf("discord: list channels for guild %s: %w", guildID, err)
	}
	return map[string]any{
		"guild_id":          guild.ID,
		"name":              guild.Name,
		"approximate_count": guild.ApproximateMemberCount,
		"channel_count":     len(channels),
	}, nil
}

func (d *DiscordPlatform) channelGetStats(args map[string]any) (any, error) {
	channelID, err := stringArg(args, "channel_id")
	if err != nil {
		return nil, err
	}
	channel, err := d.session.Channel(channelID)
	if err != nil {
		return nil, fmt.Errorf("discord: get channel %s: %w", channelID, err)
	}
	return map[string]any{
		"channel_id": channel.ID,
		"name":       channel.Name,
		"topic":      channel.Topic,
		"type":       int(channel.Type),
		"nsfw":       channel.NSFW,
	}, nil
}

func (d *DiscordPlatform) channelList(args map[string]any) (any, error) {
	guildID, err := stringArg(args, "guild_id")
	if err != nil {
		return nil, err
	}
	channels, err := d.session.GuildChannels(guildID)
	if err != nil {
		return nil, fmt.Errorf("discord: list channels for guild %s: %w", guildID, err)
	}
	out := make([]map[string]any, 0, len(channels))
	for _, c := range channels {
		out = append(out, map[string]any{"channel_id": c.ID, "name": c.Name, "type": int(c.Type)})
	}
	return out, nil
}

func (d *DiscordPlatform) messagesSend(args map[string]any) (any, error) {
	channelID, err := stringArg(args, "channel_id")
	if err != nil {
		return nil, err
	}
	content, err := stringArg(args, "content")
	if err != nil {
		return nil, err
	}
	msg, err := d.session.ChannelMessageSend(channelID, content)
	if err != nil {
		return nil, fmt.Errorf("discord: send message to %s: %w", channelID, err)
	}
	return map[string]any{"message_id": msg.ID, "channel_id": msg.ChannelID}, nil
}

func (d *DiscordPlatform) messagesList(args map[string]any) (any, error) {
	channelID, err := stringArg(args, "channel_id")
	if err != nil {
		return nil, err
	}
	limit := 50
	if raw, ok := args["limit"]; ok {
		limit = intArg(raw, limit)
	}
	msgs, err := d.session.ChannelMessages(channelID, limit, "", "", "")
	if err != nil {
		return nil, fmt.Errorf("discord: list messages in %s: %w", channelID, err)
	}
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, map[string]any{
			"message_id": m.ID,
			"author_id":  authorID(m),
			"content":    m.Content,
			"timestamp":  m.Timestamp.String(),
		})
	}
	return out, nil
}

func authorID(m *discordgo.Message) string {
	if m.Author == nil {
		return ""
	}
	return m.Author.ID
}

func stringArg(args map[string]any, key string) (string, error) {
	return platformStringArg("discord", args, key)
}
