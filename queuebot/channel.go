package queuebot

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"

	"github.com/bwmarrin/discordgo"
)

// maxHistoryPage is the largest page the message history endpoint returns
const maxHistoryPage = 100

// HistoryOrder selects which end of a channel's history is read
type HistoryOrder int

const (
	NewestFirst HistoryOrder = iota
	OldestFirst
)

// MessageChannel is the set of chat operations the store and the panel
// synchronizer need. discordChannel implements it over a
// DiscordSessionHandler; tests use the same adapter over an in-memory
// session.
type MessageChannel interface {
	// BotUserID is the ID of the bot's own user, which authors every
	// record and panel
	BotUserID() string

	// TextChannels returns the guild's text channels
	TextChannels(ctx context.Context, guildID string) ([]*discordgo.Channel, error)

	// CreateTextChannel creates a channel in the guild with the given
	// permission overwrites
	CreateTextChannel(
		ctx context.Context,
		guildID string,
		data discordgo.GuildChannelCreateData,
	) (*discordgo.Channel, error)

	SendMessage(ctx context.Context, channelID, content string) (*discordgo.Message, error)

	// SendMessageComplex sends a message with embeds and components
	SendMessageComplex(
		ctx context.Context,
		channelID string,
		msg *discordgo.MessageSend,
	) (*discordgo.Message, error)

	FetchMessage(ctx context.Context, channelID, messageID string) (*discordgo.Message, error)
	EditMessage(ctx context.Context, channelID, messageID, content string) (*discordgo.Message, error)

	// EditMessageComplex edits a message's embeds and components
	EditMessageComplex(ctx context.Context, edit *discordgo.MessageEdit) (*discordgo.Message, error)

	// History returns up to limit messages from one end of the channel,
	// ordered from that end
	History(
		ctx context.Context,
		channelID string,
		limit int,
		order HistoryOrder,
	) ([]*discordgo.Message, error)
}

// MemberDirectory resolves guild members and opens direct messages
type MemberDirectory interface {
	Member(ctx context.Context, guildID, userID string) (*discordgo.Member, error)
	SendDirect(ctx context.Context, userID string, msg *discordgo.MessageSend) (*discordgo.Message, error)
}

type discordChannel struct {
	session   DiscordSessionHandler
	botUserID func() string
	logger    *slog.Logger
}

func newDiscordChannel(
	session DiscordSessionHandler,
	botUserID func() string,
	logger *slog.Logger,
) *discordChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &discordChannel{session: session, botUserID: botUserID, logger: logger}
}

func (c *discordChannel) BotUserID() string {
	return c.botUserID()
}

func (c *discordChannel) TextChannels(
	ctx context.Context,
	guildID string,
) ([]*discordgo.Channel, error) {
	channels, err := c.session.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	text := make([]*discordgo.Channel, 0, len(channels))
	for _, ch := range channels {
		switch ch.Type {
		case discordgo.ChannelTypeGuildText, discordgo.ChannelTypeGuildNews:
			text = append(text, ch)
		}
	}
	slices.SortStableFunc(
		text, func(a, b *discordgo.Channel) int {
			return a.Position - b.Position
		},
	)
	return text, nil
}

func (c *discordChannel) CreateTextChannel(
	ctx context.Context,
	guildID string,
	data discordgo.GuildChannelCreateData,
) (*discordgo.Channel, error) {
	data.Type = discordgo.ChannelTypeGuildText
	return c.session.GuildChannelCreateComplex(guildID, data, discordgo.WithContext(ctx))
}

func (c *discordChannel) SendMessage(
	ctx context.Context,
	channelID string,
	content string,
) (*discordgo.Message, error) {
	return c.session.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
}

func (c *discordChannel) SendMessageComplex(
	ctx context.Context,
	channelID string,
	msg *discordgo.MessageSend,
) (*discordgo.Message, error) {
	return c.session.ChannelMessageSendComplex(channelID, msg, discordgo.WithContext(ctx))
}

func (c *discordChannel) FetchMessage(
	ctx context.Context,
	channelID string,
	messageID string,
) (*discordgo.Message, error) {
	return c.session.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
}

func (c *discordChannel) EditMessage(
	ctx context.Context,
	channelID string,
	messageID string,
	content string,
) (*discordgo.Message, error) {
	return c.session.ChannelMessageEdit(channelID, messageID, content, discordgo.WithContext(ctx))
}

func (c *discordChannel) EditMessageComplex(
	ctx context.Context,
	edit *discordgo.MessageEdit,
) (*discordgo.Message, error) {
	return c.session.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx))
}

func (c *discordChannel) History(
	ctx context.Context,
	channelID string,
	limit int,
	order HistoryOrder,
) ([]*discordgo.Message, error) {
	var out []*discordgo.Message
	var before, after string
	if order == OldestFirst {
		after = "0"
	}

	for len(out) < limit {
		page := min(limit-len(out), maxHistoryPage)
		msgs, err := c.session.ChannelMessages(
			channelID,
			page,
			before,
			after,
			"",
			discordgo.WithContext(ctx),
		)
		if err != nil {
			return out, err
		}
		if len(msgs) == 0 {
			break
		}
		sortMessages(msgs, order)
		out = append(out, msgs...)
		if len(msgs) < page {
			break
		}
		last := msgs[len(msgs)-1].ID
		if order == OldestFirst {
			after = last
		} else {
			before = last
		}
	}
	return out, nil
}

func (c *discordChannel) Member(
	ctx context.Context,
	guildID string,
	userID string,
) (*discordgo.Member, error) {
	return c.session.GuildMember(guildID, userID, discordgo.WithContext(ctx))
}

func (c *discordChannel) SendDirect(
	ctx context.Context,
	userID string,
	msg *discordgo.MessageSend,
) (*discordgo.Message, error) {
	dm, err := c.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	return c.session.ChannelMessageSendComplex(dm.ID, msg, discordgo.WithContext(ctx))
}

// compareSnowflakes orders two Discord IDs numerically without parsing
func compareSnowflakes(a, b string) int {
	if len(a) != len(b) {
		return len(a) - len(b)
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func sortMessages(msgs []*discordgo.Message, order HistoryOrder) {
	slices.SortFunc(
		msgs, func(a, b *discordgo.Message) int {
			if order == OldestFirst {
				return compareSnowflakes(a.ID, b.ID)
			}
			return compareSnowflakes(b.ID, a.ID)
		},
	)
}

// restStatus returns the HTTP status of a discord REST error, or 0
func restStatus(err error) int {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		return restErr.Response.StatusCode
	}
	return 0
}

// isNotFound reports whether err is a 404 from the discord API
func isNotFound(err error) bool {
	return restStatus(err) == http.StatusNotFound
}
