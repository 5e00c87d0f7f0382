package queuebot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

// Reasons a direct message could not be delivered
const (
	NotifyReasonForbidden = "forbidden"
	NotifyReasonNotMember = "not_member"
	NotifyReasonError     = "error"
)

const (
	dmFooterGuildPrefix = "gid:"
	dmFooterKeyPrefix   = "key:"
)

// NotifyRequest describes a batch of direct messages sent to the head of
// a queue
type NotifyRequest struct {
	GuildID   string
	ChannelID string
	Key       string
	Title     string
	Lang      string
	Members   []int64
}

// NotifyFailure is a recipient that wasn't reached, and why
type NotifyFailure struct {
	MemberID int64
	Reason   string
}

// NotifyResult lists delivered and failed recipients in request order
type NotifyResult struct {
	Sent   []int64
	Failed []NotifyFailure
}

func (r NotifyResult) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("sent", len(r.Sent)),
		slog.Int("failed", len(r.Failed)),
	)
}

// Notifier sends queue notifications by direct message
type Notifier struct {
	members     MemberDirectory
	locale      *Localizer
	concurrency int
	logger      *slog.Logger
}

func NewNotifier(
	members MemberDirectory,
	locale *Localizer,
	concurrency int,
	logger *slog.Logger,
) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		members:     members,
		locale:      locale,
		concurrency: max(concurrency, 1),
		logger:      logger,
	}
}

// Notify direct-messages every member of the request. Each member is
// first looked up in the guild, so people who left are reported as
// not_member rather than messaged. A failed send never stops the batch.
func (n *Notifier) Notify(ctx context.Context, req NotifyRequest) NotifyResult {
	msg := n.message(req)
	reasons := make([]string, len(req.Members))

	g := &errgroup.Group{}
	g.SetLimit(n.concurrency)
	for idx, memberID := range req.Members {
		g.Go(
			func() error {
				reasons[idx] = n.send(ctx, req.GuildID, memberID, msg)
				return nil
			},
		)
	}
	_ = g.Wait()

	var result NotifyResult
	for idx, memberID := range req.Members {
		if reasons[idx] == "" {
			result.Sent = append(result.Sent, memberID)
			continue
		}
		result.Failed = append(result.Failed, NotifyFailure{MemberID: memberID, Reason: reasons[idx]})
	}
	n.logger.InfoContext(
		ctx,
		"notify finished",
		"guild_id", req.GuildID,
		"key", req.Key,
		"result", result,
	)
	return result
}

// send delivers msg to one member, returning the failure reason or an
// empty string
func (n *Notifier) send(
	ctx context.Context,
	guildID string,
	memberID int64,
	msg *discordgo.MessageSend,
) string {
	userID := memberIDString(memberID)
	logger := n.logger.With("guild_id", guildID, "user_id", userID)

	if _, err := n.members.Member(ctx, guildID, userID); err != nil {
		logger.WarnContext(ctx, "unable to look up member", tint.Err(err))
		if isNotFound(err) {
			return NotifyReasonNotMember
		}
		return failureReason(err)
	}
	if _, err := n.members.SendDirect(ctx, userID, msg); err != nil {
		logger.WarnContext(ctx, "unable to send direct message", tint.Err(err))
		return failureReason(err)
	}
	return ""
}

func failureReason(err error) string {
	switch status := restStatus(err); status {
	case 0:
		return NotifyReasonError
	case http.StatusForbidden:
		return NotifyReasonForbidden
	default:
		return fmt.Sprintf("http_%d", status)
	}
}

// message builds the DM: an embed naming the queue, a link to the
// channel and a Leave button. The footer records the guild and key so
// the Leave button works after a restart.
func (n *Notifier) message(req NotifyRequest) *discordgo.MessageSend {
	return &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{
			{
				Title:       req.Title,
				Description: n.locale.T(req.Lang, "notify_dm_boss_run", "title", req.Title),
				Footer: &discordgo.MessageEmbedFooter{
					Text: dmFooter(req.GuildID, req.Key),
				},
			},
		},
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					discordgo.Button{
						Label: n.locale.T(req.Lang, "btn_go"),
						Style: discordgo.LinkButton,
						URL:   channelURL(req.GuildID, req.ChannelID),
					},
					discordgo.Button{
						Label:    n.locale.T(req.Lang, "btn_leave"),
						Style:    discordgo.SecondaryButton,
						CustomID: customIDDMLeave,
					},
				},
			},
		},
	}
}

func channelURL(guildID string, channelID string) string {
	return fmt.Sprintf("https://discord.com/channels/%s/%s", guildID, channelID)
}

func dmFooter(guildID string, key string) string {
	return dmFooterGuildPrefix + guildID + " " + dmFooterKeyPrefix + key
}

// parseDMFooter extracts the guild ID and queue key from a DM footer
// written by dmFooter. Keys may contain spaces, so everything after
// "key:" is the key.
func parseDMFooter(text string) (guildID string, key string) {
	text = strings.TrimSpace(text)
	if rest, ok := strings.CutPrefix(text, dmFooterGuildPrefix); ok {
		guildID, _, _ = strings.Cut(rest, " ")
	}
	if idx := strings.Index(text, dmFooterKeyPrefix); idx >= 0 {
		key = strings.TrimSpace(text[idx+len(dmFooterKeyPrefix):])
	}
	return guildID, key
}

// dmReference returns the guild ID and queue key a notification DM
// refers to. The footer's key is used when present; DMs without one fall
// back to the first inline-code span of the description.
func dmReference(m *discordgo.Message) (guildID string, key string) {
	if m == nil || len(m.Embeds) == 0 || m.Embeds[0] == nil {
		return "", ""
	}
	e := m.Embeds[0]
	if e.Footer != nil {
		guildID, key = parseDMFooter(e.Footer.Text)
	}
	if key == "" {
		key, _ = firstCodeSpan(e.Description)
	}
	return guildID, key
}
