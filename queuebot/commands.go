package queuebot

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

const (
	DiscordSlashCommandSetupStorage = "queue_setup_storage"
	DiscordSlashCommandCreate       = "queue_create"
	DiscordSlashCommandSetTitle     = "queue_set_title"
	DiscordSlashCommandList         = "queue_list"
	DiscordSlashCommandListN        = "queue_list_n"
	DiscordSlashCommandRemove       = "queue_remove"
	DiscordSlashCommandRemoveN      = "queue_remove_n"
	DiscordSlashCommandReset        = "queue_reset"
	DiscordSlashCommandNotify       = "queue_notify_boss_run"
	DiscordSlashCommandSync         = "queue_sync"
	DiscordSlashCommandLanguage     = "queue_language"

	commandOptionKey     = "key"
	commandOptionTitle   = "title"
	commandOptionCount   = "count"
	commandOptionUsers   = "users"
	commandOptionChannel = "channel"
	commandOptionLang    = "lang"

	maxKeyLength = 100
)

// adminPermissions are the permissions that allow using queue commands
const adminPermissions int64 = discordgo.PermissionManageServer | discordgo.PermissionAdministrator

// slashCommand is one received command, with the guild's store loaded
type slashCommand struct {
	handler InteractionHandler
	i       *discordgo.InteractionCreate
	store   *QueueStore
	lang    string
	options map[string]*discordgo.ApplicationCommandInteractionDataOption
	logger  *slog.Logger
}

func (c *slashCommand) stringOption(name string) string {
	if opt, ok := c.options[name]; ok {
		return strings.TrimSpace(opt.StringValue())
	}
	return ""
}

func (c *slashCommand) intOption(name string, def int) int {
	if opt, ok := c.options[name]; ok {
		return int(opt.IntValue())
	}
	return def
}

// commandFunc runs a command and returns the reply. When err is a failed
// backing write, the reply is still shown, followed by a warning.
type commandFunc func(ctx context.Context, c *slashCommand) (string, error)

func (q *QueueBot) commandHandlers() map[string]commandFunc {
	return map[string]commandFunc{
		DiscordSlashCommandSetupStorage: q.commandSetupStorage,
		DiscordSlashCommandCreate:       q.commandCreate,
		DiscordSlashCommandSetTitle:     q.commandSetTitle,
		DiscordSlashCommandList:         q.commandList,
		DiscordSlashCommandListN:        q.commandListN,
		DiscordSlashCommandRemove:       q.commandRemove,
		DiscordSlashCommandRemoveN:      q.commandRemoveN,
		DiscordSlashCommandReset:        q.commandReset,
		DiscordSlashCommandNotify:       q.commandNotify,
		DiscordSlashCommandSync:         q.commandSync,
		DiscordSlashCommandLanguage:     q.commandLanguage,
	}
}

// handleCommand checks that a command comes from a guild admin, defers
// the response and runs the command. Every command except
// queue_setup_storage loads the guild's storage first.
func (q *QueueBot) handleCommand(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	name := i.ApplicationCommandData().Name
	logger := handler.Logger().With("command", name)
	ctx = WithLogger(ctx, logger)

	run, ok := q.commands[name]
	if !ok {
		logger.WarnContext(ctx, "unknown command")
		return
	}
	if i.GuildID == "" || i.Member == nil {
		_ = respondEphemeral(ctx, handler, q.locale.T(q.locale.Default(), "guild_only"))
		return
	}
	if !isGuildAdmin(i.Member) {
		logger.WarnContext(ctx, "command denied", "user_id", getDiscordUser(i).ID)
		_ = respondEphemeral(ctx, handler, q.locale.T(q.guildLang(i.GuildID), "no_permission"))
		return
	}
	if err := deferEphemeral(ctx, handler); err != nil {
		return
	}

	c := &slashCommand{
		handler: handler,
		i:       i,
		options: discordInteractionOptions(i),
		logger:  logger,
	}
	if name == DiscordSlashCommandSetupStorage {
		c.store = q.stores.Store(i.GuildID)
	} else {
		store, err := q.stores.Ready(ctx, i.GuildID)
		if err != nil {
			logger.ErrorContext(ctx, "storage unavailable", tint.Err(err))
			editResponse(ctx, handler, q.locale.T(q.locale.Default(), "storage_error"))
			return
		}
		c.store = store
		c.lang, _ = store.Lang()
	}

	content, err := run(ctx, c)
	if err != nil {
		logger.ErrorContext(ctx, "command failed", tint.Err(err))
	}
	editResponse(ctx, handler, q.withErrorNotice(c.lang, content, err))
}

func isGuildAdmin(m *discordgo.Member) bool {
	return m != nil && m.Permissions&adminPermissions != 0
}

func (q *QueueBot) commandSetupStorage(ctx context.Context, c *slashCommand) (string, error) {
	err := c.store.InitStorage(ctx)
	c.lang = q.guildLang(c.i.GuildID)
	if err != nil {
		return "", err
	}
	return q.locale.T(c.lang, "setup_ok"), nil
}

func (q *QueueBot) commandCreate(ctx context.Context, c *slashCommand) (string, error) {
	key := c.stringOption(commandOptionKey)
	if err := c.store.EnsureKey(ctx, key); err != nil {
		return "", err
	}
	title := c.stringOption(commandOptionTitle)
	if title == "" {
		title = q.locale.T(c.lang, "panel_title", "key", key)
	}
	count, err := c.store.Count(key)
	if err != nil {
		return "", err
	}
	embed, components := q.panels.NewPanel(c.lang, key, title, count)
	if _, err = q.channel.SendMessageComplex(
		ctx,
		c.i.ChannelID,
		&discordgo.MessageSend{
			Embeds:     []*discordgo.MessageEmbed{embed},
			Components: components,
		},
	); err != nil {
		return "", fmt.Errorf("posting panel: %w", err)
	}
	return q.locale.T(c.lang, "create_ok", "key", key), nil
}

func (q *QueueBot) commandSetTitle(ctx context.Context, c *slashCommand) (string, error) {
	key := c.stringOption(commandOptionKey)
	if err := c.store.EnsureKey(ctx, key); err != nil {
		return "", err
	}
	updated, err := q.panels.SetTitle(ctx, c.store, key, c.stringOption(commandOptionTitle))
	if err != nil {
		return "", err
	}
	return q.locale.T(c.lang, "title_set", "count", updated, "key", key), nil
}

func (q *QueueBot) commandList(ctx context.Context, c *slashCommand) (string, error) {
	key := c.stringOption(commandOptionKey)
	if err := c.store.EnsureKey(ctx, key); err != nil {
		return "", err
	}
	members, err := c.store.List(key)
	if err != nil {
		return "", err
	}
	if len(members) == 0 {
		return q.locale.T(c.lang, "list_empty", "key", key), nil
	}
	lines := q.memberLines(ctx, c.i.GuildID, members)
	return q.locale.T(
		c.lang,
		"list_header",
		"key", key,
		"count", len(members),
		"lines", strings.Join(lines, "\n"),
	), nil
}

func (q *QueueBot) commandListN(ctx context.Context, c *slashCommand) (string, error) {
	key := c.stringOption(commandOptionKey)
	if err := c.store.EnsureKey(ctx, key); err != nil {
		return "", err
	}
	n := clamp(c.intOption(commandOptionCount, q.config.Commands.ListDefault), 1, q.config.Commands.ListMax)
	members, err := c.store.List(key)
	if err != nil {
		return "", err
	}
	if len(members) == 0 {
		return q.locale.T(c.lang, "list_empty", "key", key), nil
	}
	head := members[:min(n, len(members))]
	lines := q.memberLines(ctx, c.i.GuildID, head)
	return q.locale.T(
		c.lang,
		"head_header",
		"shown", len(head),
		"total", len(members),
		"key", key,
		"lines", strings.Join(lines, "\n"),
	), nil
}

func (q *QueueBot) commandRemove(ctx context.Context, c *slashCommand) (string, error) {
	key := c.stringOption(commandOptionKey)
	ids := parseMemberIDs(c.stringOption(commandOptionUsers))
	if len(ids) == 0 {
		return q.locale.T(c.lang, "remove_none_given"), nil
	}
	removed, missing, err := c.store.RemoveMany(ctx, key, ids)
	if err != nil && !isBackingWriteError(err) {
		return "", err
	}
	if len(removed) > 0 {
		q.refreshPanels(ctx, c, key)
	}
	return q.locale.T(
		c.lang,
		"remove_multi_result",
		"key", key,
		"removed", len(removed),
		"missing", len(missing),
		"removed_list", q.mentionList(c.lang, removed),
		"missing_list", q.mentionList(c.lang, missing),
	), err
}

func (q *QueueBot) commandRemoveN(ctx context.Context, c *slashCommand) (string, error) {
	key := c.stringOption(commandOptionKey)
	n := clamp(c.intOption(commandOptionCount, 1), 1, q.config.Commands.RemoveMax)
	popped, err := c.store.PopFront(ctx, key, n)
	if err != nil && !isBackingWriteError(err) {
		return "", err
	}
	if len(popped) > 0 {
		q.refreshPanels(ctx, c, key)
	}
	users := q.locale.T(c.lang, "none")
	if len(popped) > 0 {
		users = strings.Join(q.memberNames(ctx, c.i.GuildID, popped), ", ")
	}
	return q.locale.T(c.lang, "remove_n_result", "n", len(popped), "key", key, "users", users), err
}

func (q *QueueBot) commandReset(ctx context.Context, c *slashCommand) (string, error) {
	key := c.stringOption(commandOptionKey)
	err := c.store.Reset(ctx, key)
	if err != nil && !isBackingWriteError(err) {
		return "", err
	}
	q.refreshPanels(ctx, c, key)
	return q.locale.T(c.lang, "reset_ok", "key", key), err
}

func (q *QueueBot) commandNotify(ctx context.Context, c *slashCommand) (string, error) {
	key := c.stringOption(commandOptionKey)
	if err := c.store.EnsureKey(ctx, key); err != nil {
		return "", err
	}
	n := clamp(c.intOption(commandOptionCount, q.config.Commands.NotifyMax), 1, q.config.Commands.NotifyMax)
	members, err := c.store.List(key)
	if err != nil {
		return "", err
	}
	if len(members) == 0 {
		return q.locale.T(c.lang, "notify_empty", "key", key), nil
	}
	channelID := c.i.ChannelID
	if opt, ok := c.options[commandOptionChannel]; ok {
		channelID = opt.ChannelValue(nil).ID
	}

	result := q.notifier.Notify(
		ctx, NotifyRequest{
			GuildID:   c.i.GuildID,
			ChannelID: channelID,
			Key:       key,
			Title:     q.panels.GuessTitle(ctx, c.store, c.lang, key),
			Lang:      c.lang,
			Members:   members[:min(n, len(members))],
		},
	)

	failed := make([]string, 0, len(result.Failed))
	for _, f := range result.Failed {
		failed = append(failed, fmt.Sprintf("%s (%s)", mention(f.MemberID), f.Reason))
	}
	failedList := q.locale.T(c.lang, "none")
	if len(failed) > 0 {
		failedList = strings.Join(failed, ", ")
	}
	return q.locale.T(
		c.lang,
		"notify_result",
		"key", key,
		"sent", len(result.Sent),
		"failed", len(result.Failed),
		"sent_list", q.mentionList(c.lang, result.Sent),
		"failed_list", failedList,
	), nil
}

func (q *QueueBot) commandSync(ctx context.Context, c *slashCommand) (string, error) {
	created, err := q.RegisterSlashCommands(ctx, c.i.GuildID)
	if err != nil {
		return "", err
	}
	return q.locale.T(c.lang, "sync_ok", "count", len(created)), nil
}

func (q *QueueBot) commandLanguage(ctx context.Context, c *slashCommand) (string, error) {
	requested := c.stringOption(commandOptionLang)
	if requested == "" {
		return q.locale.T(c.lang, "lang_current", "lang_name", q.locale.LanguageName(c.lang, c.lang)), nil
	}
	lang, err := c.store.SetLang(ctx, requested)
	if err != nil && !isBackingWriteError(err) {
		return "", err
	}
	c.lang = lang
	return q.locale.T(lang, "lang_set_ok", "lang_name", q.locale.LanguageName(lang, lang)), err
}

// refreshPanels synchronizes the panels for key, logging failures
func (q *QueueBot) refreshPanels(ctx context.Context, c *slashCommand, key string) {
	if _, err := q.panels.RefreshPanelsForKey(ctx, c.store, key); err != nil {
		c.logger.WarnContext(ctx, "panel refresh failed", tint.Err(err), "key", key)
	}
}

func (q *QueueBot) mentionList(lang string, ids []int64) string {
	if len(ids) == 0 {
		return q.locale.T(lang, "none")
	}
	mentions := make([]string, len(ids))
	for idx, id := range ids {
		mentions[idx] = mention(id)
	}
	return strings.Join(mentions, ", ")
}

// memberLines renders members as numbered lines, "**#1** Name (<@id>)"
func (q *QueueBot) memberLines(ctx context.Context, guildID string, ids []int64) []string {
	names := q.memberNames(ctx, guildID, ids)
	lines := make([]string, len(ids))
	for idx, id := range ids {
		lines[idx] = fmt.Sprintf("**#%d** %s (%s)", idx+1, names[idx], mention(id))
	}
	return lines
}

// memberNames resolves display names for ids, falling back to a mention
// for members that can't be looked up
func (q *QueueBot) memberNames(ctx context.Context, guildID string, ids []int64) []string {
	names := make([]string, len(ids))
	g := &errgroup.Group{}
	g.SetLimit(q.config.Commands.MemberConcurrency)
	for idx, id := range ids {
		g.Go(
			func() error {
				names[idx] = mention(id)
				m, err := q.members.Member(ctx, guildID, strconv.FormatInt(id, 10))
				if err != nil {
					q.logger.DebugContext(ctx, "member lookup failed", tint.Err(err), "user_id", id)
					return nil
				}
				if name := memberDisplayName(m); name != "" {
					names[idx] = name
				}
				return nil
			},
		)
	}
	_ = g.Wait()
	return names
}

// appCommands returns the slash command definitions. Commands are
// guild-only and hidden from members without Manage Server.
func (q *QueueBot) appCommands() []*discordgo.ApplicationCommand {
	perms := adminPermissions
	dmPerm := false

	minCount := float64(1)
	keyOption := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        commandOptionKey,
		Description: "Queue key",
		Required:    true,
		MaxLength:   maxKeyLength,
	}
	titleOption := func(required bool) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        commandOptionTitle,
			Description: "Panel title",
			Required:    required,
			MaxLength:   256,
		}
	}
	countOption := func(desc string, maxCount int, required bool) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionInteger,
			Name:        commandOptionCount,
			Description: desc,
			Required:    required,
			MinValue:    &minCount,
			MaxValue:    float64(maxCount),
		}
	}

	langChoices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(q.locale.Codes()))
	for _, code := range q.locale.Codes() {
		langChoices = append(
			langChoices, &discordgo.ApplicationCommandOptionChoice{
				Name:  q.locale.LanguageName(code, code),
				Value: code,
			},
		)
	}

	newCommand := func(
		name string,
		desc string,
		options ...*discordgo.ApplicationCommandOption,
	) *discordgo.ApplicationCommand {
		return &discordgo.ApplicationCommand{
			Name:                     name,
			Description:              desc,
			Type:                     discordgo.ChatApplicationCommand,
			DefaultMemberPermissions: &perms,
			DMPermission:             &dmPerm,
			Options:                  options,
		}
	}

	cfg := q.config.Commands
	return []*discordgo.ApplicationCommand{
		newCommand(DiscordSlashCommandSetupStorage, "Create or reload the hidden queue storage channel"),
		newCommand(DiscordSlashCommandCreate, "Post a signup panel for a queue", keyOption, titleOption(false)),
		newCommand(DiscordSlashCommandSetTitle, "Change the title of a queue's panels", keyOption, titleOption(true)),
		newCommand(DiscordSlashCommandList, "Show everyone in a queue", keyOption),
		newCommand(
			DiscordSlashCommandListN,
			"Show the first members of a queue",
			keyOption,
			countOption("How many to show", cfg.ListMax, false),
		),
		newCommand(
			DiscordSlashCommandRemove,
			"Remove members from a queue",
			keyOption,
			&discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        commandOptionUsers,
				Description: "Mentions or user IDs, separated by spaces or commas",
				Required:    true,
			},
		),
		newCommand(
			DiscordSlashCommandRemoveN,
			"Remove members from the front of a queue",
			keyOption,
			countOption("How many to remove", cfg.RemoveMax, true),
		),
		newCommand(DiscordSlashCommandReset, "Empty a queue", keyOption),
		newCommand(
			DiscordSlashCommandNotify,
			"DM the first members of a queue that it's their turn",
			keyOption,
			countOption("How many to notify", cfg.NotifyMax, true),
			&discordgo.ApplicationCommandOption{
				Type:         discordgo.ApplicationCommandOptionChannel,
				Name:         commandOptionChannel,
				Description:  "Channel to send them to",
				Required:     true,
				ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText, discordgo.ChannelTypeGuildVoice},
			},
		),
		newCommand(DiscordSlashCommandSync, "Re-register the queue commands in this server"),
		newCommand(
			DiscordSlashCommandLanguage,
			"Show or set the bot's language in this server",
			&discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        commandOptionLang,
				Description: "Language",
				Choices:     langChoices,
			},
		),
	}
}
