package queuebot

import (
	"context"
	"errors"
	"strconv"

	"github.com/lmittmann/tint"
)

// handleComponent handles presses of panel and DM buttons. Panel buttons
// carry their key in the custom ID; legacy panel buttons have the key
// recovered from the panel's text.
func (q *QueueBot) handleComponent(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	data := i.MessageComponentData()
	logger := handler.Logger().With("custom_id", data.CustomID)
	ctx = WithLogger(ctx, logger)

	if data.CustomID == customIDDMLeave {
		q.handleDMLeave(ctx, handler)
		return
	}

	action, key, ok := parsePanelCustomID(data.CustomID)
	if !ok {
		switch data.CustomID {
		case legacyCustomIDJoin:
			action = panelActionJoin
		case legacyCustomIDLeave:
			action = panelActionLeave
		default:
			logger.WarnContext(ctx, "unknown component")
			return
		}
		if i.Message != nil && len(i.Message.Embeds) > 0 && i.Message.Embeds[0] != nil {
			key, ok = embedKey(i.Message.Embeds[0])
		}
	}

	if i.GuildID == "" {
		_ = respondEphemeral(ctx, handler, q.locale.T(q.locale.Default(), "guild_only"))
		return
	}
	if !ok {
		lang := q.guildLang(i.GuildID)
		_ = respondEphemeral(ctx, handler, q.locale.T(lang, "panel_key_missing"))
		return
	}

	if err := deferEphemeral(ctx, handler); err != nil {
		return
	}

	store, err := q.stores.Ready(ctx, i.GuildID)
	if err != nil {
		logger.ErrorContext(ctx, "storage unavailable", tint.Err(err))
		editResponse(ctx, handler, q.locale.T(q.locale.Default(), "storage_error"))
		return
	}
	lang, _ := store.Lang()

	user := getDiscordUser(i)
	member, err := strconv.ParseInt(user.ID, 10, 64)
	if err != nil {
		logger.ErrorContext(ctx, "invalid user ID", tint.Err(err), "user_id", user.ID)
		return
	}

	var content string
	switch action {
	case panelActionJoin:
		pos, addErr := store.Add(ctx, key, member)
		err = addErr
		if pos > 0 {
			name := memberDisplayName(i.Member)
			if name == "" {
				name = mention(member)
			}
			content = q.locale.T(lang, "signed_pos", "name", name, "pos", pos, "key", key)
		}
	case panelActionLeave:
		removed, removeErr := store.Remove(ctx, key, member)
		err = removeErr
		if removed {
			content = q.locale.T(lang, "cancel_ok")
		} else if removeErr == nil {
			content = q.locale.T(lang, "cancel_none")
		}
	}
	logger.InfoContext(ctx, "panel button", "action", action, "key", key, "user_id", user.ID)

	if content != "" && i.Message != nil {
		panel := i.Message
		if panel.ChannelID == "" {
			panel.ChannelID = i.ChannelID
		}
		if refreshErr := q.panels.RefreshPanel(ctx, store, panel, key); refreshErr != nil {
			logger.WarnContext(ctx, "panel refresh failed", tint.Err(refreshErr), "message_id", panel.ID)
		}
	}

	editResponse(ctx, handler, q.withErrorNotice(lang, content, err))
}

// handleDMLeave removes the member from the queue named by a notification
// DM, then refreshes that queue's panels
func (q *QueueBot) handleDMLeave(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := handler.Logger()

	guildID, key := dmReference(i.Message)
	if guildID == "" || key == "" {
		_ = respondEphemeral(ctx, handler, q.locale.T(q.locale.Default(), "dm_leave_unknown"))
		return
	}
	if err := deferEphemeral(ctx, handler); err != nil {
		return
	}

	store, err := q.stores.Ready(ctx, guildID)
	if err != nil {
		logger.ErrorContext(ctx, "storage unavailable", tint.Err(err), "guild_id", guildID)
		editResponse(ctx, handler, q.locale.T(q.locale.Default(), "storage_error"))
		return
	}
	lang, _ := store.Lang()

	user := getDiscordUser(i)
	member, err := strconv.ParseInt(user.ID, 10, 64)
	if err != nil {
		logger.ErrorContext(ctx, "invalid user ID", tint.Err(err), "user_id", user.ID)
		return
	}

	removed, err := store.Remove(ctx, key, member)
	title := i.Message.Embeds[0].Title
	if title == "" {
		title = key
	}
	var content string
	if removed || err == nil {
		content = q.locale.T(lang, "dm_leave_ok", "title", title)
	}
	editResponse(ctx, handler, q.withErrorNotice(lang, content, err))

	logger.InfoContext(ctx, "left queue from DM", "guild_id", guildID, "key", key, "user_id", user.ID)
	if _, refreshErr := q.panels.RefreshPanelsForKey(ctx, store, key); refreshErr != nil {
		logger.WarnContext(ctx, "panel refresh failed", tint.Err(refreshErr))
	}
}

// guildLang returns the guild's language when its store is loaded, and
// the default language otherwise
func (q *QueueBot) guildLang(guildID string) string {
	if lang, err := q.stores.Store(guildID).Lang(); err == nil {
		return lang
	}
	return q.locale.Default()
}

// withErrorNotice appends the localized error for err to content. A
// failed backing write keeps content, since the change was applied in
// memory.
func (q *QueueBot) withErrorNotice(lang string, content string, err error) string {
	if err == nil {
		return content
	}
	var notice string
	switch {
	case isBackingWriteError(err):
		notice = q.locale.T(lang, "write_error")
	case errors.Is(err, ErrInvalidKey):
		notice = err.Error()
	default:
		notice = q.locale.T(lang, "storage_error")
	}
	if content == "" {
		return notice
	}
	return content + "\n" + notice
}

func isBackingWriteError(err error) bool {
	var writeErr *BackingWriteError
	return errors.As(err, &writeErr)
}
