package queuebot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

// Panel buttons carry the queue key in their custom ID, prefixed by the
// micro-format version:
//
//	qp1:join:<key>
//	qp1:leave:<key>
//
// Discord limits custom IDs to 100 characters. Panels for longer keys use
// the legacy IDs and are recognized by their text instead.
const (
	panelCustomIDPrefix = "qp1:"
	panelActionJoin     = "join"
	panelActionLeave    = "leave"

	legacyCustomIDJoin  = "btn_signup"
	legacyCustomIDLeave = "btn_cancel"
	customIDDMLeave     = "dm_leave"

	discordCustomIDMaxLength = 100
)

// ErrPanelRender is wrapped by errors from rendering or editing a panel
var ErrPanelRender = errors.New("panel render failed")

func panelCustomID(action string, key string) string {
	id := panelCustomIDPrefix + action + ":" + key
	if len(id) > discordCustomIDMaxLength {
		if action == panelActionJoin {
			return legacyCustomIDJoin
		}
		return legacyCustomIDLeave
	}
	return id
}

// parsePanelCustomID splits a versioned panel custom ID into its action
// and key
func parsePanelCustomID(customID string) (action string, key string, ok bool) {
	rest, ok := strings.CutPrefix(customID, panelCustomIDPrefix)
	if !ok {
		return "", "", false
	}
	action, key, ok = strings.Cut(rest, ":")
	if !ok || key == "" {
		return "", "", false
	}
	switch action {
	case panelActionJoin, panelActionLeave:
		return action, key, true
	default:
		return "", "", false
	}
}

// PanelKey recovers the queue key a message displays, using only the
// message's own fields. The versioned button custom IDs are checked first;
// otherwise the first inline-code span of the first embed's description
// is used, and finally the title text after the last ": ".
func PanelKey(m *discordgo.Message) (string, bool) {
	if m == nil {
		return "", false
	}
	for _, b := range messageButtons(m) {
		if _, key, ok := parsePanelCustomID(b.CustomID); ok {
			return key, true
		}
	}
	if len(m.Embeds) == 0 || m.Embeds[0] == nil {
		return "", false
	}
	return embedKey(m.Embeds[0])
}

func embedKey(e *discordgo.MessageEmbed) (string, bool) {
	if key, ok := firstCodeSpan(e.Description); ok {
		return key, true
	}
	if key, ok := titleKey(e.Title); ok {
		return key, true
	}
	return "", false
}

// titleKey returns the text after the first colon of a legacy panel
// title such as "Signup: boss"
func titleKey(title string) (string, bool) {
	_, key, ok := strings.Cut(title, ":")
	key = strings.TrimSpace(key)
	return key, ok && key != ""
}

// isPanelFor reports whether m is a panel authored by botUserID that
// displays key. Keys are compared exactly, so "boss" never matches a panel
// for "boss-a".
func isPanelFor(m *discordgo.Message, botUserID string, key string) bool {
	if m == nil || m.Author == nil || m.Author.ID != botUserID {
		return false
	}
	for _, b := range messageButtons(m) {
		if _, k, ok := parsePanelCustomID(b.CustomID); ok {
			return k == key
		}
	}
	if len(m.Embeds) == 0 || m.Embeds[0] == nil {
		return false
	}
	e := m.Embeds[0]
	if span, ok := firstCodeSpan(e.Description); ok && span == key {
		return true
	}
	if k, ok := titleKey(e.Title); ok {
		return k == key
	}
	return false
}

func firstCodeSpan(s string) (string, bool) {
	_, rest, ok := strings.Cut(s, "`")
	if !ok {
		return "", false
	}
	span, _, ok := strings.Cut(rest, "`")
	if !ok || span == "" {
		return "", false
	}
	return span, true
}

// messageButtons returns the buttons of every action row. Components
// decoded from the API are pointers, while locally built ones are values.
func messageButtons(m *discordgo.Message) []discordgo.Button {
	var buttons []discordgo.Button
	for _, c := range m.Components {
		var row []discordgo.MessageComponent
		switch r := c.(type) {
		case *discordgo.ActionsRow:
			row = r.Components
		case discordgo.ActionsRow:
			row = r.Components
		}
		for _, rc := range row {
			switch b := rc.(type) {
			case *discordgo.Button:
				buttons = append(buttons, *b)
			case discordgo.Button:
				buttons = append(buttons, b)
			}
		}
	}
	return buttons
}

// panelRenderer renders panel embeds and controls in a guild's language
type panelRenderer struct {
	locale *Localizer
}

// embed returns the panel embed for key. The title of existing is kept
// when set; any other fields of existing are preserved.
func (r panelRenderer) embed(
	existing *discordgo.MessageEmbed,
	lang string,
	key string,
	count int,
) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{}
	if existing != nil {
		cp := *existing
		e = &cp
	}
	if e.Title == "" {
		e.Title = r.locale.T(lang, "panel_title", "key", key)
	}
	e.Description = r.locale.T(lang, "panel_desc", "key", key)
	e.Footer = &discordgo.MessageEmbedFooter{
		Text: r.locale.T(lang, "footer_count", "count", count),
	}
	return e
}

func (r panelRenderer) components(lang string, key string) []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    r.locale.T(lang, "btn_signup"),
					Style:    discordgo.SuccessButton,
					CustomID: panelCustomID(panelActionJoin, key),
				},
				discordgo.Button{
					Label:    r.locale.T(lang, "btn_cancel"),
					Style:    discordgo.DangerButton,
					CustomID: panelCustomID(panelActionLeave, key),
				},
			},
		},
	}
}

// RefreshResult summarizes a synchronization pass
type RefreshResult struct {
	Channels int
	Matched  int
	Updated  int
	Failed   int
}

func (r RefreshResult) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("channels", r.Channels),
		slog.Int("matched", r.Matched),
		slog.Int("updated", r.Updated),
		slog.Int("failed", r.Failed),
	)
}

// PanelSynchronizer finds the panels displaying a queue and rewrites them
// with the queue's current state. Edits are paced by a shared rate
// limiter.
type PanelSynchronizer struct {
	channel  MessageChannel
	renderer panelRenderer
	config   *PanelConfig
	limiter  *rate.Limiter
	logger   *slog.Logger
}

func NewPanelSynchronizer(
	channel MessageChannel,
	locale *Localizer,
	config *PanelConfig,
	logger *slog.Logger,
) *PanelSynchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &PanelSynchronizer{
		channel:  channel,
		renderer: panelRenderer{locale: locale},
		config:   config,
		limiter:  rate.NewLimiter(rate.Limit(config.EditsPerSecond), config.EditBurst),
		logger:   logger,
	}
}

// FindPanels scans the newest limit messages of every text channel in the
// guild, except the storage channel, and returns the panels for key.
// Channels that can't be read are skipped.
func (p *PanelSynchronizer) FindPanels(
	ctx context.Context,
	store *QueueStore,
	key string,
	limit int,
) ([]*discordgo.Message, int, error) {
	guildID := store.GuildID()
	channels, err := p.channel.TextChannels(ctx, guildID)
	if err != nil {
		return nil, 0, fmt.Errorf("listing channels: %w", err)
	}
	storageID := store.StorageChannelID()
	botID := p.channel.BotUserID()

	var panels []*discordgo.Message
	scanned := 0
	for _, ch := range channels {
		if ch.ID == storageID {
			continue
		}
		if ctx.Err() != nil {
			return panels, scanned, ctx.Err()
		}
		msgs, histErr := p.channel.History(ctx, ch.ID, limit, NewestFirst)
		if histErr != nil {
			p.logger.DebugContext(
				ctx,
				"skipping unreadable channel",
				tint.Err(histErr),
				"channel_id", ch.ID,
				"channel", ch.Name,
			)
			continue
		}
		scanned++
		for _, m := range msgs {
			if isPanelFor(m, botID, key) {
				if m.ChannelID == "" {
					m.ChannelID = ch.ID
				}
				panels = append(panels, m)
			}
		}
	}
	return panels, scanned, nil
}

// RefreshPanelsForKey re-renders every panel for key with the queue's
// current count. A failed edit is logged and counted, and does not stop
// the pass.
func (p *PanelSynchronizer) RefreshPanelsForKey(
	ctx context.Context,
	store *QueueStore,
	key string,
) (RefreshResult, error) {
	logger := p.logger.With("guild_id", store.GuildID(), "key", key)
	var result RefreshResult

	panels, scanned, err := p.FindPanels(ctx, store, key, p.config.ScanLimit)
	result.Channels = scanned
	result.Matched = len(panels)
	if err != nil {
		return result, err
	}

	for _, m := range panels {
		if e := p.RefreshPanel(ctx, store, m, key); e != nil {
			result.Failed++
			logger.WarnContext(ctx, "panel refresh failed", tint.Err(e), "message_id", m.ID)
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			continue
		}
		result.Updated++
	}
	logger.InfoContext(ctx, "refreshed panels", "result", result)
	return result, nil
}

// RefreshPanel re-renders one panel message for key. The controls are
// rewritten too, which migrates legacy panels to versioned custom IDs and
// relabels them in the guild's current language.
func (p *PanelSynchronizer) RefreshPanel(
	ctx context.Context,
	store *QueueStore,
	m *discordgo.Message,
	key string,
) error {
	lang, err := store.Lang()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPanelRender, err)
	}
	count, err := store.Count(key)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPanelRender, err)
	}
	return p.editPanel(ctx, m, lang, key, count, "")
}

// SetTitle sets the title of every panel for key, returning how many were
// updated
func (p *PanelSynchronizer) SetTitle(
	ctx context.Context,
	store *QueueStore,
	key string,
	title string,
) (int, error) {
	lang, err := store.Lang()
	if err != nil {
		return 0, err
	}
	count, err := store.Count(key)
	if err != nil {
		return 0, err
	}
	panels, _, err := p.FindPanels(ctx, store, key, p.config.ScanLimit)
	if err != nil {
		return 0, err
	}
	updated := 0
	for _, m := range panels {
		if e := p.editPanel(ctx, m, lang, key, count, title); e != nil {
			p.logger.WarnContext(ctx, "panel retitle failed", tint.Err(e), "message_id", m.ID)
			continue
		}
		updated++
	}
	return updated, nil
}

// GuessTitle returns the title of the newest panel for key, or the
// localized default panel title when none is found
func (p *PanelSynchronizer) GuessTitle(
	ctx context.Context,
	store *QueueStore,
	lang string,
	key string,
) string {
	panels, _, err := p.FindPanels(ctx, store, key, p.config.TitleScanLimit)
	if err != nil {
		p.logger.WarnContext(ctx, "unable to search panels for title", tint.Err(err), "key", key)
	}
	for _, m := range panels {
		if len(m.Embeds) > 0 && m.Embeds[0] != nil && m.Embeds[0].Title != "" {
			return m.Embeds[0].Title
		}
	}
	return p.renderer.locale.T(lang, "panel_title", "key", key)
}

// NewPanel returns the embed and controls for a new panel
func (p *PanelSynchronizer) NewPanel(
	lang string,
	key string,
	title string,
	count int,
) (*discordgo.MessageEmbed, []discordgo.MessageComponent) {
	return p.renderer.embed(&discordgo.MessageEmbed{Title: title}, lang, key, count),
		p.renderer.components(lang, key)
}

func (p *PanelSynchronizer) editPanel(
	ctx context.Context,
	m *discordgo.Message,
	lang string,
	key string,
	count int,
	title string,
) error {
	var existing *discordgo.MessageEmbed
	if len(m.Embeds) > 0 {
		existing = m.Embeds[0]
	}
	e := p.renderer.embed(existing, lang, key, count)
	if title != "" {
		e.Title = title
	}
	embeds := append([]*discordgo.MessageEmbed{e}, tailEmbeds(m.Embeds)...)
	components := p.renderer.components(lang, key)

	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrPanelRender, err)
	}
	edit := discordgo.NewMessageEdit(m.ChannelID, m.ID).SetEmbeds(embeds)
	edit.Components = &components
	if _, err := p.channel.EditMessageComplex(ctx, edit); err != nil {
		return fmt.Errorf("%w: %w", ErrPanelRender, err)
	}
	return nil
}

func tailEmbeds(embeds []*discordgo.MessageEmbed) []*discordgo.MessageEmbed {
	if len(embeds) <= 1 {
		return nil
	}
	return embeds[1:]
}
