//nolint:lll // struct tags can't be split
package queuebot

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
)

const (
	EnvvarSetEnvPrefix     = "QUEUEBOT_ENV_PREFIX"
	DefaultEnvPrefix       = "QB"
	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	DefaultStorageChannelName  = "queue-storage"
	DefaultStorageChannelTopic = "Queue DB & settings - do not touch"
	DefaultStorageScanLimit    = 100
	DefaultStorageLogLevel     = slog.LevelInfo

	DefaultPanelScanLimit      = 200
	DefaultPanelTitleScanLimit = 100
	DefaultPanelEditsPerSecond = 5.0
	DefaultPanelEditBurst      = 5
	DefaultPanelLogLevel       = slog.LevelInfo

	DefaultNotifyMaxRecipients = 25
	DefaultNotifyConcurrency   = 5
	DefaultListCount           = 8
	DefaultListMaxCount        = 50
	DefaultRemoveMaxCount      = 50

	DefaultLanguage = "en"

	DefaultHealthListen    = ":8080"
	DefaultHealthLogLevel  = slog.LevelInfo
	DefaultReadTimeout     = 5 * time.Second
	DefaultReadHeaderTime  = 5 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultIdleTimeout     = 30 * time.Second
	DefaultHeartbeatPeriod = 300 * time.Second
	DefaultHeartbeatWait   = 10 * time.Second

	DefaultSuperviseInitialBackoff = 5 * time.Second
	DefaultSuperviseMaxBackoff     = 300 * time.Second

	DefaultDiscordLogLevel   = slog.LevelInfo
	DefaultDiscordgoLogLevel = slog.LevelWarn
	DefaultDiscordTokenFile  = "token"

	DefaultDiscordGatewayIntent = discordgo.IntentGuilds |
		discordgo.IntentGuildMembers |
		discordgo.IntentGuildMessages |
		discordgo.IntentMessageContent

	discordMaxMessageLength = 2000
)

type DiscordInteractionReceiveMethod string

var (
	discordInteractionReceiveMethodGateway DiscordInteractionReceiveMethod = "gateway"
	discordInteractionReceiveMethodWebhook DiscordInteractionReceiveMethod = "webhook"
)

var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New()
	v.SetTagName("binding")
	return v
}

type Config struct {
	// Discord configures the bot's connection and command registration
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// Storage configures the hidden channel holding queue records
	Storage *StorageConfig `yaml:"storage" mapstructure:"storage" json:"storage"`

	// Panels configures panel discovery and refresh
	Panels *PanelConfig `yaml:"panels" mapstructure:"panels" json:"panels"`

	// Commands holds the count limits applied to slash command arguments
	Commands *CommandConfig `yaml:"commands" mapstructure:"commands" json:"commands"`

	// Lang configures the translation bundles
	Lang *LangConfig `yaml:"lang" mapstructure:"lang" json:"lang"`

	// Health configures the liveness HTTP server
	Health *HealthConfig `yaml:"health" mapstructure:"health" json:"health"`

	// Heartbeat configures the self-pinger that keeps hosted instances awake
	Heartbeat *HeartbeatConfig `yaml:"heartbeat" mapstructure:"heartbeat" json:"heartbeat"`

	// Supervise configures automatic restarts after a crash
	Supervise *SuperviseConfig `yaml:"supervise" mapstructure:"supervise" json:"supervise"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout limits how long opening the gateway session may take
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout" binding:"min=1s"`

	// ShutdownTimeout is the time to allow for a graceful shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout" binding:"min=1s"`

	// RecoverPanic recovers and logs panics in interaction handlers
	RecoverPanic bool `yaml:"recover_panic" mapstructure:"recover_panic" json:"recover_panic"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal).
	// A leading "Bot " and surrounding quotes are stripped.
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// TokenFile is read when Token is empty
	TokenFile string `yaml:"token_file" mapstructure:"token_file" json:"token_file"`

	// Discord application ID. When empty, the ID of the bot user reported
	// on Ready is used.
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id"`

	// GuildID restricts command registration to one guild. Leave empty to
	// register commands in every guild the bot is in.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Required when receiving webhook events rather than websockets
	WebhookServer DiscordWebhookServerConfig `yaml:"webhook_server" mapstructure:"webhook_server" json:"webhook_server"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// DiscordWebhookServerConfig enables receiving interactions over HTTP. The
// endpoint is mounted on the health server.
type DiscordWebhookServerConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The public key used for verifying Discord interaction POST requests.
	// In the Discord dev portal for your bot, this is under 'General Information'
	PublicKey string `yaml:"public_key" mapstructure:"public_key" json:"public_key" binding:"required_if=Enabled true"`
}

// StorageConfig configures the storage channel
type StorageConfig struct {
	ChannelName  string `yaml:"channel_name" mapstructure:"channel_name" json:"channel_name" binding:"required"`
	ChannelTopic string `yaml:"channel_topic" mapstructure:"channel_topic" json:"channel_topic"`

	// ScanLimit is how many of the oldest messages are searched for the
	// index and settings records
	ScanLimit int `yaml:"scan_limit" mapstructure:"scan_limit" json:"scan_limit" binding:"min=1,max=1000"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// PanelConfig configures panel discovery. Panels are found by scanning the
// newest ScanLimit messages of every text channel.
type PanelConfig struct {
	ScanLimit      int     `yaml:"scan_limit" mapstructure:"scan_limit" json:"scan_limit" binding:"min=1"`
	TitleScanLimit int     `yaml:"title_scan_limit" mapstructure:"title_scan_limit" json:"title_scan_limit" binding:"min=1"`
	EditsPerSecond float64 `yaml:"edits_per_second" mapstructure:"edits_per_second" json:"edits_per_second" binding:"gt=0"`
	EditBurst      int     `yaml:"edit_burst" mapstructure:"edit_burst" json:"edit_burst" binding:"min=1"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// CommandConfig holds the bounds for count arguments
type CommandConfig struct {
	ListDefault       int `yaml:"list_default" mapstructure:"list_default" json:"list_default" binding:"min=1,ltefield=ListMax"`
	ListMax           int `yaml:"list_max" mapstructure:"list_max" json:"list_max" binding:"min=1"`
	RemoveMax         int `yaml:"remove_max" mapstructure:"remove_max" json:"remove_max" binding:"min=1"`
	NotifyMax         int `yaml:"notify_max" mapstructure:"notify_max" json:"notify_max" binding:"min=1"`
	NotifyConcurrency int `yaml:"notify_concurrency" mapstructure:"notify_concurrency" json:"notify_concurrency" binding:"min=1"`
	MemberConcurrency int `yaml:"member_concurrency" mapstructure:"member_concurrency" json:"member_concurrency" binding:"min=1"`
}

// LangConfig configures translations. Bundles embedded in the binary are
// always loaded; files in Dir override or extend them.
type LangConfig struct {
	Default string `yaml:"default" mapstructure:"default" json:"default" binding:"required"`
	Dir     string `yaml:"dir" mapstructure:"dir" json:"dir"`
}

// HealthConfig configures the liveness server
type HealthConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	Listen  string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// CORSAllowOrigins allows browser status pages on these origins to
	// read /healthz. CORS headers are not sent when empty.
	CORSAllowOrigins []string `yaml:"cors_allow_origins" mapstructure:"cors_allow_origins" json:"cors_allow_origins"`

	// Pprof registers the net/http/pprof handlers under /debug
	Pprof bool `yaml:"pprof" mapstructure:"pprof" json:"pprof"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"required_if=Enabled true"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"required_if=Enabled true"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"required_if=Enabled true"`
}

// HeartbeatConfig configures periodic GET requests against URL. When URL
// is empty, the local /healthz endpoint is used.
type HeartbeatConfig struct {
	Enabled  bool          `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	URL      string        `yaml:"url" mapstructure:"url" json:"url" binding:"omitempty,url"`
	Interval time.Duration `yaml:"interval" mapstructure:"interval" json:"interval" binding:"required_if=Enabled true"`
	Timeout  time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout"`
}

// SuperviseConfig controls restarts of Run after it fails
type SuperviseConfig struct {
	Enabled        bool          `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff" json:"initial_backoff" binding:"required_if=Enabled true"`
	MaxBackoff     time.Duration `yaml:"max_backoff" mapstructure:"max_backoff" json:"max_backoff" binding:"required_if=Enabled true,gtefield=InitialBackoff"`
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	storageLogLevel := &slog.LevelVar{}
	panelLogLevel := &slog.LevelVar{}
	healthLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	storageLogLevel.Set(DefaultStorageLogLevel)
	panelLogLevel.Set(DefaultPanelLogLevel)
	healthLogLevel.Set(DefaultHealthLogLevel)

	return &Config{
		LogLevel:        mainLogLevel,
		StartupTimeout:  DefaultStartupTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		RecoverPanic:    true,
		Discord: &DiscordConfig{
			TokenFile:         DefaultDiscordTokenFile,
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
		},
		Storage: &StorageConfig{
			ChannelName:  DefaultStorageChannelName,
			ChannelTopic: DefaultStorageChannelTopic,
			ScanLimit:    DefaultStorageScanLimit,
			LogLevel:     storageLogLevel,
		},
		Panels: &PanelConfig{
			ScanLimit:      DefaultPanelScanLimit,
			TitleScanLimit: DefaultPanelTitleScanLimit,
			EditsPerSecond: DefaultPanelEditsPerSecond,
			EditBurst:      DefaultPanelEditBurst,
			LogLevel:       panelLogLevel,
		},
		Commands: &CommandConfig{
			ListDefault:       DefaultListCount,
			ListMax:           DefaultListMaxCount,
			RemoveMax:         DefaultRemoveMaxCount,
			NotifyMax:         DefaultNotifyMaxRecipients,
			NotifyConcurrency: DefaultNotifyConcurrency,
			MemberConcurrency: DefaultNotifyConcurrency,
		},
		Lang: &LangConfig{
			Default: DefaultLanguage,
		},
		Health: &HealthConfig{
			Enabled:           true,
			Listen:            DefaultHealthListen,
			LogLevel:          healthLogLevel,
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTime,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
		Heartbeat: &HeartbeatConfig{
			Enabled:  true,
			Interval: DefaultHeartbeatPeriod,
			Timeout:  DefaultHeartbeatWait,
		},
		Supervise: &SuperviseConfig{
			Enabled:        true,
			InitialBackoff: DefaultSuperviseInitialBackoff,
			MaxBackoff:     DefaultSuperviseMaxBackoff,
		},
	}
}

// NormalizeToken strips whitespace, one pair of surrounding quotes and a
// leading "Bot " prefix, so tokens pasted from the developer portal or an
// Authorization header both work.
func NormalizeToken(token string) string {
	token = strings.TrimSpace(token)
	if len(token) >= 2 {
		first, last := token[0], token[len(token)-1]
		if (first == '"' || first == '\'') && first == last {
			token = strings.TrimSpace(token[1 : len(token)-1])
		}
	}
	if len(token) > 4 && strings.EqualFold(token[:4], "bot ") {
		token = strings.TrimSpace(token[4:])
	}
	return token
}

// MaskToken returns a preview of the token safe for logs
func MaskToken(token string) string {
	if len(token) <= 10 {
		return strings.Repeat("*", len(token))
	}
	return fmt.Sprintf("%s...%s (len=%d)", token[:5], token[len(token)-5:], len(token))
}

// healthURL returns the URL the heartbeat pings when none is configured
func (c *Config) healthURL() string {
	if c.Heartbeat.URL != "" {
		return c.Heartbeat.URL
	}
	host, port, err := net.SplitHostPort(c.Health.Listen)
	if err != nil {
		host, port = "", strings.TrimPrefix(c.Health.Listen, ":")
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + "/healthz"
}
