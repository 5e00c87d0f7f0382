package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/arcward/queuebot/queuebot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = queuebot.DefaultConfig()
	configFile string
)

// legacyEnv maps environment variables used by older deployments to the
// config keys they set. The prefixed variable wins when both are set.
var legacyEnv = map[string]string{
	"discord.token":      "BOT_TOKEN",
	"health.enabled":     "KEEP_ALIVE",
	"heartbeat.enabled":  "HEARTBEAT",
	"heartbeat.interval": "HEARTBEAT_INTERVAL",
	"heartbeat.url":      "HEARTBEAT_URL",
	"supervise.enabled":  "SUPERVISE",
}

var rootCmd = &cobra.Command{
	Use:   "queuebot [flags]",
	Short: "Discord signup queues with join/leave buttons",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					SecondsToDurationHookFunc(),
					mapstructure.StringToTimeDurationHookFunc(),
					mapstructure.StringToSliceHookFunc(" "),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}

		source, err := resolveToken(cfg.Discord)
		if err != nil {
			log.Fatalf("error reading token file: %v", err)
		}
		if cfg.Discord.Token != "" {
			logTokenPreview(source, cfg.Discord.Token)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

// SecondsToDurationHookFunc decodes a bare integer string, like
// HEARTBEAT_INTERVAL=300, as a number of seconds
func SecondsToDurationHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		seconds, err := strconv.Atoi(strings.TrimSpace(data.(string)))
		if err != nil {
			return data, nil
		}
		return time.Duration(seconds) * time.Second, nil
	}
}

// resolveToken fills in the token from the token file when no token was
// configured, then normalizes it. The returned source describes where the
// token came from.
func resolveToken(config *queuebot.DiscordConfig) (string, error) {
	source := "env"
	if strings.TrimSpace(config.Token) == "" && config.TokenFile != "" {
		data, err := os.ReadFile(config.TokenFile)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return "", nil
		case err != nil:
			return "", err
		}
		config.Token = string(data)
		source = "token_file"
	}
	config.Token = queuebot.NormalizeToken(config.Token)
	return source, nil
}

func logTokenPreview(source string, token string) {
	dots := strings.Count(token, ".")
	slog.Info(
		"loaded discord token",
		"source", source,
		"length", len(token),
		"dots", dots,
		"preview", queuebot.MaskToken(token),
	)
	if dots < 2 {
		slog.Warn(
			"discord token format looks unusual, make sure it's the bot token " +
				"from the developer portal's Bot tab, not the client secret",
		)
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("log_level", queuebot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", queuebot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", queuebot.DefaultShutdownTimeout)
	viper.SetDefault("recover_panic", true)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.token_file", queuebot.DefaultDiscordTokenFile)
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault(
		"discord.log_level",
		queuebot.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		queuebot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		queuebot.DefaultDiscordGatewayIntent,
	)

	// Discord: Webhook receive mode
	viper.SetDefault("discord.webhook_server.enabled", false)
	viper.SetDefault("discord.webhook_server.public_key", "")

	// Storage channel
	viper.SetDefault("storage.channel_name", queuebot.DefaultStorageChannelName)
	viper.SetDefault("storage.channel_topic", queuebot.DefaultStorageChannelTopic)
	viper.SetDefault("storage.scan_limit", queuebot.DefaultStorageScanLimit)
	viper.SetDefault("storage.log_level", queuebot.DefaultStorageLogLevel.String())

	// Panels
	viper.SetDefault("panels.scan_limit", queuebot.DefaultPanelScanLimit)
	viper.SetDefault("panels.title_scan_limit", queuebot.DefaultPanelTitleScanLimit)
	viper.SetDefault("panels.edits_per_second", queuebot.DefaultPanelEditsPerSecond)
	viper.SetDefault("panels.edit_burst", queuebot.DefaultPanelEditBurst)
	viper.SetDefault("panels.log_level", queuebot.DefaultPanelLogLevel.String())

	// Command argument bounds
	viper.SetDefault("commands.list_default", queuebot.DefaultListCount)
	viper.SetDefault("commands.list_max", queuebot.DefaultListMaxCount)
	viper.SetDefault("commands.remove_max", queuebot.DefaultRemoveMaxCount)
	viper.SetDefault("commands.notify_max", queuebot.DefaultNotifyMaxRecipients)
	viper.SetDefault("commands.notify_concurrency", queuebot.DefaultNotifyConcurrency)
	viper.SetDefault("commands.member_concurrency", queuebot.DefaultNotifyConcurrency)

	viper.SetDefault("lang.default", queuebot.DefaultLanguage)
	viper.SetDefault("lang.dir", "")

	// Health server
	viper.SetDefault("health.enabled", true)
	viper.SetDefault("health.listen", queuebot.DefaultHealthListen)
	viper.SetDefault("health.log_level", queuebot.DefaultHealthLogLevel.String())
	viper.SetDefault("health.cors_allow_origins", []string{})
	viper.SetDefault("health.pprof", false)
	viper.SetDefault("health.read_timeout", queuebot.DefaultReadTimeout)
	viper.SetDefault("health.read_header_timeout", queuebot.DefaultReadHeaderTime)
	viper.SetDefault("health.write_timeout", queuebot.DefaultWriteTimeout)
	viper.SetDefault("health.idle_timeout", queuebot.DefaultIdleTimeout)

	viper.SetDefault("heartbeat.enabled", true)
	viper.SetDefault("heartbeat.url", "")
	viper.SetDefault("heartbeat.interval", queuebot.DefaultHeartbeatPeriod)
	viper.SetDefault("heartbeat.timeout", queuebot.DefaultHeartbeatWait)

	viper.SetDefault("supervise.enabled", true)
	viper.SetDefault("supervise.initial_backoff", queuebot.DefaultSuperviseInitialBackoff)
	viper.SetDefault("supervise.max_backoff", queuebot.DefaultSuperviseMaxBackoff)

	envPrefix := os.Getenv(queuebot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = queuebot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	for key, legacy := range legacyEnv {
		prefixed := envPrefix + "_" + strings.ToUpper(replacer.Replace(key))
		fatalErr(viper.BindEnv(key, prefixed, legacy))
	}
	if port := os.Getenv("PORT"); port != "" {
		viper.SetDefault("health.listen", ":"+port)
	}

	// Convert values to correct types
	viper.Set(
		"health.cors_allow_origins",
		viper.GetStringSlice("health.cors_allow_origins"),
	)

	for _, k := range []string{
		"log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"storage.log_level",
		"panels.log_level",
		"health.log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(k))
		if err != nil {
			log.Fatalf("error parsing %s: %v", k, err)
		}
		viper.Set(k, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
